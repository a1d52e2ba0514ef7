// heap_test.go
package nixsub

import "testing"

// --- tests -----------------------------------------------------------------

// Every field of a packed pointer must survive the roundtrip at its full
// width: 4-bit tag and arity, 24-bit ext, 32-bit loc.
func Test_Heap_Ptr_Packing(t *testing.T) {
	p := Ctr(0x123456, 9, 0xDEADBEEF)
	if p.Tag() != tCTR {
		t.Fatalf("tag: want %v, got %v", tCTR, p.Tag())
	}
	if p.Ari() != 9 {
		t.Fatalf("ari: want 9, got %d", p.Ari())
	}
	if p.Ext() != 0x123456 {
		t.Fatalf("ext: want 0x123456, got 0x%x", p.Ext())
	}
	if p.Loc() != 0xDEADBEEF {
		t.Fatalf("loc: want 0xDEADBEEF, got 0x%x", p.Loc())
	}

	if n := Num(0xFFFF_FFFF); n.Tag() != tNUM || n.Val() != 0xFFFF_FFFF {
		t.Fatalf("num payload mangled: %v val 0x%x", n.Tag(), n.Val())
	}
	if s := Sup(0xABCDEF, 7); s.Ext() != 0xABCDEF || s.Loc() != 7 {
		t.Fatalf("sup label mangled: ext 0x%x loc %d", s.Ext(), s.Loc())
	}
	if e := Era(); e.Tag() != tERA || e.Loc() != 0 {
		t.Fatalf("era mangled: %v", e)
	}
}

func Test_Heap_Tag_Names(t *testing.T) {
	cases := []struct {
		tag  TermTag
		want string
	}{
		{tDP0, "dp0"}, {tDP1, "dp1"}, {tVAR, "var"}, {tARG, "arg"},
		{tERA, "era"}, {tLAM, "lam"}, {tAPP, "app"}, {tSUP, "sup"},
		{tCTR, "ctr"}, {tNUM, "num"}, {tOP2, "op2"}, {tOPR, "opr"},
		{tSWI, "swi"},
	}
	for _, c := range cases {
		if got := c.tag.String(); got != c.want {
			t.Fatalf("tag %d: want %q, got %q", c.tag, c.want, got)
		}
	}
	if got := TermTag(15).String(); got != "bad-tag" {
		t.Fatalf("out-of-range tag: want %q, got %q", "bad-tag", got)
	}
}

// A fresh heap owns exactly the root slot, and Alloc hands out consecutive
// zeroed slots after it.
func Test_Heap_Alloc(t *testing.T) {
	h := NewHeap()
	if h.Len() != 1 {
		t.Fatalf("fresh heap: want len 1, got %d", h.Len())
	}
	loc := h.Alloc(3)
	if loc != 1 {
		t.Fatalf("first alloc: want loc 1, got %d", loc)
	}
	if h.Len() != 4 {
		t.Fatalf("after alloc(3): want len 4, got %d", h.Len())
	}
	for i := uint32(0); i < 3; i++ {
		if h.At(loc+i) != 0 {
			t.Fatalf("slot %d not zeroed: %v", loc+i, h.At(loc+i))
		}
	}
	next := h.Alloc(2)
	if next != 4 {
		t.Fatalf("second alloc: want loc 4, got %d", next)
	}
}

// Linking a variable occurrence must write the Arg back-pointer into the
// binder slot, so a later substitution touches exactly one word.
func Test_Heap_Link_Backpointers(t *testing.T) {
	h := NewHeap()
	app := h.Alloc(2)
	lam := h.Alloc(2)
	dup := h.Alloc(2)

	h.Link(app, Var(lam))
	if got := h.At(lam); got != Arg(app) {
		t.Fatalf("lam binder slot: want %v, got %v", Arg(app), got)
	}

	h.Link(app+1, Dp0(5, dup))
	if got := h.At(dup); got != Arg(app+1) {
		t.Fatalf("dp0 binder slot: want %v, got %v", Arg(app+1), got)
	}
	h.Link(lam+1, Dp1(5, dup))
	if got := h.At(dup+1); got != Arg(lam+1) {
		t.Fatalf("dp1 binder slot: want %v, got %v", Arg(lam+1), got)
	}
	if leg := h.At(app + 1); leg.Ext() != 5 {
		t.Fatalf("dp0 leg lost its label: ext %d", leg.Ext())
	}

	// Non-variable pointers never write back-pointers.
	h.Link(lam, Num(3))
	if got := h.At(lam); got != Num(3) {
		t.Fatalf("link of num: want %v, got %v", Num(3), got)
	}
}

func Test_Heap_Subst(t *testing.T) {
	h := NewHeap()
	app := h.Alloc(2)
	lam := h.Alloc(2)
	h.Link(app, Var(lam))

	h.Subst(h.At(lam), Num(42))
	if got := h.At(app); got != Num(42) {
		t.Fatalf("subst: want %v at occurrence, got %v", Num(42), got)
	}

	// An erased binder absorbs the value.
	before := h.Len()
	h.Subst(Era(), Num(7))
	if h.Len() != before {
		t.Fatalf("subst into era changed the heap")
	}
}

func Test_Heap_Root(t *testing.T) {
	h := NewHeap()
	h.SetRoot(Num(9))
	if got := h.Root(); got != Num(9) {
		t.Fatalf("root: want %v, got %v", Num(9), got)
	}

	// SetRoot of a variable records slot 0 as its occurrence.
	lam := h.Alloc(2)
	h.SetRoot(Var(lam))
	if got := h.At(lam); got != Arg(0) {
		t.Fatalf("root var binder slot: want %v, got %v", Arg(0), got)
	}
}
