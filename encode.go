// encode.go: the data vocabulary of compiled graphs
//
// Constructor and operator ids live in the ext field of CTR and OPR
// pointers. Everything a program can observe is spelled in this
// vocabulary:
//
//	integers   Num payload for 0..MaxInt32, else Pos/Neg over two
//	           32-bit magnitude words
//	booleans   True / False, null Null
//	lists      List(len, spine) with a strict Cons/Nil spine and lazy
//	           elements
//	attrs      Attrs(pairs) with Pair(key, value) sorted by key name,
//	           stacked by Over(depth, overlay, base) layers
//	strings    Str(content, ctx): strict rune-code spine plus a sorted
//	           spine of interned context ids
//	paths      Path(accessor, str)
//	errors     Err(msg), a first-class value that every operation
//	           propagates
package nixsub

import (
	"math"
	"sort"
)

// Constructor ids (CTR ext).
const (
	CtrTrue uint32 = iota
	CtrFalse
	CtrNull
	CtrPos // (hi, lo) magnitude words
	CtrNeg
	CtrNil
	CtrCons
	CtrList // (len, spine)
	CtrPair // (key, value)
	CtrAttrs
	CtrOver // (depth, overlay spine, base)
	CtrStr  // (content spine, ctx spine)
	CtrPath // (accessor, str)
	CtrErr  // (msg str)
)

var ctrNames = [...]string{
	"True", "False", "Null", "Pos", "Neg", "Nil", "Cons", "List",
	"Pair", "Attrs", "Over", "Str", "Path", "Err",
}

// Path accessor ids distinguish filesystem roots.
const (
	AccAbs uint32 = iota // absolute after resolution
	AccHome
	AccSearch
)

// Operator ids (OPR ext).
const (
	OprSel       uint32 = iota // (attrs, key): strict lookup
	OprSelD                    // (attrs, keys, default): path lookup, default on any miss
	OprHasP                    // (attrs, keys): path existence
	OprWSel                    // (attrs, key, fallback): with-scope lookup
	OprUpd                     // (base, overlay): update
	OprCatL                    // (a, b): list concatenation
	OprCatS                    // (a, b): string concatenation
	OprEq                      // (a, b): structural equality
	OprLen                     // (list)
	OprElemAt                  // (list, index)
	OprAttrNames               // (attrs)
	OprFix                     // (f): fixed point
	OprAssert                  // (cond, body)
	OprAbort                   // (msg)
	OprThrow                   // (msg)
	OprChk                     // (arg, required, allowed|null, body): validate call arguments
	OprSeq                     // (a, b): force a, yield b
	OprToStr                   // (v): toString coercion
	OprIStr                    // (v): interpolation coercion
)

var oprNames = [...]string{
	"Sel", "SelD", "HasP", "WSel", "Upd", "CatL", "CatS", "Eq",
	"Len", "ElemAt", "AttrNames", "Fix", "Assert", "Abort", "Throw",
	"Chk", "Seq", "ToStr", "IStr",
}

// Arithmetic and comparison ids (OP2 ext).
const (
	OpAdd uint32 = iota
	OpSub
	OpMul
	OpDiv
	OpLt
	OpLe
	OpGt
	OpGe
)

var op2Names = [...]string{"+", "-", "*", "/", "<", "<=", ">", ">="}

// ───────────────────────────── node builders ────────────────────────────────

// newCtr allocates a constructor node and links its arguments.
func (m *Machine) newCtr(id uint32, args ...Ptr) Ptr {
	if len(args) == 0 {
		return Ctr(id, 0, 0)
	}
	loc := m.H.Alloc(uint32(len(args)))
	for i, a := range args {
		m.H.Link(loc+uint32(i), a)
	}
	return Ctr(id, uint32(len(args)), loc)
}

func (m *Machine) newOpr(id uint32, args ...Ptr) Ptr {
	loc := m.H.Alloc(uint32(len(args)))
	for i, a := range args {
		m.H.Link(loc+uint32(i), a)
	}
	return Opr(id, uint32(len(args)), loc)
}

func (m *Machine) newOp2(op uint32, a, b Ptr) Ptr {
	loc := m.H.Alloc(2)
	m.H.Link(loc, a)
	m.H.Link(loc+1, b)
	return Op2(op, loc)
}

func (m *Machine) newApp(fn, arg Ptr) Ptr {
	loc := m.H.Alloc(2)
	m.H.Link(loc, fn)
	m.H.Link(loc+1, arg)
	return App(loc)
}

func (m *Machine) newSwi(cond, thn, els Ptr) Ptr {
	loc := m.H.Alloc(3)
	m.H.Link(loc, cond)
	m.H.Link(loc+1, thn)
	m.H.Link(loc+2, els)
	return Swi(loc)
}

// ─────────────────────────────── integers ───────────────────────────────────

// encodeInt packs n natively when it fits the fast range, and otherwise
// splits the magnitude across two words under Pos or Neg. The fast range
// is non-negative only, so arithmetic on the fast path can never wrap
// within the payload.
func (m *Machine) encodeInt(n int64) Ptr {
	if n >= 0 && n <= math.MaxInt32 {
		return Num(uint32(n))
	}
	id := CtrPos
	mag := uint64(n)
	if n < 0 {
		id = CtrNeg
		mag = -uint64(n)
	}
	return m.newCtr(id, Num(uint32(mag>>32)), Num(uint32(mag)))
}

// decodeInt reads an integer value back out of the graph. The pointer and,
// for the wide forms, both payload slots must already be in weak head
// normal form.
func (m *Machine) decodeInt(p Ptr) (int64, bool) {
	switch {
	case p.Tag() == tNUM:
		return int64(p.Val()), true
	case p.Tag() == tCTR && (p.Ext() == CtrPos || p.Ext() == CtrNeg):
		hi := m.H.At(p.Loc())
		lo := m.H.At(p.Loc() + 1)
		if hi.Tag() != tNUM || lo.Tag() != tNUM {
			return 0, false
		}
		mag := uint64(hi.Val())<<32 | uint64(lo.Val())
		if p.Ext() == CtrPos {
			if mag > math.MaxInt64 {
				return 0, false
			}
			return int64(mag), true
		}
		if mag > 1<<63 {
			return 0, false
		}
		return -int64(mag), true
	}
	return 0, false
}

// readInt forces the payload slots of a wide integer, then decodes. This
// is the right entry point for values coming out of reduction, where a
// duplicated Pos or Neg node still carries projection legs in its slots.
func (m *Machine) readInt(p Ptr) (int64, bool) {
	if p.Tag() == tCTR && (p.Ext() == CtrPos || p.Ext() == CtrNeg) {
		m.whnfAt(p.Loc())
		m.whnfAt(p.Loc() + 1)
	}
	return m.decodeInt(p)
}

// isNumeric reports whether a whnf pointer is an integer in either form.
func isNumeric(p Ptr) bool {
	return p.Tag() == tNUM ||
		(p.Tag() == tCTR && (p.Ext() == CtrPos || p.Ext() == CtrNeg))
}

// ─────────────────────────── composite builders ─────────────────────────────

func (m *Machine) encodeBool(b bool) Ptr {
	if b {
		return Ctr(CtrTrue, 0, 0)
	}
	return Ctr(CtrFalse, 0, 0)
}

func (m *Machine) encodeNull() Ptr { return Ctr(CtrNull, 0, 0) }

// consSpine builds a strict Cons/Nil spine over the given pointers.
func (m *Machine) consSpine(elems []Ptr) Ptr {
	spine := Ctr(CtrNil, 0, 0)
	for i := len(elems) - 1; i >= 0; i-- {
		spine = m.newCtr(CtrCons, elems[i], spine)
	}
	return spine
}

// encodeList wraps elements in the cached-length list representation.
func (m *Machine) encodeList(elems []Ptr) Ptr {
	return m.newCtr(CtrList, m.encodeInt(int64(len(elems))), m.consSpine(elems))
}

// encodeStr builds a string value from text and interned context ids.
func (m *Machine) encodeStr(s string, ctx []int) Ptr {
	runes := []rune(s)
	codes := make([]Ptr, len(runes))
	for i, r := range runes {
		codes[i] = Num(uint32(r))
	}
	return m.newCtr(CtrStr, m.consSpine(codes), m.ctxSpine(ctx))
}

// ctxSpine builds the sorted, deduplicated context spine.
func (m *Machine) ctxSpine(ids []int) Ptr {
	if len(ids) == 0 {
		return Ctr(CtrNil, 0, 0)
	}
	sorted := append([]int(nil), ids...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	elems := make([]Ptr, 0, len(sorted))
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		elems = append(elems, Num(uint32(id)))
	}
	return m.consSpine(elems)
}

// encodeAttrs builds a flat attribute set; the pair spine is sorted by
// key name so lookups and key enumeration agree on one order.
func (m *Machine) encodeAttrs(entries []attrEntry) Ptr {
	sorted := append([]attrEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return m.Syms.Name(sorted[i].key) < m.Syms.Name(sorted[j].key)
	})
	pairs := make([]Ptr, len(sorted))
	for i, e := range sorted {
		pairs[i] = m.newCtr(CtrPair, Num(uint32(e.key)), e.val)
	}
	return m.newCtr(CtrAttrs, m.consSpine(pairs))
}

// encodePath builds a path value with the given accessor root.
func (m *Machine) encodePath(accessor uint32, text string) Ptr {
	return m.newCtr(CtrPath, Num(accessor), m.encodeStr(text, nil))
}

// encodeErr builds an error value carrying a context-free message.
func (m *Machine) encodeErr(msg string) Ptr {
	return m.newCtr(CtrErr, m.encodeStr(msg, nil))
}

// keySpine builds the static key-id spine used by SelD, HasP and Chk.
func (m *Machine) keySpine(keys []int) Ptr {
	elems := make([]Ptr, len(keys))
	for i, k := range keys {
		elems[i] = Num(uint32(k))
	}
	return m.consSpine(elems)
}
