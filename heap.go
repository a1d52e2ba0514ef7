// heap.go: the word-addressed node store for compiled graphs
//
// Every node reference is a single 64-bit word:
//
//	bits 60..63  tag
//	bits 56..59  arity (constructors and primitive calls)
//	bits 32..55  ext: duplication label, constructor id, or operator id
//	bits  0..31  loc: node address, or the payload of a number
//
// Binder back-pointers make substitution O(1): the slot belonging to a
// lambda binder or a duplication leg holds an Arg pointer back at the one
// place the variable occurs, so substituting writes a single word. Link
// maintains that invariant; only affine graphs (at most one occurrence
// per binder) keep it sound.
package nixsub

// TermTag identifies the node kind of a Ptr.
type TermTag uint64

const (
	tDP0 TermTag = iota // first leg of a duplication
	tDP1            // second leg of a duplication
	tVAR            // bound variable occurrence
	tARG            // back-pointer from a binder to its occurrence
	tERA            // erased binder / absorbed value
	tLAM
	tAPP
	tSUP // superposition carrying a duplication label
	tCTR // data constructor
	tNUM // unsigned 32-bit payload
	tOP2 // strict binary arithmetic / comparison
	tOPR // named primitive operation
	tSWI // boolean switch
)

var tagNames = [...]string{
	"dp0", "dp1", "var", "arg", "era", "lam", "app", "sup",
	"ctr", "num", "op2", "opr", "swi",
}

func (t TermTag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "bad-tag"
}

// Ptr is a packed node reference.
type Ptr uint64

const (
	valMask  = 0x0000_0000_FFFF_FFFF
	extShift = 32
	extMask  = 0x00FF_FFFF
	ariShift = 56
	ariMask  = 0xF
	tagShift = 60
)

func (p Ptr) Tag() TermTag { return TermTag(p >> tagShift) }
func (p Ptr) Ari() uint32 { return uint32(p>>ariShift) & ariMask }
func (p Ptr) Ext() uint32 { return uint32(p>>extShift) & extMask }
func (p Ptr) Loc() uint32 { return uint32(p & valMask) }
func (p Ptr) Val() uint32 { return uint32(p & valMask) }

func pack(tag TermTag, ari, ext, val uint32) Ptr {
	return Ptr(uint64(tag)<<tagShift |
		uint64(ari&ariMask)<<ariShift |
		uint64(ext&extMask)<<extShift |
		uint64(val))
}

// Node constructors.

func Var(loc uint32) Ptr          { return pack(tVAR, 0, 0, loc) }
func Arg(loc uint32) Ptr          { return pack(tARG, 0, 0, loc) }
func Era() Ptr                    { return pack(tERA, 0, 0, 0) }
func Lam(loc uint32) Ptr          { return pack(tLAM, 0, 0, loc) }
func App(loc uint32) Ptr          { return pack(tAPP, 0, 0, loc) }
func Sup(label, loc uint32) Ptr   { return pack(tSUP, 0, label, loc) }
func Dp0(label, loc uint32) Ptr   { return pack(tDP0, 0, label, loc) }
func Dp1(label, loc uint32) Ptr   { return pack(tDP1, 0, label, loc) }
func Num(v uint32) Ptr            { return pack(tNUM, 0, 0, v) }
func Op2(op, loc uint32) Ptr      { return pack(tOP2, 0, op, loc) }
func Ctr(id, ari, loc uint32) Ptr { return pack(tCTR, ari, id, loc) }
func Opr(id, ari, loc uint32) Ptr { return pack(tOPR, ari, id, loc) }
func Swi(loc uint32) Ptr          { return pack(tSWI, 0, 0, loc) }

// Heap is an append-only store of node slots. Slot 0 is the root: the
// compiler links the unit's result pointer there.
type Heap struct {
	data []Ptr
}

func NewHeap() *Heap {
	h := &Heap{data: make([]Ptr, 1, 1024)}
	return h
}

// Alloc reserves n consecutive slots and returns the address of the first.
func (h *Heap) Alloc(n uint32) uint32 {
	loc := uint32(len(h.data))
	for i := uint32(0); i < n; i++ {
		h.data = append(h.data, 0)
	}
	return loc
}

func (h *Heap) At(loc uint32) Ptr     { return h.data[loc] }
func (h *Heap) Set(loc uint32, p Ptr) { h.data[loc] = p }
func (h *Heap) Len() int              { return len(h.data) }

// Link writes ptr into slot loc and, when ptr is a variable or a
// duplication leg, points its binder slot back here.
func (h *Heap) Link(loc uint32, ptr Ptr) Ptr {
	h.data[loc] = ptr
	if t := ptr.Tag(); t <= tVAR {
		h.data[ptr.Loc()+uint32(t&1)] = Arg(loc)
	}
	return ptr
}

// Subst replaces the occurrence recorded by binder (an Arg pointer, or Era
// when the binder is unused) with val.
func (h *Heap) Subst(binder, val Ptr) {
	if binder.Tag() == tARG {
		h.Link(binder.Loc(), val)
	}
	// an erased binder absorbs the value; the graph it owns becomes garbage
}

// Root returns the unit result pointer.
func (h *Heap) Root() Ptr { return h.data[0] }

// SetRoot links the unit result into slot 0.
func (h *Heap) SetRoot(p Ptr) { h.Link(0, p) }
