// reduce.go: the graph reduction machine
//
// OVERVIEW
// --------
// A Machine owns one heap plus the counters that keep reduction honest:
// a fresh-label source for duplications, a step budget, and a recursion
// guard. whnfAt reduces the node a slot points at, in place, until its
// head is a value (lambda, constructor, number, or superposition); rules
// for the named operations live in rules.go.
//
// The structural rules here are the affine core:
//
//	app-lam    ((λx.b) a)       substitute a for x's one occurrence
//	app-sup    ({f g} a)        split a with a dup, apply both sides
//	dup-num    copy the word
//	dup-ctr    clone the node, dup each argument
//	dup-lam    split the lambda, superpose its binder
//	dup-sup    same label projects, different label nests
//	swi        boolean switch, distributing over superpositions
//
// Reduction order is demand-driven and confluent; Scramble seeds a
// shuffled operand order so tests can check that reordering cannot be
// observed.
//
// Failures inside the graph are Err values, not Go errors. The machine
// panics with an abort only for budget and depth overruns and for
// malformed graphs, and Extract recovers those at the boundary.
package nixsub

import "math/rand"

// Machine evaluates one compiled unit. Not safe for concurrent use.
type Machine struct {
	H    *Heap
	Syms *SymTab

	lab      uint32
	steps    int
	budget   int
	depth    int
	maxDepth int
	flatten  int
	rng      *rand.Rand
}

func NewMachine(syms *SymTab) *Machine {
	return &Machine{
		H:        NewHeap(),
		Syms:     syms,
		lab:      1,
		budget:   StepBudget(),
		maxDepth: MaxDepth(),
		flatten:  FlattenDepth(),
	}
}

// Scramble makes the machine force independent operands in a seeded
// shuffled order. Results must not change; tests rely on that.
func (m *Machine) Scramble(seed int64) {
	m.rng = rand.New(rand.NewSource(seed))
}

// Steps reports the rewrite count so far.
func (m *Machine) Steps() int { return m.steps }

// freshLabel mints a duplication label no other chain holds.
func (m *Machine) freshLabel() uint32 {
	l := m.lab
	m.lab++
	if m.lab > extMask {
		panic(&machineAbort{"duplication label space exhausted"})
	}
	return l
}

// machineAbort unwinds the machine on budget, depth, or corruption
// failures. Extraction recovers it into an *EvalError.
type machineAbort struct {
	msg string
}

func (m *Machine) step() {
	m.steps++
	if m.budget > 0 && m.steps > m.budget {
		panic(&machineAbort{"step budget exceeded"})
	}
}

// newDup allocates a duplication triple over src and returns its legs.
func (m *Machine) newDup(label uint32, src Ptr) (Ptr, Ptr) {
	loc := m.H.Alloc(3)
	m.H.Set(loc, Era())
	m.H.Set(loc+1, Era())
	m.H.Link(loc+2, src)
	return Dp0(label, loc), Dp1(label, loc)
}

// ─────────────────────────────── whnf loop ──────────────────────────────────

// whnfAt reduces the slot at host to weak head normal form and returns
// the resulting pointer. The slot is rewritten in place.
func (m *Machine) whnfAt(host uint32) Ptr {
	m.depth++
	if m.depth > m.maxDepth {
		panic(&machineAbort{"maximum recursion depth exceeded"})
	}
	defer func() { m.depth-- }()

	for {
		p := m.H.At(host)
		switch p.Tag() {
		case tAPP:
			m.step()
			fn := m.whnfAt(p.Loc())
			switch fn.Tag() {
			case tLAM:
				m.rewriteAppLam(host, p, fn)
			case tSUP:
				m.rewriteAppSup(host, p, fn)
			case tCTR:
				if fn.Ext() == CtrErr {
					m.H.Link(host, fn)
				} else {
					m.H.Link(host, m.encodeErr("attempt to call a value which is not a function"))
				}
			case tNUM:
				m.H.Link(host, m.encodeErr("attempt to call a value which is not a function"))
			default:
				panic(&machineAbort{"malformed graph: bad application head"})
			}
		case tDP0, tDP1:
			m.step()
			m.reduceDup(p)
		case tOP2:
			m.step()
			m.reduceOp2(host, p)
		case tOPR:
			m.step()
			m.reduceOpr(host, p)
		case tSWI:
			m.step()
			m.reduceSwi(host, p)
		case tVAR, tARG:
			panic(&machineAbort{"malformed graph: unbound variable reached"})
		default:
			// LAM, SUP, CTR, NUM, ERA are head normal
			return p
		}
	}
}

// rewriteAppLam is affine beta reduction: one write for the argument, one
// for the body.
func (m *Machine) rewriteAppLam(host uint32, app, fn Ptr) {
	aLoc := app.Loc()
	lLoc := fn.Loc()
	m.H.Subst(m.H.At(lLoc), m.H.At(aLoc+1))
	m.H.Link(host, m.H.At(lLoc+1))
}

// rewriteAppSup applies both branches of a superposed function, splitting
// the argument under the superposition's label.
func (m *Machine) rewriteAppSup(host uint32, app, fn Ptr) {
	aLoc := app.Loc()
	sLoc := fn.Loc()
	lab := fn.Ext()
	a0, a1 := m.newDup(lab, m.H.At(aLoc+1))
	app0 := m.newApp(m.H.At(sLoc), a0)
	app1 := m.newApp(m.H.At(sLoc+1), a1)
	m.H.Link(host, m.newSup(lab, app0, app1))
}

func (m *Machine) newSup(label uint32, a, b Ptr) Ptr {
	loc := m.H.Alloc(2)
	m.H.Link(loc, a)
	m.H.Link(loc+1, b)
	return Sup(label, loc)
}

// ─────────────────────────────── duplication ────────────────────────────────

// reduceDup forces the duplication source and resolves the triple; both
// leg occurrences are substituted, so the loop that sent us here will
// re-read its slot and see the projection.
func (m *Machine) reduceDup(leg Ptr) {
	tLoc := leg.Loc()
	lab := leg.Ext()
	src := m.whnfAt(tLoc + 2)
	leg0 := m.H.At(tLoc)
	leg1 := m.H.At(tLoc + 1)

	switch src.Tag() {
	case tNUM, tERA:
		m.H.Subst(leg0, src)
		m.H.Subst(leg1, src)

	case tCTR:
		n := src.Ari()
		if n == 0 {
			m.H.Subst(leg0, src)
			m.H.Subst(leg1, src)
			return
		}
		loc0 := m.H.Alloc(n)
		loc1 := m.H.Alloc(n)
		for i := uint32(0); i < n; i++ {
			d0, d1 := m.newDup(lab, m.H.At(src.Loc()+i))
			m.H.Link(loc0+i, d0)
			m.H.Link(loc1+i, d1)
		}
		m.H.Subst(leg0, Ctr(src.Ext(), n, loc0))
		m.H.Subst(leg1, Ctr(src.Ext(), n, loc1))

	case tLAM:
		// dup a b = λx.body
		// a ← λx0.b0   b ← λx1.b1   dup b0 b1 = body   x ← {x0 x1}
		lLoc := src.Loc()
		lam0 := m.H.Alloc(2)
		lam1 := m.H.Alloc(2)
		m.H.Set(lam0, Era())
		m.H.Set(lam1, Era())
		supLoc := m.H.Alloc(2)
		m.H.Link(supLoc, Var(lam0))
		m.H.Link(supLoc+1, Var(lam1))
		m.H.Subst(m.H.At(lLoc), Sup(lab, supLoc))
		b0, b1 := m.newDup(lab, m.H.At(lLoc+1))
		m.H.Link(lam0+1, b0)
		m.H.Link(lam1+1, b1)
		m.H.Subst(leg0, Lam(lam0))
		m.H.Subst(leg1, Lam(lam1))

	case tSUP:
		if src.Ext() == lab {
			// same duplication process: the legs are the projections
			sLoc := src.Loc()
			m.H.Subst(leg0, m.H.At(sLoc))
			m.H.Subst(leg1, m.H.At(sLoc+1))
		} else {
			// unrelated superposition: clone it and duplicate inside
			sLoc := src.Loc()
			inLab := src.Ext()
			x0, y0 := m.newDup(lab, m.H.At(sLoc))
			x1, y1 := m.newDup(lab, m.H.At(sLoc+1))
			m.H.Subst(leg0, m.newSup(inLab, x0, x1))
			m.H.Subst(leg1, m.newSup(inLab, y0, y1))
		}

	default:
		panic(&machineAbort{"malformed graph: bad duplication source"})
	}
}

// ──────────────────────────────── switch ────────────────────────────────────

// reduceSwi forces the scrutinee of a boolean switch. Branches stay lazy.
func (m *Machine) reduceSwi(host uint32, p Ptr) {
	sLoc := p.Loc()
	c := m.whnfAt(sLoc)
	switch {
	case c.Tag() == tCTR && c.Ext() == CtrTrue:
		m.H.Link(host, m.H.At(sLoc+1))
	case c.Tag() == tCTR && c.Ext() == CtrFalse:
		m.H.Link(host, m.H.At(sLoc+2))
	case c.Tag() == tCTR && c.Ext() == CtrErr:
		m.H.Link(host, c)
	case c.Tag() == tSUP:
		lab := c.Ext()
		t0, t1 := m.newDup(lab, m.H.At(sLoc+1))
		e0, e1 := m.newDup(lab, m.H.At(sLoc+2))
		s0 := m.newSwi(m.H.At(c.Loc()), t0, e0)
		s1 := m.newSwi(m.H.At(c.Loc()+1), t1, e1)
		m.H.Link(host, m.newSup(lab, s0, s1))
	default:
		m.H.Link(host, m.encodeErr("expected a boolean condition"))
	}
}

// ──────────────────────── superposition distribution ────────────────────────

// distOprSup rewrites opr(..., {a b}, ...) into a superposition of two
// calls, duplicating the other operands under the superposition's label.
func (m *Machine) distOprSup(host uint32, p Ptr, supIdx uint32, sup Ptr) {
	n := p.Ari()
	lab := sup.Ext()
	args0 := make([]Ptr, n)
	args1 := make([]Ptr, n)
	for i := uint32(0); i < n; i++ {
		if i == supIdx {
			args0[i] = m.H.At(sup.Loc())
			args1[i] = m.H.At(sup.Loc() + 1)
			continue
		}
		d0, d1 := m.newDup(lab, m.H.At(p.Loc()+i))
		args0[i] = d0
		args1[i] = d1
	}
	o0 := m.newOpr(p.Ext(), args0...)
	o1 := m.newOpr(p.Ext(), args1...)
	m.H.Link(host, m.newSup(lab, o0, o1))
}

func (m *Machine) distOp2Sup(host uint32, p Ptr, supIdx uint32, sup Ptr) {
	lab := sup.Ext()
	other := m.H.At(p.Loc() + (1 - supIdx))
	d0, d1 := m.newDup(lab, other)
	var o0, o1 Ptr
	if supIdx == 0 {
		o0 = m.newOp2(p.Ext(), m.H.At(sup.Loc()), d0)
		o1 = m.newOp2(p.Ext(), m.H.At(sup.Loc()+1), d1)
	} else {
		o0 = m.newOp2(p.Ext(), d0, m.H.At(sup.Loc()))
		o1 = m.newOp2(p.Ext(), d1, m.H.At(sup.Loc()+1))
	}
	m.H.Link(host, m.newSup(lab, o0, o1))
}

// ─────────────────────────────── normal form ────────────────────────────────

// NormalizeRoot reduces the whole unit result to normal form, stopping
// under lambdas. With Scramble set, children are visited in shuffled
// order.
func (m *Machine) NormalizeRoot() Ptr {
	m.normalize(0)
	return m.H.At(0)
}

func (m *Machine) normalize(host uint32) {
	p := m.whnfAt(host)
	switch p.Tag() {
	case tCTR:
		n := p.Ari()
		order := make([]uint32, n)
		for i := uint32(0); i < n; i++ {
			order[i] = i
		}
		if m.rng != nil {
			m.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		for _, i := range order {
			m.normalize(p.Loc() + i)
		}
	case tSUP:
		m.normalize(p.Loc())
		m.normalize(p.Loc() + 1)
	}
}
