// rules.go: rewrite rules for the named operations and arithmetic
//
// Every rule reads its operand slots, forces the ones it inspects, and
// rewrites the host slot exactly once: with the result, with a smaller
// residual operation, with a superposed pair of itself, or with an Err
// value. Slots a rule does not force stay lazy, which is what makes
// `length` ignore failing elements and selection ignore failing
// siblings.
//
// Failure is always the Err constructor flowing through the graph; the
// single place it becomes a Go error is extraction.
package nixsub

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

func isErr(p Ptr) bool  { return p.Tag() == tCTR && p.Ext() == CtrErr }
func isStr(p Ptr) bool  { return p.Tag() == tCTR && p.Ext() == CtrStr }
func isPath(p Ptr) bool { return p.Tag() == tCTR && p.Ext() == CtrPath }
func isList(p Ptr) bool { return p.Tag() == tCTR && p.Ext() == CtrList }

func isAttrsLike(p Ptr) bool {
	return p.Tag() == tCTR && (p.Ext() == CtrAttrs || p.Ext() == CtrOver)
}

// typeDesc names a whnf value for error messages.
func typeDesc(p Ptr) string {
	switch p.Tag() {
	case tNUM:
		return "an integer"
	case tLAM:
		return "a function"
	case tCTR:
		switch p.Ext() {
		case CtrTrue, CtrFalse:
			return "a boolean"
		case CtrNull:
			return "null"
		case CtrPos, CtrNeg:
			return "an integer"
		case CtrList:
			return "a list"
		case CtrAttrs, CtrOver:
			return "an attribute set"
		case CtrStr:
			return "a string"
		case CtrPath:
			return "a path"
		case CtrErr:
			return "an error"
		}
	}
	return "a value"
}

// forceArgs reduces the listed operand slots to whnf. With scrambling
// enabled the forcing order is shuffled; the caller still inspects the
// results in slot order, so outcomes stay deterministic.
func (m *Machine) forceArgs(loc uint32, idxs ...uint32) []Ptr {
	order := append([]uint32(nil), idxs...)
	if m.rng != nil {
		m.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	for _, i := range order {
		m.whnfAt(loc + i)
	}
	out := make([]Ptr, len(idxs))
	for k, i := range idxs {
		out[k] = m.H.At(loc + i)
	}
	return out
}

// propagate handles the two outcomes every rule shares: a forced operand
// that is an Err value, or one that is a superposition. Reports true when
// the host was rewritten.
func (m *Machine) propagate(host uint32, p Ptr, v Ptr, idx uint32) bool {
	if isErr(v) {
		m.H.Link(host, v)
		return true
	}
	if v.Tag() == tSUP {
		m.distOprSup(host, p, idx, v)
		return true
	}
	return false
}

// scratchWhnf forces a bare pointer by parking it in a fresh slot.
func (m *Machine) scratchWhnf(v Ptr) Ptr {
	s := m.H.Alloc(1)
	m.H.Link(s, v)
	return m.whnfAt(s)
}

// projectWhnf forces v and resolves superpositions by projecting the
// first branch; by confluence over chain labels both branches denote the
// same value at observation points.
func (m *Machine) projectWhnf(v Ptr) Ptr {
	w := m.scratchWhnf(v)
	for w.Tag() == tSUP {
		w = m.scratchWhnf(m.H.At(w.Loc()))
	}
	return w
}

////////////////////////////////////////////////////////////////////////////////
//                               SPINE WALKERS
////////////////////////////////////////////////////////////////////////////////

// spineElems walks a strict spine and returns the element pointers
// without forcing them.
func (m *Machine) spineElems(slot uint32) []Ptr {
	var out []Ptr
	cur := m.whnfAt(slot)
	for {
		switch {
		case cur.Tag() == tCTR && cur.Ext() == CtrCons:
			out = append(out, m.H.At(cur.Loc()))
			cur = m.whnfAt(cur.Loc() + 1)
		case cur.Tag() == tCTR && cur.Ext() == CtrNil:
			return out
		default:
			panic(&machineAbort{"malformed graph: bad spine"})
		}
	}
}

// spineInts walks a strict spine of number words.
func (m *Machine) spineInts(slot uint32) []uint32 {
	var out []uint32
	cur := m.whnfAt(slot)
	for {
		switch {
		case cur.Tag() == tCTR && cur.Ext() == CtrCons:
			h := m.whnfAt(cur.Loc())
			if h.Tag() != tNUM {
				panic(&machineAbort{"malformed graph: bad number spine"})
			}
			out = append(out, h.Val())
			cur = m.whnfAt(cur.Loc() + 1)
		case cur.Tag() == tCTR && cur.Ext() == CtrNil:
			return out
		default:
			panic(&machineAbort{"malformed graph: bad spine"})
		}
	}
}

// strParts reads a whnf string value into host text and context ids.
func (m *Machine) strParts(p Ptr) (string, []int) {
	codes := m.spineInts(p.Loc())
	var b strings.Builder
	for _, c := range codes {
		b.WriteRune(rune(c))
	}
	raw := m.spineInts(p.Loc() + 1)
	ctx := make([]int, len(raw))
	for i, c := range raw {
		ctx[i] = int(c)
	}
	return b.String(), ctx
}

// pathParts reads a whnf path value: accessor id and text.
func (m *Machine) pathParts(p Ptr) (uint32, string) {
	acc := m.whnfAt(p.Loc())
	if acc.Tag() != tNUM {
		panic(&machineAbort{"malformed graph: bad path accessor"})
	}
	s := m.whnfAt(p.Loc() + 1)
	if !isStr(s) {
		panic(&machineAbort{"malformed graph: bad path text"})
	}
	text, _ := m.strParts(s)
	return acc.Val(), text
}

////////////////////////////////////////////////////////////////////////////////
//                              ATTRIBUTE LAYERS
////////////////////////////////////////////////////////////////////////////////

type lookupState int

const (
	lookupFound lookupState = iota
	lookupMissing
	lookupNotAttrs
)

// spineFind scans a pair spine for key, forcing only the cells and keys
// it passes. The returned value pointer stays lazy.
func (m *Machine) spineFind(slot uint32, key uint32) (Ptr, bool) {
	cur := m.whnfAt(slot)
	for {
		switch {
		case cur.Tag() == tCTR && cur.Ext() == CtrCons:
			pair := m.whnfAt(cur.Loc())
			if pair.Tag() != tCTR || pair.Ext() != CtrPair {
				panic(&machineAbort{"malformed graph: bad attribute pair"})
			}
			k := m.whnfAt(pair.Loc())
			if k.Tag() != tNUM {
				panic(&machineAbort{"malformed graph: bad attribute key"})
			}
			if k.Val() == key {
				return m.H.At(pair.Loc() + 1), true
			}
			cur = m.whnfAt(cur.Loc() + 1)
		case cur.Tag() == tCTR && cur.Ext() == CtrNil:
			return 0, false
		default:
			panic(&machineAbort{"malformed graph: bad spine"})
		}
	}
}

// lookupAttr walks the layer chain for key, overlay before base.
func (m *Machine) lookupAttr(p Ptr, key uint32) (Ptr, lookupState) {
	cur := p
	for {
		switch {
		case cur.Tag() == tCTR && cur.Ext() == CtrAttrs:
			if v, ok := m.spineFind(cur.Loc(), key); ok {
				return v, lookupFound
			}
			return 0, lookupMissing
		case cur.Tag() == tCTR && cur.Ext() == CtrOver:
			if v, ok := m.spineFind(cur.Loc()+1, key); ok {
				return v, lookupFound
			}
			cur = m.whnfAt(cur.Loc() + 2)
		default:
			return 0, lookupNotAttrs
		}
	}
}

type attrEntry struct {
	key int
	val Ptr
}

// attrEntries flattens the layer chain into one entry per key, innermost
// overlay winning, sorted by key name. Values stay lazy.
func (m *Machine) attrEntries(p Ptr) []attrEntry {
	seen := map[int]bool{}
	var out []attrEntry
	cur := p
	for {
		var spineSlot uint32
		last := false
		switch {
		case cur.Tag() == tCTR && cur.Ext() == CtrAttrs:
			spineSlot = cur.Loc()
			last = true
		case cur.Tag() == tCTR && cur.Ext() == CtrOver:
			spineSlot = cur.Loc() + 1
		default:
			panic(&machineAbort{"malformed graph: bad attribute set"})
		}
		spine := m.whnfAt(spineSlot)
		for spine.Tag() == tCTR && spine.Ext() == CtrCons {
			pair := m.whnfAt(spine.Loc())
			k := m.whnfAt(pair.Loc())
			id := int(k.Val())
			if !seen[id] {
				seen[id] = true
				out = append(out, attrEntry{key: id, val: m.H.At(pair.Loc() + 1)})
			}
			spine = m.whnfAt(spine.Loc() + 1)
		}
		if last {
			break
		}
		cur = m.whnfAt(cur.Loc() + 2)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.Syms.Name(out[i].key) < m.Syms.Name(out[j].key)
	})
	return out
}

// entrySpine rebuilds a sorted pair spine from entries.
func (m *Machine) entrySpine(entries []attrEntry) Ptr {
	pairs := make([]Ptr, len(entries))
	for i, e := range entries {
		pairs[i] = m.newCtr(CtrPair, Num(uint32(e.key)), e.val)
	}
	return m.consSpine(pairs)
}

func (m *Machine) errAttrMissing(key uint32) Ptr {
	return m.encodeErr(fmt.Sprintf("attribute %q missing", m.Syms.Name(int(key))))
}

////////////////////////////////////////////////////////////////////////////////
//                            NAMED OPERATION RULES
////////////////////////////////////////////////////////////////////////////////

func (m *Machine) reduceOpr(host uint32, p Ptr) {
	loc := p.Loc()
	switch p.Ext() {

	case OprSel:
		args := m.forceArgs(loc, 0, 1)
		a, k := args[0], args[1]
		if m.propagate(host, p, a, 0) || m.propagate(host, p, k, 1) {
			return
		}
		if k.Tag() != tNUM {
			panic(&machineAbort{"malformed graph: bad attribute key"})
		}
		if !isAttrsLike(a) {
			m.H.Link(host, m.encodeErr("expected an attribute set, got "+typeDesc(a)))
			return
		}
		v, st := m.lookupAttr(a, k.Val())
		if st == lookupFound {
			m.H.Link(host, v)
		} else {
			m.H.Link(host, m.errAttrMissing(k.Val()))
		}

	case OprSelD:
		// path selection with a default: one key per rewrite, so a
		// missing step or a non-set intermediate takes the default
		a := m.forceArgs(loc, 0)[0]
		if m.propagate(host, p, a, 0) {
			return
		}
		def := m.H.At(loc + 2)
		keySpine := m.whnfAt(loc + 1)
		if keySpine.Tag() != tCTR || keySpine.Ext() != CtrCons {
			panic(&machineAbort{"malformed graph: empty selection path"})
		}
		k := m.whnfAt(keySpine.Loc())
		rest := m.whnfAt(keySpine.Loc() + 1)
		if !isAttrsLike(a) {
			m.H.Link(host, def)
			return
		}
		v, st := m.lookupAttr(a, k.Val())
		if st != lookupFound {
			m.H.Link(host, def)
			return
		}
		if rest.Ext() == CtrNil {
			m.H.Link(host, v)
			return
		}
		m.H.Link(host, m.newOpr(OprSelD, v, rest, def))

	case OprHasP:
		a := m.forceArgs(loc, 0)[0]
		if m.propagate(host, p, a, 0) {
			return
		}
		keySpine := m.whnfAt(loc + 1)
		if keySpine.Tag() != tCTR || keySpine.Ext() != CtrCons {
			panic(&machineAbort{"malformed graph: empty has path"})
		}
		k := m.whnfAt(keySpine.Loc())
		rest := m.whnfAt(keySpine.Loc() + 1)
		if !isAttrsLike(a) {
			m.H.Link(host, m.encodeBool(false))
			return
		}
		v, st := m.lookupAttr(a, k.Val())
		if st != lookupFound {
			m.H.Link(host, m.encodeBool(false))
			return
		}
		if rest.Ext() == CtrNil {
			m.H.Link(host, m.encodeBool(true))
			return
		}
		m.H.Link(host, m.newOpr(OprHasP, v, rest))

	case OprWSel:
		args := m.forceArgs(loc, 0, 1)
		subj, k := args[0], args[1]
		if m.propagate(host, p, subj, 0) || m.propagate(host, p, k, 1) {
			return
		}
		if k.Tag() != tNUM {
			panic(&machineAbort{"malformed graph: bad attribute key"})
		}
		if !isAttrsLike(subj) {
			m.H.Link(host, m.encodeErr("with subject is "+typeDesc(subj)+" while an attribute set was expected"))
			return
		}
		v, st := m.lookupAttr(subj, k.Val())
		if st == lookupFound {
			m.H.Link(host, v)
		} else {
			m.H.Link(host, m.H.At(loc+2))
		}

	case OprUpd:
		m.reduceUpdate(host, p)

	case OprCatL:
		args := m.forceArgs(loc, 0, 1)
		a, b := args[0], args[1]
		if m.propagate(host, p, a, 0) || m.propagate(host, p, b, 1) {
			return
		}
		if !isList(a) || !isList(b) {
			bad := a
			if isList(a) {
				bad = b
			}
			m.H.Link(host, m.encodeErr("expected a list, got "+typeDesc(bad)))
			return
		}
		la, okA := m.readInt(m.whnfAt(a.Loc()))
		lb, okB := m.readInt(m.whnfAt(b.Loc()))
		if !okA || !okB {
			panic(&machineAbort{"malformed graph: bad list length"})
		}
		elems := m.spineElems(a.Loc() + 1)
		spine := m.H.At(b.Loc() + 1)
		for i := len(elems) - 1; i >= 0; i-- {
			spine = m.newCtr(CtrCons, elems[i], spine)
		}
		m.H.Link(host, m.newCtr(CtrList, m.encodeInt(la+lb), spine))

	case OprCatS:
		args := m.forceArgs(loc, 0, 1)
		a, b := args[0], args[1]
		if m.propagate(host, p, a, 0) || m.propagate(host, p, b, 1) {
			return
		}
		if !isStr(a) || !isStr(b) {
			bad := a
			if isStr(a) {
				bad = b
			}
			m.H.Link(host, m.encodeErr("expected a string, got "+typeDesc(bad)))
			return
		}
		m.H.Link(host, m.concatStr(a, b))

	case OprEq:
		args := m.forceArgs(loc, 0, 1)
		a, b := args[0], args[1]
		if m.propagate(host, p, a, 0) || m.propagate(host, p, b, 1) {
			return
		}
		eq, errp := m.eqDeep(a, b)
		if errp != 0 {
			m.H.Link(host, errp)
			return
		}
		m.H.Link(host, m.encodeBool(eq))

	case OprLen:
		a := m.forceArgs(loc, 0)[0]
		if m.propagate(host, p, a, 0) {
			return
		}
		if !isList(a) {
			m.H.Link(host, m.encodeErr("expected a list, got "+typeDesc(a)))
			return
		}
		m.H.Link(host, m.whnfAt(a.Loc()))

	case OprElemAt:
		args := m.forceArgs(loc, 0, 1)
		a, i := args[0], args[1]
		if m.propagate(host, p, a, 0) || m.propagate(host, p, i, 1) {
			return
		}
		if !isList(a) {
			m.H.Link(host, m.encodeErr("expected a list, got "+typeDesc(a)))
			return
		}
		idx, ok := m.readInt(i)
		if !ok {
			m.H.Link(host, m.encodeErr("expected an integer index, got "+typeDesc(i)))
			return
		}
		elems := m.spineElems(a.Loc() + 1)
		if idx < 0 || idx >= int64(len(elems)) {
			m.H.Link(host, m.encodeErr(fmt.Sprintf("list index %d is out of bounds", idx)))
			return
		}
		m.H.Link(host, elems[idx])

	case OprAttrNames:
		a := m.forceArgs(loc, 0)[0]
		if m.propagate(host, p, a, 0) {
			return
		}
		if !isAttrsLike(a) {
			m.H.Link(host, m.encodeErr("expected an attribute set, got "+typeDesc(a)))
			return
		}
		entries := m.attrEntries(a)
		names := make([]Ptr, len(entries))
		for i, e := range entries {
			names[i] = m.encodeStr(m.Syms.Name(e.key), nil)
		}
		m.H.Link(host, m.encodeList(names))

	case OprFix:
		// Fix f → f0 (Fix f1)  where  dup f0 f1 = f  under a label no
		// other chain holds, so each unfolding duplicates independently
		lab := m.freshLabel()
		f0, f1 := m.newDup(lab, m.H.At(loc))
		m.H.Link(host, m.newApp(f0, m.newOpr(OprFix, f1)))

	case OprAssert:
		c := m.forceArgs(loc, 0)[0]
		if m.propagate(host, p, c, 0) {
			return
		}
		switch {
		case c.Tag() == tCTR && c.Ext() == CtrTrue:
			m.H.Link(host, m.H.At(loc+1))
		case c.Tag() == tCTR && c.Ext() == CtrFalse:
			m.H.Link(host, m.encodeErr("assertion failed"))
		default:
			m.H.Link(host, m.encodeErr("expected a boolean assertion condition, got "+typeDesc(c)))
		}

	case OprAbort, OprThrow:
		v := m.forceArgs(loc, 0)[0]
		if m.propagate(host, p, v, 0) {
			return
		}
		switch {
		case isStr(v):
			m.H.Link(host, m.newCtr(CtrErr, v))
		case isPath(v):
			_, text := m.pathParts(v)
			m.H.Link(host, m.encodeErr(text))
		default:
			m.H.Link(host, m.encodeErr("expected a string message, got "+typeDesc(v)))
		}

	case OprChk:
		a := m.forceArgs(loc, 0)[0]
		if m.propagate(host, p, a, 0) {
			return
		}
		if !isAttrsLike(a) {
			m.H.Link(host, m.encodeErr("expected an attribute set argument, got "+typeDesc(a)))
			return
		}
		entries := m.attrEntries(a)
		present := map[uint32]bool{}
		for _, e := range entries {
			present[uint32(e.key)] = true
		}
		for _, k := range m.spineInts(loc + 1) {
			if !present[k] {
				m.H.Link(host, m.encodeErr(fmt.Sprintf("function called without required argument %q", m.Syms.Name(int(k)))))
				return
			}
		}
		// a Null in the allowed slot means the pattern had an ellipsis
		if lim := m.H.At(loc + 2); !(lim.Tag() == tCTR && lim.Ext() == CtrNull) {
			allowed := map[uint32]bool{}
			for _, k := range m.spineInts(loc + 2) {
				allowed[k] = true
			}
			for _, e := range entries {
				if !allowed[uint32(e.key)] {
					m.H.Link(host, m.encodeErr(fmt.Sprintf("function called with unexpected argument %q", m.Syms.Name(e.key))))
					return
				}
			}
		}
		m.H.Link(host, m.H.At(loc+3))

	case OprSeq:
		v := m.forceArgs(loc, 0)[0]
		if isErr(v) {
			m.H.Link(host, v)
			return
		}
		m.H.Link(host, m.H.At(loc+1))

	case OprToStr:
		v := m.forceArgs(loc, 0)[0]
		if m.propagate(host, p, v, 0) {
			return
		}
		text, ctx, errp := m.coerceText(v, false)
		if errp != 0 {
			m.H.Link(host, errp)
			return
		}
		m.H.Link(host, m.encodeStr(text, ctx))

	case OprIStr:
		v := m.forceArgs(loc, 0)[0]
		if m.propagate(host, p, v, 0) {
			return
		}
		text, ctx, errp := m.coerceText(v, true)
		if errp != 0 {
			m.H.Link(host, errp)
			return
		}
		m.H.Link(host, m.encodeStr(text, ctx))

	default:
		panic(&machineAbort{"malformed graph: unknown operation"})
	}
}

// reduceUpdate implements `//`: constant-time layering until the chain
// hits the flatten bound, then one merge into a flat base.
func (m *Machine) reduceUpdate(host uint32, p Ptr) {
	loc := p.Loc()
	args := m.forceArgs(loc, 0, 1)
	a, b := args[0], args[1]
	if m.propagate(host, p, a, 0) || m.propagate(host, p, b, 1) {
		return
	}
	if !isAttrsLike(a) || !isAttrsLike(b) {
		bad := a
		if isAttrsLike(a) {
			bad = b
		}
		m.H.Link(host, m.encodeErr("expected an attribute set, got "+typeDesc(bad)))
		return
	}

	// empty operands short-circuit
	if b.Ext() == CtrAttrs {
		if sp := m.whnfAt(b.Loc()); sp.Tag() == tCTR && sp.Ext() == CtrNil {
			m.H.Link(host, a)
			return
		}
	}
	if a.Ext() == CtrAttrs {
		if sp := m.whnfAt(a.Loc()); sp.Tag() == tCTR && sp.Ext() == CtrNil {
			m.H.Link(host, b)
			return
		}
	}

	var overlay Ptr
	if b.Ext() == CtrAttrs {
		overlay = m.H.At(b.Loc())
	} else {
		overlay = m.entrySpine(m.attrEntries(b))
	}

	depth := int64(0)
	if a.Ext() == CtrOver {
		d, ok := m.readInt(m.whnfAt(a.Loc()))
		if !ok {
			panic(&machineAbort{"malformed graph: bad layer depth"})
		}
		depth = d
	}
	if int(depth)+1 > m.flatten {
		merged := m.attrEntries(m.newCtr(CtrOver, Num(0), overlay, a))
		m.H.Link(host, m.newCtr(CtrAttrs, m.entrySpine(merged)))
		return
	}
	m.H.Link(host, m.newCtr(CtrOver, m.encodeInt(depth+1), overlay, a))
}

////////////////////////////////////////////////////////////////////////////////
//                           ARITHMETIC & COMPARISON
////////////////////////////////////////////////////////////////////////////////

func (m *Machine) reduceOp2(host uint32, p Ptr) {
	loc := p.Loc()
	args := m.forceArgs(loc, 0, 1)
	a, b := args[0], args[1]
	if isErr(a) {
		m.H.Link(host, a)
		return
	}
	if isErr(b) {
		m.H.Link(host, b)
		return
	}
	if a.Tag() == tSUP {
		m.distOp2Sup(host, p, 0, a)
		return
	}
	if b.Tag() == tSUP {
		m.distOp2Sup(host, p, 1, b)
		return
	}

	op := p.Ext()
	if isNumeric(a) && isNumeric(b) {
		x, okX := m.readInt(a)
		y, okY := m.readInt(b)
		if !okX || !okY {
			panic(&machineAbort{"malformed graph: bad integer payload"})
		}
		switch op {
		case OpAdd:
			m.H.Link(host, m.encodeInt(x+y))
		case OpSub:
			m.H.Link(host, m.encodeInt(x-y))
		case OpMul:
			m.H.Link(host, m.encodeInt(x*y))
		case OpDiv:
			if y == 0 {
				m.H.Link(host, m.encodeErr("division by zero"))
				return
			}
			m.H.Link(host, m.encodeInt(x/y))
		case OpLt:
			m.H.Link(host, m.encodeBool(x < y))
		case OpLe:
			m.H.Link(host, m.encodeBool(x <= y))
		case OpGt:
			m.H.Link(host, m.encodeBool(x > y))
		case OpGe:
			m.H.Link(host, m.encodeBool(x >= y))
		}
		return
	}

	if op == OpAdd {
		switch {
		case isStr(a) && isStr(b):
			m.H.Link(host, m.concatStr(a, b))
		case isStr(a) && isPath(b):
			ta, ctx := m.strParts(a)
			_, tb := m.pathParts(b)
			m.H.Link(host, m.encodeStr(ta+tb, append(ctx, m.Syms.Intern(tb))))
		case isPath(a) && isStr(b):
			tb, ctx := m.strParts(b)
			if len(ctx) > 0 {
				m.H.Link(host, m.encodeErr("cannot append a string with context to a path"))
				return
			}
			acc, ta := m.pathParts(a)
			m.H.Link(host, m.encodePath(acc, ta+tb))
		case isPath(a) && isPath(b):
			acc, ta := m.pathParts(a)
			_, tb := m.pathParts(b)
			m.H.Link(host, m.encodePath(acc, ta+tb))
		default:
			m.H.Link(host, m.encodeErr("cannot add "+typeDesc(a)+" and "+typeDesc(b)))
		}
		return
	}

	if isStr(a) && isStr(b) {
		ta, _ := m.strParts(a)
		tb, _ := m.strParts(b)
		var r bool
		switch op {
		case OpLt:
			r = ta < tb
		case OpLe:
			r = ta <= tb
		case OpGt:
			r = ta > tb
		case OpGe:
			r = ta >= tb
		default:
			panic(&machineAbort{"malformed graph: unknown operator"})
		}
		m.H.Link(host, m.encodeBool(r))
		return
	}

	m.H.Link(host, m.encodeErr("cannot compare "+typeDesc(a)+" with "+typeDesc(b)))
}

// concatStr builds the concatenation of two whnf strings, reusing the
// second content spine and taking the union of the contexts.
func (m *Machine) concatStr(a, b Ptr) Ptr {
	codes := m.spineInts(a.Loc())
	content := m.H.At(b.Loc())
	for i := len(codes) - 1; i >= 0; i-- {
		content = m.newCtr(CtrCons, Num(codes[i]), content)
	}
	ctxA := m.spineInts(a.Loc() + 1)
	ctxB := m.spineInts(b.Loc() + 1)
	union := make([]int, 0, len(ctxA)+len(ctxB))
	for _, c := range ctxA {
		union = append(union, int(c))
	}
	for _, c := range ctxB {
		union = append(union, int(c))
	}
	loc := m.H.Alloc(2)
	m.H.Link(loc, content)
	m.H.Link(loc+1, m.ctxSpine(union))
	return Ctr(CtrStr, 2, loc)
}

// coerceText renders a whnf value as string text plus context, or hands
// back an Err pointer. Interpolation mode accepts only strings and paths;
// toString additionally renders numbers, booleans, null, and lists.
func (m *Machine) coerceText(v Ptr, interp bool) (string, []int, Ptr) {
	switch {
	case isStr(v):
		text, ctx := m.strParts(v)
		return text, ctx, 0
	case isPath(v):
		_, text := m.pathParts(v)
		return text, []int{m.Syms.Intern(text)}, 0
	}
	if interp {
		return "", nil, m.encodeErr("cannot coerce " + typeDesc(v) + " to a string inside interpolation")
	}
	switch {
	case isNumeric(v):
		n, ok := m.readInt(v)
		if !ok {
			panic(&machineAbort{"malformed graph: bad integer payload"})
		}
		return strconv.FormatInt(n, 10), nil, 0
	case v.Tag() == tCTR && v.Ext() == CtrTrue:
		return "1", nil, 0
	case v.Tag() == tCTR && (v.Ext() == CtrFalse || v.Ext() == CtrNull):
		return "", nil, 0
	case isList(v):
		elems := m.spineElems(v.Loc() + 1)
		parts := make([]string, 0, len(elems))
		var ctx []int
		for _, e := range elems {
			w := m.projectWhnf(e)
			if isErr(w) {
				return "", nil, w
			}
			t, c, errp := m.coerceText(w, false)
			if errp != 0 {
				return "", nil, errp
			}
			parts = append(parts, t)
			ctx = append(ctx, c...)
		}
		return strings.Join(parts, " "), ctx, 0
	}
	return "", nil, m.encodeErr("cannot coerce " + typeDesc(v) + " to a string")
}

////////////////////////////////////////////////////////////////////////////////
//                            STRUCTURAL EQUALITY
////////////////////////////////////////////////////////////////////////////////

// eqDeep compares two whnf values structurally. String contexts do not
// take part. List comparison checks cached lengths before touching any
// element; mismatched lengths answer false without forcing.
func (m *Machine) eqDeep(a, b Ptr) (bool, Ptr) {
	if isNumeric(a) && isNumeric(b) {
		x, okX := m.readInt(a)
		y, okY := m.readInt(b)
		if !okX || !okY {
			panic(&machineAbort{"malformed graph: bad integer payload"})
		}
		return x == y, 0
	}
	if a.Tag() == tLAM || b.Tag() == tLAM {
		return false, 0
	}
	if a.Tag() != tCTR || b.Tag() != tCTR {
		return false, 0
	}

	switch {
	case a.Ext() == CtrTrue || a.Ext() == CtrFalse || a.Ext() == CtrNull:
		return a.Ext() == b.Ext(), 0

	case a.Ext() == CtrStr && b.Ext() == CtrStr:
		ta, _ := m.strParts(a)
		tb, _ := m.strParts(b)
		return ta == tb, 0

	case a.Ext() == CtrPath && b.Ext() == CtrPath:
		_, ta := m.pathParts(a)
		_, tb := m.pathParts(b)
		return ta == tb, 0

	case a.Ext() == CtrList && b.Ext() == CtrList:
		la, _ := m.readInt(m.whnfAt(a.Loc()))
		lb, _ := m.readInt(m.whnfAt(b.Loc()))
		if la != lb {
			return false, 0
		}
		ea := m.spineElems(a.Loc() + 1)
		eb := m.spineElems(b.Loc() + 1)
		for i := range ea {
			va := m.projectWhnf(ea[i])
			vb := m.projectWhnf(eb[i])
			if isErr(va) {
				return false, va
			}
			if isErr(vb) {
				return false, vb
			}
			eq, errp := m.eqDeep(va, vb)
			if errp != 0 || !eq {
				return eq, errp
			}
		}
		return true, 0

	case isAttrsLike(a) && isAttrsLike(b):
		ea := m.attrEntries(a)
		eb := m.attrEntries(b)
		if len(ea) != len(eb) {
			return false, 0
		}
		for i := range ea {
			if ea[i].key != eb[i].key {
				return false, 0
			}
		}
		for i := range ea {
			va := m.projectWhnf(ea[i].val)
			vb := m.projectWhnf(eb[i].val)
			if isErr(va) {
				return false, va
			}
			if isErr(vb) {
				return false, vb
			}
			eq, errp := m.eqDeep(va, vb)
			if errp != 0 || !eq {
				return eq, errp
			}
		}
		return true, 0
	}
	return false, 0
}
