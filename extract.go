// extract.go: reading reduced graphs back as host values.
//
// Extraction forces exactly the skeleton of the root value: a list's
// cached length and cons spine, an attribute set's flattened key set, a
// string's full text. Element and attribute slots come back as thunks
// over live heap slots, so forcing one later reduces the shared graph
// in place and every other reference sees the result.
//
// This is the single boundary where graph-level failures become Go
// errors: an Err value met while forcing turns into *EvalError, and the
// machine's budget and depth aborts are recovered into the same type.
package nixsub

import "sort"

////////////////////////////////////////////////////////////////////////////////
//                                  PUBLIC API
////////////////////////////////////////////////////////////////////////////////

// Extract reads the machine's root slot as a host value.
func Extract(m *Machine) (Value, error) {
	return m.extractSlot(0)
}

//// END_OF_PUBLIC

// graphFn is a function value still living in the graph. It cannot be
// applied from the host side; it exists so lambdas survive extraction
// as first-class results.
type graphFn struct {
	m  *Machine
	fn Ptr
}

// extractSlot reduces one slot and converts the result, recovering
// machine aborts into evaluation errors.
func (m *Machine) extractSlot(slot uint32) (v Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			ab, ok := r.(*machineAbort)
			if !ok {
				panic(r)
			}
			err = &EvalError{Msg: ab.msg}
		}
	}()
	return m.extractValue(m.forceProject(slot))
}

// forceProject reduces a slot to whnf and resolves superpositions by
// stepping into the first branch; by confluence both branches denote
// the same value at observation points.
func (m *Machine) forceProject(slot uint32) Ptr {
	p := m.whnfAt(slot)
	for p.Tag() == tSUP {
		slot = p.Loc()
		p = m.whnfAt(slot)
	}
	return p
}

func (m *Machine) extractValue(p Ptr) (Value, error) {
	switch p.Tag() {
	case tNUM:
		return IntV(int64(p.Val())), nil
	case tLAM:
		return Value{Tag: VTFunc, Data: &graphFn{m: m, fn: p}}, nil
	case tCTR:
		switch p.Ext() {
		case CtrTrue:
			return BoolV(true), nil
		case CtrFalse:
			return BoolV(false), nil
		case CtrNull:
			return Null, nil
		case CtrPos, CtrNeg:
			n, ok := m.readInt(p)
			if !ok {
				break
			}
			return IntV(n), nil
		case CtrStr:
			text, ctx := m.strParts(p)
			return Value{Tag: VTStr, Data: &StrValue{Text: text, Ctx: m.ctxNames(ctx)}}, nil
		case CtrPath:
			_, text := m.pathParts(p)
			return PathV(text), nil
		case CtrNil:
			return Value{Tag: VTList, Data: []*Thunk{}}, nil
		case CtrList:
			return m.extractList(p)
		case CtrAttrs, CtrOver:
			return m.extractAttrs(p)
		case CtrErr:
			return Value{}, &EvalError{Msg: m.errText(p)}
		}
	}
	return Value{}, &EvalError{Msg: "malformed graph: cannot extract " + typeDesc(p)}
}

// extractList walks the cons spine, wrapping each head slot in a thunk.
// The cached length must agree with the spine.
func (m *Machine) extractList(p Ptr) (Value, error) {
	loc := p.Loc()
	n, ok := m.readInt(m.whnfAt(loc))
	if !ok || n < 0 {
		return Value{}, &EvalError{Msg: "malformed graph: bad list length"}
	}
	elems := make([]*Thunk, 0, n)
	slot := loc + 1
	for {
		cell := m.forceProject(slot)
		if isErr(cell) {
			return Value{}, &EvalError{Msg: m.errText(cell)}
		}
		if cell.Tag() != tCTR {
			return Value{}, &EvalError{Msg: "malformed graph: bad list spine"}
		}
		if cell.Ext() == CtrNil {
			break
		}
		if cell.Ext() != CtrCons {
			return Value{}, &EvalError{Msg: "malformed graph: bad list spine"}
		}
		elems = append(elems, m.thunkAt(cell.Loc()))
		slot = cell.Loc() + 1
	}
	if int64(len(elems)) != n {
		return Value{}, &EvalError{Msg: "malformed graph: list length mismatch"}
	}
	return Value{Tag: VTList, Data: elems}, nil
}

// extractAttrs flattens the layer chain to its key set; values stay in
// the graph until their thunks are forced.
func (m *Machine) extractAttrs(p Ptr) (Value, error) {
	entries := m.attrEntries(p)
	out := &AttrsValue{
		Names: make([]string, 0, len(entries)),
		Table: make(map[string]*Thunk, len(entries)),
	}
	for _, e := range entries {
		name := m.Syms.Name(e.key)
		out.Names = append(out.Names, name)
		out.Table[name] = m.thunkPtr(e.val)
	}
	return Value{Tag: VTAttrs, Data: out}, nil
}

// thunkAt defers extraction of a live heap slot.
func (m *Machine) thunkAt(slot uint32) *Thunk {
	return Defer(func() (Value, error) { return m.extractSlot(slot) })
}

// thunkPtr parks a bare pointer in a fresh slot first, so forcing it
// rewrites shared structure through the usual back-pointer discipline.
func (m *Machine) thunkPtr(p Ptr) *Thunk {
	slot := m.H.Alloc(1)
	m.H.Link(slot, p)
	return m.thunkAt(slot)
}

// errText reads the message out of an error value.
func (m *Machine) errText(p Ptr) string {
	msg := m.forceProject(p.Loc())
	if !isStr(msg) {
		return "evaluation failed"
	}
	text, _ := m.strParts(msg)
	return text
}

func (m *Machine) ctxNames(ids []int) []string {
	if len(ids) == 0 {
		return nil
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = m.Syms.Name(id)
	}
	sort.Strings(names)
	return names
}
