// with.go: dynamic scope.
//
// A with expression binds its subject to an internal name and opens a
// with frame over the body. What a reference inside the body compiles to
// depends on how much of the subject's shape is known statically:
//
//   - subject is a literal attribute set and carries the name: a direct
//     selection against the subject
//   - subject is a literal and lacks the name: the frame is skipped
//   - anything else: the reference becomes a runtime cascade that probes
//     each unknown subject innermost first and falls back to the next
//     binding in scope
//
// Frames stack innermost first, and an inner with takes the name away
// from everything beneath it, lexical bindings included.
package nixsub

// knownKeys extracts the static key set of a with subject. It sees
// through the simple-let chains and fixed points the binding desugarer
// produces, so `with rec {...}` and `with (let ... in {...})` keep their
// shapes. nil means the shape is unknown.
func knownKeys(subj S) map[string]bool {
	node := subj
	for {
		switch Tag(node) {
		case "slet":
			node = node[3].(S)
		case "fixpoint":
			node = node[1].(S)[2].(S)
		case "attrs":
			keys := map[string]bool{}
			for _, pr := range node[1:] {
				p := pr.(S)
				k, ok := staticKey(p[1].(S))
				if !ok {
					return nil
				}
				keys[k] = true
			}
			return keys
		default:
			return nil
		}
	}
}

// emitWith compiles `with subject; body` as an application binding the
// subject once; every reference that needs it reads the binding through
// its duplication chain.
func (c *compiler) emitWith(n S) Ptr {
	subj := c.emit(n[1].(S))

	lamLoc := c.m.H.Alloc(2)
	b := &binding{name: c.freshName("with"), loc: lamLoc}
	keys := knownKeys(n[1].(S))

	b.counting = true
	c.pushWith(b, keys)
	c.countWalk(n[2])
	c.pop()
	b.counting = false

	c.allocChain(b)
	c.pushWith(b, keys)
	body := c.emit(n[2].(S))
	c.pop()
	c.checkEmitted(b)

	if b.uses == 0 {
		c.m.H.Set(lamLoc, Era())
	}
	c.m.H.Link(lamLoc+1, body)
	appLoc := c.m.H.Alloc(2)
	c.m.H.Link(appLoc, Lam(lamLoc))
	c.m.H.Link(appLoc+1, subj)
	return App(appLoc)
}

// emitCascade compiles an ambiguous reference: probe each unknown-shape
// subject innermost first, and fall through to the terminal the resolver
// found behind them.
func (c *compiler) emitCascade(name string, r resolution) Ptr {
	key := Num(uint32(c.m.Syms.Intern(name)))

	var out Ptr
	switch {
	case r.termLex != nil:
		out = c.emitUse(r.termLex)
	case r.termWith != nil:
		out = c.m.newOpr(OprSel, c.emitUse(r.termWith), key)
	default:
		out = c.emitFree(name)
	}
	for i := len(r.probes) - 1; i >= 0; i-- {
		out = c.m.newOpr(OprWSel, c.emitUse(r.probes[i]), key, out)
	}
	return out
}
