// analyze.go: compile eligibility and the variable-usage census.
//
// The census and the emitter share one scope model and walk the same
// desugared tree in the same order. A census pass mutates use counts
// only on bindings whose pass is open; bindings finalized by an
// enclosing pass keep their counts while inner scopes are analyzed.
// The emitter later asserts counted == emitted per binding, so any
// drift between the two walks is a loud failure instead of a corrupted
// graph.
package nixsub

import (
	"fmt"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
//                                SCOPE MODEL
////////////////////////////////////////////////////////////////////////////////

// binding is one bound name: a lambda parameter, a simple-let binder, or
// the internal subject of a with expression.
type binding struct {
	name     string
	loc      uint32 // the binder's parameter slot
	uses     int
	emitted  int
	counting bool
	label    uint32   // duplication chain label when uses > 1
	chain    []uint32 // duplication triple locations, len uses-1
}

type frameKind int

const (
	frameLex frameKind = iota
	frameWith
)

type frame struct {
	kind    frameKind
	binds   map[string]*binding // frameLex
	subject *binding            // frameWith
	keys    map[string]bool     // frameWith: nil when the shape is unknown
}

func (c *compiler) pushLex(b *binding) {
	c.frames = append(c.frames, &frame{kind: frameLex, binds: map[string]*binding{b.name: b}})
}

func (c *compiler) pushWith(subject *binding, keys map[string]bool) {
	c.frames = append(c.frames, &frame{kind: frameWith, subject: subject, keys: keys})
}

func (c *compiler) pop() { c.frames = c.frames[:len(c.frames)-1] }

// refKind classifies a name occurrence.
type refKind int

const (
	refLexical   refKind = iota // plain scoped reference
	refWith                     // direct selection against one with subject
	refAmbiguous                // runtime cascade over with subjects
	refFree                     // nothing in scope: builtin, literal, or undefined
)

// resolution is the outcome of looking a name up against the frame
// stack, innermost first. An ambiguous resolution lists the unknown-shape
// with subjects to probe plus the terminal the cascade bottoms out at: a
// lexical binding, a known outer with subject, or a free name.
type resolution struct {
	kind     refKind
	target   *binding   // refLexical / refWith
	probes   []*binding // refAmbiguous, innermost first
	termLex  *binding
	termWith *binding
}

// resolve walks the mixed stack of lexical and with frames. A with frame
// whose subject shape is known either answers directly or is skipped; an
// unknown shape turns everything beneath it into a runtime question.
// Compiler-internal names (they carry '#') resolve lexically only, so no
// attribute set a user constructs can capture them.
func (c *compiler) resolve(name string) resolution {
	internal := strings.ContainsRune(name, '#')
	var probes []*binding
	for i := len(c.frames) - 1; i >= 0; i-- {
		f := c.frames[i]
		switch f.kind {
		case frameLex:
			if b, ok := f.binds[name]; ok {
				if len(probes) > 0 {
					return resolution{kind: refAmbiguous, probes: probes, termLex: b}
				}
				return resolution{kind: refLexical, target: b}
			}
		case frameWith:
			if internal {
				continue
			}
			if f.keys != nil {
				if f.keys[name] {
					if len(probes) > 0 {
						return resolution{kind: refAmbiguous, probes: probes, termWith: f.subject}
					}
					return resolution{kind: refWith, target: f.subject}
				}
				continue
			}
			probes = append(probes, f.subject)
		}
	}
	if len(probes) > 0 {
		return resolution{kind: refAmbiguous, probes: probes}
	}
	return resolution{kind: refFree}
}

////////////////////////////////////////////////////////////////////////////////
//                               USAGE CENSUS
////////////////////////////////////////////////////////////////////////////////

func bump(b *binding) {
	if b != nil && b.counting {
		b.uses++
	}
}

// countRef charges every binding a reference can touch at runtime: the
// direct target, each probed with subject, and the cascade terminal.
func (c *compiler) countRef(name string) {
	r := c.resolve(name)
	bump(r.target)
	for _, s := range r.probes {
		bump(s)
	}
	bump(r.termLex)
	bump(r.termWith)
}

// countWalk traverses a desugared expression, resolving names exactly the
// way emission will. Binders met on the way get throwaway bindings whose
// counts nobody reads; they exist to shadow correctly.
func (c *compiler) countWalk(node any) {
	n, ok := node.(S)
	if !ok || len(n) == 0 {
		panic(fmt.Sprintf("compiler: bad node %v", node))
	}
	switch n[0] {
	case "int", "str", "path", "hpath", "spath":
	case "id":
		c.countRef(n[1].(string))
	case "interp":
		for _, part := range n[1:] {
			c.countWalk(part)
		}
	case "lam":
		c.pushLex(&binding{name: n[1].(string)})
		c.countWalk(n[2])
		c.pop()
	case "slet":
		c.countWalk(n[2])
		c.pushLex(&binding{name: n[1].(string)})
		c.countWalk(n[3])
		c.pop()
	case "fixpoint":
		c.countWalk(n[1])
	case "argcheck":
		c.countWalk(n[1])
		c.countWalk(n[4])
	case "app":
		c.countWalk(n[1])
		c.countWalk(n[2])
	case "attrs":
		for _, pr := range n[1:] {
			c.countWalk(pr.(S)[2])
		}
	case "list":
		for _, el := range n[1:] {
			c.countWalk(el)
		}
	case "if":
		c.countWalk(n[1])
		c.countWalk(n[2])
		c.countWalk(n[3])
	case "binop":
		c.countWalk(n[2])
		c.countWalk(n[3])
	case "unop":
		c.countWalk(n[2])
	case "select":
		c.countWalk(n[1])
		if n[3] != nil {
			c.countWalk(n[3])
		}
	case "has":
		c.countWalk(n[1])
	case "with":
		c.countWalk(n[1])
		c.pushWith(&binding{name: "with#"}, knownKeys(n[1].(S)))
		c.countWalk(n[2])
		c.pop()
	case "assert":
		c.countWalk(n[1])
		c.countWalk(n[2])
	default:
		panic("compiler: unexpected node tag " + n[0].(string))
	}
}

////////////////////////////////////////////////////////////////////////////////
//                             COMPILE ELIGIBILITY
////////////////////////////////////////////////////////////////////////////////

// CanCompile reports whether the graph compiler can take the expression.
// False means the caller should evaluate with the reference evaluator
// instead. The check is structural: floats, dynamic attribute names,
// dynamic import expressions, and the interpreter-only builtins table
// have no graph encoding.
func CanCompile(root S) bool {
	e := &eligibility{bound: map[string]int{}}
	return e.walk(root) == nil
}

type eligibility struct {
	bound map[string]int
}

func (e *eligibility) push(names ...string) {
	for _, n := range names {
		e.bound[n]++
	}
}

func (e *eligibility) popNames(names ...string) {
	for _, n := range names {
		e.bound[n]--
	}
}

func reject(msg string) *Error {
	return &Error{Kind: DiagCompile, Msg: msg}
}

func (e *eligibility) walk(node any) *Error {
	n, ok := node.(S)
	if !ok || len(n) == 0 {
		return reject("malformed syntax tree")
	}
	switch n[0] {
	case "int", "str", "path", "hpath", "spath":
		return nil
	case "float":
		return reject("floating-point literals cannot be compiled")
	case "id":
		name := n[1].(string)
		if e.bound[name] > 0 {
			return nil
		}
		switch name {
		case "import":
			return reject("dynamic import expression")
		case "builtins":
			return reject("the builtins table is interpreter-only")
		}
		return nil
	case "interp":
		for _, part := range n[1:] {
			if err := e.walk(part); err != nil {
				return err
			}
		}
		return nil
	case "lam":
		e.push(n[1].(string))
		err := e.walk(n[2])
		e.popNames(n[1].(string))
		return err
	case "plam":
		formals := n[1].(S)
		var names []string
		for _, f := range formals[1:] {
			names = append(names, f.(S)[1].(string))
		}
		if alias := n[3].(string); alias != "" {
			names = append(names, alias)
		}
		e.push(names...)
		defer e.popNames(names...)
		for _, f := range formals[1:] {
			if def := f.(S)[2]; def != nil {
				if err := e.walk(def); err != nil {
					return err
				}
			}
		}
		return e.walk(n[4])
	case "app":
		if err := e.walk(n[1]); err != nil {
			return err
		}
		return e.walk(n[2])
	case "let":
		return e.walkGroup(n[1].(S), n[2])
	case "rec":
		return e.walkGroup(append(S{"binds"}, n[1:]...), nil)
	case "attrs":
		for _, pr := range n[1:] {
			p := pr.(S)
			if Tag(p[1]) != "str" {
				return reject("dynamic attribute names cannot be compiled")
			}
			if err := e.walk(p[2]); err != nil {
				return err
			}
		}
		return nil
	case "list":
		for _, el := range n[1:] {
			if err := e.walk(el); err != nil {
				return err
			}
		}
		return nil
	case "if":
		for _, k := range n[1:4] {
			if err := e.walk(k); err != nil {
				return err
			}
		}
		return nil
	case "binop":
		if err := e.walk(n[2]); err != nil {
			return err
		}
		return e.walk(n[3])
	case "unop":
		return e.walk(n[2])
	case "select", "has":
		if err := e.walk(n[1]); err != nil {
			return err
		}
		for _, k := range n[2].(S)[1:] {
			if Tag(k) != "str" {
				return reject("dynamic attribute paths cannot be compiled")
			}
		}
		if n[0] == "select" && len(n) > 3 && n[3] != nil {
			return e.walk(n[3])
		}
		return nil
	case "with":
		if err := e.walk(n[1]); err != nil {
			return err
		}
		return e.walk(n[2])
	case "assert":
		if err := e.walk(n[1]); err != nil {
			return err
		}
		return e.walk(n[2])
	}
	return reject(fmt.Sprintf("unsupported construct %q", n[0]))
}

// walkGroup checks a let or rec binding group. Inherited values resolve
// in the enclosing scope, so they are checked before the group names
// shadow anything.
func (e *eligibility) walkGroup(binds S, body any) *Error {
	var names []string
	for _, pr := range binds[1:] {
		p := pr.(S)
		if Tag(p[1]) != "str" {
			return reject("dynamic attribute names cannot be compiled")
		}
		names = append(names, p[1].(S)[1].(string))
		if p[0] == "ipair" {
			if err := e.walk(p[2]); err != nil {
				return err
			}
		}
	}
	e.push(names...)
	defer e.popNames(names...)
	for _, pr := range binds[1:] {
		p := pr.(S)
		if p[0] == "pair" {
			if err := e.walk(p[2]); err != nil {
				return err
			}
		}
	}
	if body != nil {
		return e.walk(body)
	}
	return nil
}
