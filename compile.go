// compile.go: lowering expressions onto the graph heap.
//
// OVERVIEW
// --------
// Compilation runs in three strictly ordered stages:
//
//  1. eligibility (analyze.go): a structural scan rejects what the graph
//     has no encoding for; the caller falls back to the tree evaluator
//  2. desugaring: pattern lambdas become plain lambdas over selection
//     chains (patterns.go) and binding groups become simple-let chains
//     or fixed points (recbind.go), leaving a small core language
//  3. emission: one pass over the core tree. Every binder first runs the
//     usage census over its scope, then allocates a duplication chain
//     sized to the count, then emits the scope with each reference
//     reading its own chain leg
//
// The census/emission pairing is load-bearing. A binding whose emitted
// reference count differs from its census panics outright, because a
// mis-sized duplication chain corrupts reduction silently instead of
// failing at the site of the bug.
//
// Dependencies
//   - parser.go (S nodes), analyze.go (scope model, census, eligibility)
//   - patterns.go, recbind.go, with.go (desugaring and with emission)
//   - heap.go, encode.go (graph construction)
package nixsub

import (
	"fmt"
	"path/filepath"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
//                                  PUBLIC API
////////////////////////////////////////////////////////////////////////////////

// Compile lowers a parsed expression onto the machine heap and links the
// result as the root. baseDir anchors relative path literals. An error
// for which IsCompileReject reports true means the expression is outside
// the compilable subset and the caller should use the tree evaluator.
func Compile(m *Machine, root S, baseDir string) error {
	return compileUnit(m, root, baseDir, false)
}

//// END_OF_PUBLIC

// compileBail carries a rejection out of the emitter. Everything else
// that panics during compilation is a bug and keeps propagating.
type compileBail struct{ err *Error }

// compileUnit is Compile plus the forceFix switch, which makes every
// binding group take the fixed-point path regardless of cycles. Tests
// compare both strategies on the same source.
func compileUnit(m *Machine, root S, baseDir string, forceFix bool) (err error) {
	if e := (&eligibility{bound: map[string]int{}}).walk(root); e != nil {
		return e
	}
	defer func() {
		if r := recover(); r != nil {
			b, ok := r.(*compileBail)
			if !ok {
				panic(r)
			}
			err = b.err
		}
	}()
	d := &desugarer{forceFix: forceFix}
	c := &compiler{m: m, baseDir: baseDir}
	m.H.SetRoot(c.emit(d.walk(root)))
	return nil
}

////////////////////////////////////////////////////////////////////////////////
//                                  DESUGARER
////////////////////////////////////////////////////////////////////////////////

// desugarer rewrites parsed trees into the emitter's core language:
// plam, let and rec disappear in favor of slet, fixpoint and argcheck.
// Synthesized names carry a '#' so user code can never capture them.
type desugarer struct {
	n        int
	forceFix bool
	groups   []*bindGroup
}

func (d *desugarer) fresh(kind string) string {
	d.n++
	return fmt.Sprintf("%s#%d", kind, d.n)
}

// walk desugars bottom-up: children first, then the node itself.
func (d *desugarer) walk(node any) S {
	n := node.(S)
	switch n[0] {
	case "int", "str", "path", "hpath", "spath", "id":
		return n
	case "interp":
		out := L("interp")
		for _, part := range n[1:] {
			p := part.(S)
			if Tag(p) == "str" {
				out = append(out, p)
				continue
			}
			out = append(out, d.walk(p))
		}
		return out
	case "lam":
		return L("lam", n[1], d.walk(n[2]))
	case "plam":
		formals := n[1].(S)
		df := L("formals")
		for _, f := range formals[1:] {
			ff := f.(S)
			var def any
			if ff[2] != nil {
				def = d.walk(ff[2])
			}
			df = append(df, L("formal", ff[1], def))
		}
		return d.desugarPattern(L("plam", df, n[2], n[3], d.walk(n[4])))
	case "app":
		return L("app", d.walk(n[1]), d.walk(n[2]))
	case "let":
		return d.desugarGroup(d.walkBinds(n[1].(S)), d.walk(n[2]))
	case "rec":
		return d.desugarGroup(d.walkBinds(append(S{"binds"}, n[1:]...)), nil)
	case "attrs":
		out := L("attrs")
		for _, pr := range n[1:] {
			p := pr.(S)
			out = append(out, L("pair", p[1], d.walk(p[2])))
		}
		return out
	case "list":
		out := L("list")
		for _, el := range n[1:] {
			out = append(out, d.walk(el))
		}
		return out
	case "if":
		return L("if", d.walk(n[1]), d.walk(n[2]), d.walk(n[3]))
	case "binop":
		return L("binop", n[1], d.walk(n[2]), d.walk(n[3]))
	case "unop":
		return L("unop", n[1], d.walk(n[2]))
	case "select":
		var def any
		if n[3] != nil {
			def = d.walk(n[3])
		}
		return L("select", d.walk(n[1]), n[2], def)
	case "has":
		return L("has", d.walk(n[1]), n[2])
	case "with":
		return L("with", d.walk(n[1]), d.walk(n[2]))
	case "assert":
		return L("assert", d.walk(n[1]), d.walk(n[2]))
	}
	panic("compiler: unexpected node tag " + n[0].(string))
}

// walkBinds desugars the values of a binding group in place, keeping the
// pair/ipair distinction the group resolver needs.
func (d *desugarer) walkBinds(binds S) S {
	out := L("binds")
	for _, pr := range binds[1:] {
		p := pr.(S)
		out = append(out, L(p[0].(string), p[1], d.walk(p[2])))
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////
//                                   EMITTER
////////////////////////////////////////////////////////////////////////////////

// compiler owns one emission. frames is the live scope stack shared
// with the census in analyze.go.
type compiler struct {
	m       *Machine
	baseDir string
	frames  []*frame
	nfresh  int
}

func (c *compiler) freshName(kind string) string {
	c.nfresh++
	return fmt.Sprintf("%s#%d", kind, c.nfresh)
}

func (c *compiler) bail(format string, args ...any) {
	panic(&compileBail{err: &Error{Kind: DiagCompile, Msg: fmt.Sprintf(format, args...)}})
}

func (c *compiler) emit(n S) Ptr {
	switch n[0] {
	case "int":
		return c.m.encodeInt(n[1].(int64))
	case "str":
		return c.m.encodeStr(n[1].(string), nil)
	case "interp":
		return c.emitInterp(n)
	case "path":
		return c.m.encodePath(AccAbs, c.absPath(n[1].(string)))
	case "hpath":
		return c.m.encodePath(AccHome, homePath(n[1].(string)))
	case "spath":
		return c.emitSearchPath(n[1].(string))
	case "id":
		return c.emitRef(n[1].(string))
	case "lam":
		return c.emitLam(n)
	case "slet":
		return c.emitSlet(n)
	case "fixpoint":
		return c.m.newOpr(OprFix, c.emit(n[1].(S)))
	case "argcheck":
		return c.emitArgCheck(n)
	case "app":
		return c.emitApp(n)
	case "attrs":
		return c.emitAttrs(n)
	case "list":
		elems := make([]Ptr, 0, len(n)-1)
		for _, el := range n[1:] {
			elems = append(elems, c.emit(el.(S)))
		}
		return c.m.encodeList(elems)
	case "if":
		return c.m.newSwi(c.emit(n[1].(S)), c.emit(n[2].(S)), c.emit(n[3].(S)))
	case "binop":
		return c.emitBinop(n)
	case "unop":
		return c.emitUnop(n)
	case "select":
		return c.emitSelect(n)
	case "has":
		return c.emitHas(n)
	case "with":
		return c.emitWith(n)
	case "assert":
		return c.m.newOpr(OprAssert, c.emit(n[1].(S)), c.emit(n[2].(S)))
	}
	panic("compiler: unexpected node tag " + n[0].(string))
}

// ───────────────────────────── binders and uses ─────────────────────────────

// emitLam compiles a lambda: census over the body, duplication chain
// sized to the count, then the body inside the frame.
func (c *compiler) emitLam(n S) Ptr {
	lamLoc := c.m.H.Alloc(2)
	b := &binding{name: n[1].(string), loc: lamLoc}

	b.counting = true
	c.pushLex(b)
	c.countWalk(n[2])
	c.pop()
	b.counting = false

	c.allocChain(b)
	c.pushLex(b)
	body := c.emit(n[2].(S))
	c.pop()
	c.checkEmitted(b)

	if b.uses == 0 {
		c.m.H.Set(lamLoc, Era())
	}
	c.m.H.Link(lamLoc+1, body)
	return Lam(lamLoc)
}

// emitSlet compiles `let name = v; in body` as ((name: body) v), the
// binder discipline identical to a lambda.
func (c *compiler) emitSlet(n S) Ptr {
	val := c.emit(n[2].(S))

	lamLoc := c.m.H.Alloc(2)
	b := &binding{name: n[1].(string), loc: lamLoc}

	b.counting = true
	c.pushLex(b)
	c.countWalk(n[3])
	c.pop()
	b.counting = false

	c.allocChain(b)
	c.pushLex(b)
	body := c.emit(n[3].(S))
	c.pop()
	c.checkEmitted(b)

	if b.uses == 0 {
		c.m.H.Set(lamLoc, Era())
	}
	c.m.H.Link(lamLoc+1, body)
	return c.m.newApp(Lam(lamLoc), val)
}

// allocChain builds the duplication spine for a binding used more than
// once: uses-1 triples under one fresh label, each triple's source fed
// by leg 1 of the previous one, the first by the binder itself.
func (c *compiler) allocChain(b *binding) {
	if b.uses <= 1 {
		return
	}
	b.label = c.m.freshLabel()
	b.chain = make([]uint32, b.uses-1)
	for i := range b.chain {
		loc := c.m.H.Alloc(3)
		c.m.H.Set(loc, Era())
		c.m.H.Set(loc+1, Era())
		b.chain[i] = loc
	}
	c.m.H.Link(b.chain[0]+2, Var(b.loc))
	for i := 1; i < len(b.chain); i++ {
		c.m.H.Link(b.chain[i]+2, Dp1(b.label, b.chain[i-1]))
	}
}

// emitUse emits one reference to a bound name. Reference i of k reads
// leg 0 of triple i, except the last, which takes leg 1 of the final
// triple; a unique reference reads the binder directly.
func (c *compiler) emitUse(b *binding) Ptr {
	b.emitted++
	if b.uses <= 1 {
		return Var(b.loc)
	}
	if b.emitted < b.uses {
		return Dp0(b.label, b.chain[b.emitted-1])
	}
	return Dp1(b.label, b.chain[b.uses-2])
}

func (c *compiler) checkEmitted(b *binding) {
	if b.emitted != b.uses {
		panic(fmt.Sprintf("compiler: binding %s counted %d references, emitted %d",
			b.name, b.uses, b.emitted))
	}
}

// ──────────────────────────────── references ────────────────────────────────

func (c *compiler) emitRef(name string) Ptr {
	r := c.resolve(name)
	switch r.kind {
	case refLexical:
		return c.emitUse(r.target)
	case refWith:
		return c.m.newOpr(OprSel, c.emitUse(r.target), Num(uint32(c.m.Syms.Intern(name))))
	case refAmbiguous:
		return c.emitCascade(name, r)
	}
	return c.emitFree(name)
}

// emitFree resolves a name no frame binds: the literal keyword values,
// then a primitive as an unapplied function.
func (c *compiler) emitFree(name string) Ptr {
	switch name {
	case "true":
		return c.m.encodeBool(true)
	case "false":
		return c.m.encodeBool(false)
	case "null":
		return c.m.encodeNull()
	}
	if b, ok := primTable[name]; ok {
		return c.emitPrimValue(b)
	}
	c.bail("undefined variable %q", name)
	return 0
}

// prim is a primitive the graph evaluates natively when its name is
// free at a call or reference site.
type prim struct {
	op    uint32
	arity int
}

var primTable = map[string]prim{
	"length":    {OprLen, 1},
	"elemAt":    {OprElemAt, 2},
	"attrNames": {OprAttrNames, 1},
	"abort":     {OprAbort, 1},
	"throw":     {OprThrow, 1},
	"toString":  {OprToStr, 1},
	"seq":       {OprSeq, 2},
}

// emitPrimValue eta-expands a primitive so it can flow as a function
// value into maps, pipelines and partial applications.
func (c *compiler) emitPrimValue(b prim) Ptr {
	if b.arity == 1 {
		loc := c.m.H.Alloc(2)
		c.m.H.Link(loc+1, c.m.newOpr(b.op, Var(loc)))
		return Lam(loc)
	}
	outer := c.m.H.Alloc(2)
	inner := c.m.H.Alloc(2)
	c.m.H.Link(inner+1, c.m.newOpr(b.op, Var(outer), Var(inner)))
	c.m.H.Link(outer+1, Lam(inner))
	return Lam(outer)
}

// emitApp flattens the application spine first: a free primitive at the
// head with enough arguments compiles straight to its operation node,
// skipping the eta wrapper.
func (c *compiler) emitApp(n S) Ptr {
	head := n
	var args []S
	for Tag(head) == "app" {
		args = append(args, head[2].(S))
		head = head[1].(S)
	}
	for i, j := 0, len(args)-1; i < j; i, j = i+1, j-1 {
		args[i], args[j] = args[j], args[i]
	}

	if Tag(head) == "id" {
		name := head[1].(string)
		if b, ok := primTable[name]; ok && len(args) >= b.arity {
			if r := c.resolve(name); r.kind == refFree {
				ops := make([]Ptr, b.arity)
				for i := range ops {
					ops[i] = c.emit(args[i])
				}
				out := c.m.newOpr(b.op, ops...)
				for _, extra := range args[b.arity:] {
					out = c.m.newApp(out, c.emit(extra))
				}
				return out
			}
		}
	}

	out := c.emit(head)
	for _, a := range args {
		out = c.m.newApp(out, c.emit(a))
	}
	return out
}

// ─────────────────────────────── expressions ────────────────────────────────

func (c *compiler) emitInterp(n S) Ptr {
	if len(n) == 1 {
		return c.m.encodeStr("", nil)
	}
	var out Ptr
	for i, part := range n[1:] {
		p := part.(S)
		var piece Ptr
		if Tag(p) == "str" {
			piece = c.m.encodeStr(p[1].(string), nil)
		} else {
			piece = c.m.newOpr(OprIStr, c.emit(p))
		}
		if i == 0 {
			out = piece
			continue
		}
		out = c.m.newOpr(OprCatS, out, piece)
	}
	return out
}

func (c *compiler) emitBinop(n S) Ptr {
	op := n[1].(string)
	a := c.emit(n[2].(S))

	// && || -> keep the second operand unevaluated on the short path
	switch op {
	case "&&":
		return c.m.newSwi(a, c.boolCheck(c.emit(n[3].(S))), c.m.encodeBool(false))
	case "||":
		return c.m.newSwi(a, c.m.encodeBool(true), c.boolCheck(c.emit(n[3].(S))))
	case "->":
		return c.m.newSwi(a, c.boolCheck(c.emit(n[3].(S))), c.m.encodeBool(true))
	}

	b := c.emit(n[3].(S))
	switch op {
	case "==":
		return c.m.newOpr(OprEq, a, b)
	case "!=":
		return c.m.newSwi(c.m.newOpr(OprEq, a, b), c.m.encodeBool(false), c.m.encodeBool(true))
	case "++":
		return c.m.newOpr(OprCatL, a, b)
	case "//":
		return c.m.newOpr(OprUpd, a, b)
	}

	var code uint32
	switch op {
	case "+":
		code = OpAdd
	case "-":
		code = OpSub
	case "*":
		code = OpMul
	case "/":
		code = OpDiv
	case "<":
		code = OpLt
	case "<=":
		code = OpLe
	case ">":
		code = OpGt
	case ">=":
		code = OpGe
	default:
		panic("compiler: unexpected operator " + op)
	}
	return c.m.newOp2(code, a, b)
}

// boolCheck normalizes a lazily reached operand through the switch
// itself, so `true && 1` fails the same way `if 1 then ...` does.
func (c *compiler) boolCheck(v Ptr) Ptr {
	return c.m.newSwi(v, c.m.encodeBool(true), c.m.encodeBool(false))
}

func (c *compiler) emitUnop(n S) Ptr {
	switch n[1].(string) {
	case "!":
		return c.m.newSwi(c.emit(n[2].(S)), c.m.encodeBool(false), c.m.encodeBool(true))
	case "-":
		return c.m.newOp2(OpSub, c.m.encodeInt(0), c.emit(n[2].(S)))
	}
	panic("compiler: unexpected operator " + n[1].(string))
}

// emitSelect compiles a.b.c as nested strict lookups, or a.b.c or d as
// one defaulted path lookup so the default fires at most once.
func (c *compiler) emitSelect(n S) Ptr {
	base := c.emit(n[1].(S))
	keys := n[2].(S)[1:]
	if n[3] == nil {
		out := base
		for _, k := range keys {
			name, _ := staticKey(k.(S))
			out = c.m.newOpr(OprSel, out, Num(uint32(c.m.Syms.Intern(name))))
		}
		return out
	}
	ids := make([]int, len(keys))
	for i, k := range keys {
		name, _ := staticKey(k.(S))
		ids[i] = c.m.Syms.Intern(name)
	}
	return c.m.newOpr(OprSelD, base, c.m.keySpine(ids), c.emit(n[3].(S)))
}

func (c *compiler) emitHas(n S) Ptr {
	keys := n[2].(S)[1:]
	ids := make([]int, len(keys))
	for i, k := range keys {
		name, _ := staticKey(k.(S))
		ids[i] = c.m.Syms.Intern(name)
	}
	return c.m.newOpr(OprHasP, c.emit(n[1].(S)), c.m.keySpine(ids))
}

func (c *compiler) emitAttrs(n S) Ptr {
	entries := make([]attrEntry, 0, len(n)-1)
	for _, pr := range n[1:] {
		p := pr.(S)
		k, _ := staticKey(p[1].(S))
		entries = append(entries, attrEntry{
			key: c.m.Syms.Intern(k),
			val: c.emit(p[2].(S)),
		})
	}
	return c.m.encodeAttrs(entries)
}

func (c *compiler) emitArgCheck(n S) Ptr {
	arg := c.emit(n[1].(S))
	required := c.m.keySpine(c.internNames(n[2].(S)))
	allowed := c.m.encodeNull()
	if n[3] != nil {
		allowed = c.m.keySpine(c.internNames(n[3].(S)))
	}
	return c.m.newOpr(OprChk, arg, required, allowed, c.emit(n[4].(S)))
}

func (c *compiler) internNames(names S) []int {
	ids := make([]int, 0, len(names)-1)
	for _, nm := range names[1:] {
		ids = append(ids, c.m.Syms.Intern(nm.(string)))
	}
	return ids
}

// ────────────────────────────────── paths ───────────────────────────────────

func (c *compiler) absPath(text string) string {
	if filepath.IsAbs(text) {
		return filepath.Clean(text)
	}
	return filepath.Clean(filepath.Join(c.baseDir, text))
}

// homePath resolves a ~/ literal at compile time; the value keeps its
// home accessor for provenance only.
func homePath(text string) string {
	return filepath.Clean(filepath.Join(HomeDir(), strings.TrimPrefix(text, "~/")))
}

// emitSearchPath resolves <name> against the search path at compile
// time. A miss compiles to a lazy error value, so it only surfaces if
// something forces the path.
func (c *compiler) emitSearchPath(name string) Ptr {
	if p, ok := ResolveSearch(name); ok {
		return c.m.encodePath(AccSearch, p)
	}
	return c.m.encodeErr(fmt.Sprintf("file '%s' was not found in the search path", name))
}
