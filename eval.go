// eval.go: the reference tree evaluator.
//
// The graph compiler refuses a class of programs it has no encoding
// for: floats, dynamic attribute names, imports it could not resolve
// statically, and the builtins table. Those trees run here instead, as
// a plain environment-passing interpreter over the parse tree. Both
// engines must agree on every observable result, down to the wording
// of error messages, so each rule below mirrors its counterpart in
// rules.go.
//
// Laziness lives in Thunks: bindings, list elements, and attribute
// values are deferred, and a Thunk under force acts as a blackhole so
// self-referential forcing reports infinite recursion instead of
// looping.
package nixsub

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// env is one scope frame: a table of named bindings, or the subject of
// a with expression. Lookup walks frames innermost first, so a with
// placed inside a let takes names away from the let.
type env struct {
	parent *env
	binds  map[string]*Thunk
	subj   *Thunk
}

func (e *env) child(binds map[string]*Thunk) *env {
	return &env{parent: e, binds: binds}
}

func (e *env) withFrame(subj *Thunk) *env {
	return &env{parent: e, subj: subj}
}

// closure pairs a lam or plam node with its defining environment.
type closure struct {
	env  *env
	node S
}

// builtinFn is a host primitive, possibly partially applied.
type builtinFn struct {
	name  string
	arity int
	args  []*Thunk
	fn    func(ev *evaluator, args []*Thunk) (Value, error)
}

type evaluator struct {
	ld       *loader
	baseDir  string
	root     *env
	depth    int
	maxDepth int
	imports  map[string]*Thunk
	istack   []string
}

func newEvaluator(ld *loader, baseDir string) *evaluator {
	ev := &evaluator{
		ld:       ld,
		baseDir:  baseDir,
		maxDepth: MaxDepth(),
		imports:  map[string]*Thunk{},
	}
	ev.root = &env{binds: ev.globalFrame()}
	return ev
}

// Eval evaluates a parse tree to a host value in the global scope.
func (ev *evaluator) Eval(node S) (Value, error) {
	return ev.eval(node, ev.root)
}

func (ev *evaluator) thunk(node S, e *env) *Thunk {
	return Defer(func() (Value, error) { return ev.eval(node, e) })
}

func evalErrf(format string, args ...any) error {
	return &EvalError{Msg: fmt.Sprintf(format, args...)}
}

// ───────────────────────────── the dispatcher ───────────────────────────────

func (ev *evaluator) eval(n S, e *env) (Value, error) {
	ev.depth++
	defer func() { ev.depth-- }()
	if ev.depth > ev.maxDepth {
		return Value{}, &EvalError{Msg: "maximum recursion depth exceeded"}
	}

	switch Tag(n) {
	case "int":
		return IntV(n[1].(int64)), nil
	case "float":
		return FloatV(n[1].(float64)), nil
	case "str":
		return StrV(n[1].(string)), nil
	case "interp":
		return ev.evalInterp(n, e)
	case "path":
		text := n[1].(string)
		if !filepath.IsAbs(text) {
			text = filepath.Clean(filepath.Join(ev.baseDir, text))
		}
		return PathV(text), nil
	case "hpath":
		return PathV(homePath(n[1].(string))), nil
	case "spath":
		name := n[1].(string)
		p, ok := ResolveSearch(name)
		if !ok {
			return Value{}, evalErrf("file '%s' was not found in the search path", name)
		}
		return PathV(p), nil
	case "id":
		return ev.lookup(n[1].(string), e)
	case "lam", "plam":
		return Value{Tag: VTFunc, Data: &closure{env: e, node: n}}, nil
	case "app":
		fv, err := ev.eval(n[1].(S), e)
		if err != nil {
			return Value{}, err
		}
		return ev.apply(fv, ev.thunk(n[2].(S), e))
	case "let":
		le, err := ev.bindGroupEnv(n[1].(S)[1:], e)
		if err != nil {
			return Value{}, err
		}
		return ev.eval(n[2].(S), le)
	case "attrs":
		return ev.evalAttrs(n[1:], e, false)
	case "rec":
		return ev.evalAttrs(n[1:], e, true)
	case "list":
		elems := make([]*Thunk, 0, len(n)-1)
		for _, el := range n[1:] {
			elems = append(elems, ev.thunk(el.(S), e))
		}
		return Value{Tag: VTList, Data: elems}, nil
	case "if":
		c, err := ev.eval(n[1].(S), e)
		if err != nil {
			return Value{}, err
		}
		if c.Tag != VTBool {
			return Value{}, &EvalError{Msg: "expected a boolean condition"}
		}
		if c.Data.(bool) {
			return ev.eval(n[2].(S), e)
		}
		return ev.eval(n[3].(S), e)
	case "assert":
		c, err := ev.eval(n[1].(S), e)
		if err != nil {
			return Value{}, err
		}
		if c.Tag != VTBool {
			return Value{}, &EvalError{Msg: "expected a boolean assertion condition, got " + kindName(c)}
		}
		if !c.Data.(bool) {
			return Value{}, &EvalError{Msg: "assertion failed"}
		}
		return ev.eval(n[2].(S), e)
	case "with":
		return ev.eval(n[2].(S), e.withFrame(ev.thunk(n[1].(S), e)))
	case "binop":
		return ev.evalBinop(n, e)
	case "unop":
		return ev.evalUnop(n, e)
	case "select":
		return ev.evalSelect(n, e)
	case "has":
		return ev.evalHas(n, e)
	}
	return Value{}, evalErrf("cannot evaluate %q node", Tag(n))
}

// lookup resolves a name against the frame chain. With subjects between
// the reference and its binding are probed innermost first and win on a
// hit. When no frame binds the name the outermost with subject becomes
// a strict selection, so its miss reports the missing attribute.
func (ev *evaluator) lookup(name string, e *env) (Value, error) {
	var probes []*Thunk
	var term *Thunk
	for f := e; f != nil; f = f.parent {
		if f.binds != nil {
			if th, ok := f.binds[name]; ok {
				term = th
				break
			}
			continue
		}
		if f.subj != nil {
			probes = append(probes, f.subj)
		}
	}
	if term == nil && len(probes) == 0 {
		return Value{}, evalErrf("undefined variable %q", name)
	}
	for i, s := range probes {
		strict := term == nil && i == len(probes)-1
		sv, err := s.Force()
		if err != nil {
			return Value{}, err
		}
		if sv.Tag != VTAttrs {
			if strict {
				return Value{}, &EvalError{Msg: "expected an attribute set, got " + kindName(sv)}
			}
			return Value{}, &EvalError{Msg: "with subject is " + kindName(sv) + " while an attribute set was expected"}
		}
		if th, ok := sv.Data.(*AttrsValue).Get(name); ok {
			return th.Force()
		}
		if strict {
			return Value{}, evalErrf("attribute %q missing", name)
		}
	}
	return term.Force()
}

// ─────────────────────────────── application ────────────────────────────────

func (ev *evaluator) apply(f Value, arg *Thunk) (Value, error) {
	if f.Tag != VTFunc {
		return Value{}, &EvalError{Msg: "attempt to call a value which is not a function"}
	}
	switch fn := f.Data.(type) {
	case *closure:
		if Tag(fn.node) == "lam" {
			frame := map[string]*Thunk{fn.node[1].(string): arg}
			return ev.eval(fn.node[2].(S), fn.env.child(frame))
		}
		return ev.applyPattern(fn, arg)
	case *builtinFn:
		args := append(append([]*Thunk{}, fn.args...), arg)
		if len(args) < fn.arity {
			part := &builtinFn{name: fn.name, arity: fn.arity, args: args, fn: fn.fn}
			return Value{Tag: VTFunc, Data: part}, nil
		}
		return fn.fn(ev, args)
	}
	return Value{}, &EvalError{Msg: "attempt to call a value which is not a function"}
}

// applyPattern checks the argument against a pattern lambda and binds
// its formals. The argument must be an attribute set, every formal
// without a default must be present, and without an ellipsis no extra
// attributes are accepted. Defaults see the alias and all formals.
func (ev *evaluator) applyPattern(fn *closure, arg *Thunk) (Value, error) {
	av, err := arg.Force()
	if err != nil {
		return Value{}, err
	}
	if av.Tag != VTAttrs {
		return Value{}, &EvalError{Msg: "expected an attribute set argument, got " + kindName(av)}
	}
	attrs := av.Data.(*AttrsValue)

	formals := fn.node[1].(S)
	ellipsis := fn.node[2].(bool)
	alias := fn.node[3].(string)

	frame := map[string]*Thunk{}
	fenv := fn.env.child(frame)
	if alias != "" {
		frame[alias] = Ready(av)
	}
	declared := make(map[string]bool, len(formals)-1)
	for _, f := range formals[1:] {
		fo := f.(S)
		name := fo[1].(string)
		declared[name] = true
		if th, ok := attrs.Get(name); ok {
			frame[name] = th
			continue
		}
		if fo[2] == nil {
			return Value{}, evalErrf("function called without required argument %q", name)
		}
		frame[name] = ev.thunk(fo[2].(S), fenv)
	}
	if !ellipsis {
		for _, name := range attrs.Names {
			if !declared[name] {
				return Value{}, evalErrf("function called with unexpected argument %q", name)
			}
		}
	}
	return ev.eval(fn.node[4].(S), fenv)
}

// ────────────────────────── bindings and attributes ─────────────────────────

// bindGroupEnv opens a recursive frame over a bind group: values see
// every sibling. A plain inherit reads the enclosing scope instead, so
// `inherit x;` cannot capture itself.
func (ev *evaluator) bindGroupEnv(pairs []any, e *env) (*env, error) {
	frame := make(map[string]*Thunk, len(pairs))
	inner := e.child(frame)
	for _, b := range pairs {
		pr := b.(S)
		key := pr[1].(S)
		name, ok := staticKey(key)
		if !ok {
			return nil, &EvalError{Msg: "dynamic attributes cannot be bound by let"}
		}
		ve := inner
		if Tag(pr) == "ipair" && Tag(pr[2].(S)) == "id" {
			ve = e
		}
		frame[name] = ev.thunk(pr[2].(S), ve)
	}
	return inner, nil
}

// evalAttrs builds an attribute set value. In a rec set the static
// binds form a recursive frame. Dynamic keys are evaluated strictly in
// the enclosing scope; their values see the rec frame but the names
// they introduce are not in it. A null dynamic key drops its bind.
func (ev *evaluator) evalAttrs(pairs []any, e *env, recursive bool) (Value, error) {
	table := make(map[string]*Thunk, len(pairs))
	inner := e
	var frame map[string]*Thunk
	if recursive {
		frame = make(map[string]*Thunk, len(pairs))
		inner = e.child(frame)
	}
	names := make([]string, 0, len(pairs))
	for _, b := range pairs {
		pr := b.(S)
		key := pr[1].(S)
		val := pr[2].(S)
		if name, ok := staticKey(key); ok {
			ve := inner
			if Tag(pr) == "ipair" && Tag(val) == "id" {
				ve = e
			}
			th := ev.thunk(val, ve)
			table[name] = th
			if frame != nil {
				frame[name] = th
			}
			names = append(names, name)
			continue
		}
		kv, err := ev.eval(key, e)
		if err != nil {
			return Value{}, err
		}
		if kv.Tag == VTNull {
			continue
		}
		if kv.Tag != VTStr {
			return Value{}, &EvalError{Msg: "expected a string, got " + kindName(kv)}
		}
		name := kv.Data.(*StrValue).Text
		if _, dup := table[name]; dup {
			return Value{}, evalErrf("attribute %q already defined", name)
		}
		table[name] = ev.thunk(val, inner)
		names = append(names, name)
	}
	sort.Strings(names)
	return Value{Tag: VTAttrs, Data: &AttrsValue{Names: names, Table: table}}, nil
}

// attrKey resolves one attrpath element, evaluating dynamic keys
// strictly.
func (ev *evaluator) attrKey(el S, e *env) (string, error) {
	if name, ok := staticKey(el); ok {
		return name, nil
	}
	kv, err := ev.eval(el, e)
	if err != nil {
		return "", err
	}
	if kv.Tag != VTStr {
		return "", &EvalError{Msg: "expected a string, got " + kindName(kv)}
	}
	return kv.Data.(*StrValue).Text, nil
}

// evalSelect walks an attrpath. Without a default every step is
// strict; with one, a missing step or a non-set intermediate takes the
// default.
func (ev *evaluator) evalSelect(n S, e *env) (Value, error) {
	cur, err := ev.eval(n[1].(S), e)
	if err != nil {
		return Value{}, err
	}
	def, _ := n[3].(S)
	for _, el := range n[2].(S)[1:] {
		name, err := ev.attrKey(el.(S), e)
		if err != nil {
			return Value{}, err
		}
		if cur.Tag != VTAttrs {
			if def != nil {
				return ev.eval(def, e)
			}
			return Value{}, &EvalError{Msg: "expected an attribute set, got " + kindName(cur)}
		}
		th, ok := cur.Data.(*AttrsValue).Get(name)
		if !ok {
			if def != nil {
				return ev.eval(def, e)
			}
			return Value{}, evalErrf("attribute %q missing", name)
		}
		cur, err = th.Force()
		if err != nil {
			return Value{}, err
		}
	}
	return cur, nil
}

// evalHas answers `s ? a.b` without raising on shape mismatches.
func (ev *evaluator) evalHas(n S, e *env) (Value, error) {
	cur, err := ev.eval(n[1].(S), e)
	if err != nil {
		return Value{}, err
	}
	for _, el := range n[2].(S)[1:] {
		name, err := ev.attrKey(el.(S), e)
		if err != nil {
			return Value{}, err
		}
		if cur.Tag != VTAttrs {
			return BoolV(false), nil
		}
		th, ok := cur.Data.(*AttrsValue).Get(name)
		if !ok {
			return BoolV(false), nil
		}
		cur, err = th.Force()
		if err != nil {
			return Value{}, err
		}
	}
	return BoolV(true), nil
}

// ───────────────────────────────── operators ────────────────────────────────

func (ev *evaluator) evalBool(n S, e *env) (bool, error) {
	v, err := ev.eval(n, e)
	if err != nil {
		return false, err
	}
	if v.Tag != VTBool {
		return false, &EvalError{Msg: "expected a boolean condition"}
	}
	return v.Data.(bool), nil
}

func (ev *evaluator) evalBinop(n S, e *env) (Value, error) {
	op := n[1].(string)
	lhs, rhs := n[2].(S), n[3].(S)

	switch op {
	case "&&":
		a, err := ev.evalBool(lhs, e)
		if err != nil || !a {
			return BoolV(false), err
		}
		b, err := ev.evalBool(rhs, e)
		return BoolV(b), err
	case "||":
		a, err := ev.evalBool(lhs, e)
		if err != nil || a {
			return BoolV(true), err
		}
		b, err := ev.evalBool(rhs, e)
		return BoolV(b), err
	case "->":
		a, err := ev.evalBool(lhs, e)
		if err != nil {
			return Value{}, err
		}
		if !a {
			return BoolV(true), nil
		}
		b, err := ev.evalBool(rhs, e)
		return BoolV(b), err
	}

	a, err := ev.eval(lhs, e)
	if err != nil {
		return Value{}, err
	}
	b, err := ev.eval(rhs, e)
	if err != nil {
		return Value{}, err
	}

	switch op {
	case "==":
		eq, err := ev.eq(a, b)
		return BoolV(eq), err
	case "!=":
		eq, err := ev.eq(a, b)
		return BoolV(!eq), err
	case "++":
		bad := a
		if a.Tag == VTList {
			bad = b
		}
		if a.Tag != VTList || b.Tag != VTList {
			return Value{}, &EvalError{Msg: "expected a list, got " + kindName(bad)}
		}
		ea, eb := a.Data.([]*Thunk), b.Data.([]*Thunk)
		out := make([]*Thunk, 0, len(ea)+len(eb))
		out = append(append(out, ea...), eb...)
		return Value{Tag: VTList, Data: out}, nil
	case "//":
		bad := a
		if a.Tag == VTAttrs {
			bad = b
		}
		if a.Tag != VTAttrs || b.Tag != VTAttrs {
			return Value{}, &EvalError{Msg: "expected an attribute set, got " + kindName(bad)}
		}
		return mergeAttrs(a.Data.(*AttrsValue), b.Data.(*AttrsValue)), nil
	}
	return ev.arith(op, a, b)
}

func (ev *evaluator) evalUnop(n S, e *env) (Value, error) {
	v, err := ev.eval(n[2].(S), e)
	if err != nil {
		return Value{}, err
	}
	if n[1].(string) == "!" {
		if v.Tag != VTBool {
			return Value{}, &EvalError{Msg: "expected a boolean condition"}
		}
		return BoolV(!v.Data.(bool)), nil
	}
	return ev.arith("-", IntV(0), v)
}

func isNumericV(v Value) bool { return v.Tag == VTInt || v.Tag == VTFloat }

// arith covers the arithmetic and comparison operators. Mixed integer
// and float operands promote to float. The `+` operator additionally
// concatenates strings and paths; a path picks up a context element
// when it is appended to a string.
func (ev *evaluator) arith(op string, a, b Value) (Value, error) {
	if isNumericV(a) && isNumericV(b) {
		if a.Tag == VTFloat || b.Tag == VTFloat {
			return floatArith(op, toFloat(a), toFloat(b))
		}
		return intArith(op, a.Data.(int64), b.Data.(int64))
	}

	if op == "+" {
		switch {
		case a.Tag == VTStr && b.Tag == VTStr:
			sa, sb := a.Data.(*StrValue), b.Data.(*StrValue)
			return strValue(sa.Text+sb.Text, mergeCtx(sa.Ctx, sb.Ctx)), nil
		case a.Tag == VTStr && b.Tag == VTPath:
			sa := a.Data.(*StrValue)
			pb := b.Data.(*PathValue)
			return strValue(sa.Text+pb.Text, mergeCtx(sa.Ctx, []string{pb.Text})), nil
		case a.Tag == VTPath && b.Tag == VTStr:
			sb := b.Data.(*StrValue)
			if len(sb.Ctx) > 0 {
				return Value{}, &EvalError{Msg: "cannot append a string with context to a path"}
			}
			return PathV(a.Data.(*PathValue).Text + sb.Text), nil
		case a.Tag == VTPath && b.Tag == VTPath:
			return PathV(a.Data.(*PathValue).Text + b.Data.(*PathValue).Text), nil
		}
		return Value{}, &EvalError{Msg: "cannot add " + kindName(a) + " and " + kindName(b)}
	}

	if a.Tag == VTStr && b.Tag == VTStr {
		ta := a.Data.(*StrValue).Text
		tb := b.Data.(*StrValue).Text
		switch op {
		case "<":
			return BoolV(ta < tb), nil
		case "<=":
			return BoolV(ta <= tb), nil
		case ">":
			return BoolV(ta > tb), nil
		case ">=":
			return BoolV(ta >= tb), nil
		}
	}
	return Value{}, &EvalError{Msg: "cannot compare " + kindName(a) + " with " + kindName(b)}
}

func toFloat(v Value) float64 {
	if v.Tag == VTInt {
		return float64(v.Data.(int64))
	}
	return v.Data.(float64)
}

func intArith(op string, x, y int64) (Value, error) {
	switch op {
	case "+":
		return IntV(x + y), nil
	case "-":
		return IntV(x - y), nil
	case "*":
		return IntV(x * y), nil
	case "/":
		if y == 0 {
			return Value{}, &EvalError{Msg: "division by zero"}
		}
		return IntV(x / y), nil
	case "<":
		return BoolV(x < y), nil
	case "<=":
		return BoolV(x <= y), nil
	case ">":
		return BoolV(x > y), nil
	case ">=":
		return BoolV(x >= y), nil
	}
	return Value{}, &EvalError{Msg: "cannot compare an integer with an integer"}
}

func floatArith(op string, x, y float64) (Value, error) {
	switch op {
	case "+":
		return FloatV(x + y), nil
	case "-":
		return FloatV(x - y), nil
	case "*":
		return FloatV(x * y), nil
	case "/":
		if y == 0 {
			return Value{}, &EvalError{Msg: "division by zero"}
		}
		return FloatV(x / y), nil
	case "<":
		return BoolV(x < y), nil
	case "<=":
		return BoolV(x <= y), nil
	case ">":
		return BoolV(x > y), nil
	case ">=":
		return BoolV(x >= y), nil
	}
	return Value{}, &EvalError{Msg: "cannot compare a float with a float"}
}

// mergeAttrs implements `//`: overlay wins on duplicate names.
func mergeAttrs(base, over *AttrsValue) Value {
	if len(over.Names) == 0 {
		return Value{Tag: VTAttrs, Data: base}
	}
	out := &AttrsValue{Table: make(map[string]*Thunk, len(base.Names)+len(over.Names))}
	for _, name := range base.Names {
		out.Table[name] = base.Table[name]
	}
	for _, name := range over.Names {
		out.Table[name] = over.Table[name]
	}
	out.Names = make([]string, 0, len(out.Table))
	for name := range out.Table {
		out.Names = append(out.Names, name)
	}
	sort.Strings(out.Names)
	return Value{Tag: VTAttrs, Data: out}
}

// ───────────────────────────────── equality ─────────────────────────────────

// eq compares structurally. Functions never compare equal, string and
// path comparison looks at text only, and list comparison checks
// lengths before forcing any element.
func (ev *evaluator) eq(a, b Value) (bool, error) {
	if isNumericV(a) && isNumericV(b) {
		if a.Tag == VTFloat || b.Tag == VTFloat {
			return toFloat(a) == toFloat(b), nil
		}
		return a.Data.(int64) == b.Data.(int64), nil
	}
	if a.Tag == VTFunc || b.Tag == VTFunc {
		return false, nil
	}
	if a.Tag != b.Tag {
		return false, nil
	}
	switch a.Tag {
	case VTNull:
		return true, nil
	case VTBool:
		return a.Data.(bool) == b.Data.(bool), nil
	case VTStr:
		return a.Data.(*StrValue).Text == b.Data.(*StrValue).Text, nil
	case VTPath:
		return a.Data.(*PathValue).Text == b.Data.(*PathValue).Text, nil
	case VTList:
		ea, eb := a.Data.([]*Thunk), b.Data.([]*Thunk)
		if len(ea) != len(eb) {
			return false, nil
		}
		for i := range ea {
			va, err := ea[i].Force()
			if err != nil {
				return false, err
			}
			vb, err := eb[i].Force()
			if err != nil {
				return false, err
			}
			eq, err := ev.eq(va, vb)
			if err != nil || !eq {
				return eq, err
			}
		}
		return true, nil
	case VTAttrs:
		aa, ab := a.Data.(*AttrsValue), b.Data.(*AttrsValue)
		if len(aa.Names) != len(ab.Names) {
			return false, nil
		}
		for i := range aa.Names {
			if aa.Names[i] != ab.Names[i] {
				return false, nil
			}
		}
		for _, name := range aa.Names {
			va, err := aa.Table[name].Force()
			if err != nil {
				return false, err
			}
			vb, err := ab.Table[name].Force()
			if err != nil {
				return false, err
			}
			eq, err := ev.eq(va, vb)
			if err != nil || !eq {
				return eq, err
			}
		}
		return true, nil
	}
	return false, nil
}

// ──────────────────────────── string coercion ───────────────────────────────

func strValue(text string, ctx []string) Value {
	return Value{Tag: VTStr, Data: &StrValue{Text: text, Ctx: ctx}}
}

// mergeCtx unions two context sets, sorted and deduplicated.
func mergeCtx(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func (ev *evaluator) evalInterp(n S, e *env) (Value, error) {
	var sb strings.Builder
	var ctx []string
	for _, part := range n[1:] {
		ps := part.(S)
		if Tag(ps) == "str" {
			sb.WriteString(ps[1].(string))
			continue
		}
		v, err := ev.eval(ps, e)
		if err != nil {
			return Value{}, err
		}
		text, pc, err := coerceValue(v, true)
		if err != nil {
			return Value{}, err
		}
		sb.WriteString(text)
		ctx = mergeCtx(ctx, pc)
	}
	return strValue(sb.String(), ctx), nil
}

// coerceValue turns a value into string text plus context.
// Interpolation accepts strings and paths only; toString additionally
// renders numbers, booleans, null, and lists joined with spaces.
// Coercing a path is what attaches its context element. The recursive
// case forces list elements, so values from either engine work.
func coerceValue(v Value, interp bool) (string, []string, error) {
	switch v.Tag {
	case VTStr:
		s := v.Data.(*StrValue)
		return s.Text, s.Ctx, nil
	case VTPath:
		text := v.Data.(*PathValue).Text
		return text, []string{text}, nil
	}
	if interp {
		return "", nil, &EvalError{Msg: "cannot coerce " + kindName(v) + " to a string inside interpolation"}
	}
	switch v.Tag {
	case VTInt:
		return strconv.FormatInt(v.Data.(int64), 10), nil, nil
	case VTFloat:
		return strconv.FormatFloat(v.Data.(float64), 'f', 6, 64), nil, nil
	case VTBool:
		if v.Data.(bool) {
			return "1", nil, nil
		}
		return "", nil, nil
	case VTNull:
		return "", nil, nil
	case VTList:
		parts := make([]string, 0, len(v.Data.([]*Thunk)))
		var ctx []string
		for _, th := range v.Data.([]*Thunk) {
			el, err := th.Force()
			if err != nil {
				return "", nil, err
			}
			t, c, err := coerceValue(el, false)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, t)
			ctx = mergeCtx(ctx, c)
		}
		return strings.Join(parts, " "), ctx, nil
	}
	return "", nil, &EvalError{Msg: "cannot coerce " + kindName(v) + " to a string"}
}

// ─────────────────────────────── global scope ───────────────────────────────

// globalFrame populates the outermost scope: the three keyword-like
// constants, the primitives the graph engine also knows natively, and
// the builtins table.
func (ev *evaluator) globalFrame() map[string]*Thunk {
	frame := map[string]*Thunk{
		"true":  Ready(BoolV(true)),
		"false": Ready(BoolV(false)),
		"null":  Ready(Null),
	}
	table := &AttrsValue{Table: map[string]*Thunk{}}
	for _, b := range hostPrims {
		th := Ready(Value{Tag: VTFunc, Data: b.builtinFn})
		table.Table[b.name] = th
		table.Names = append(table.Names, b.name)
		if b.global {
			frame[b.name] = th
		}
	}
	sort.Strings(table.Names)
	frame["builtins"] = Ready(Value{Tag: VTAttrs, Data: table})
	return frame
}

// ─────────────────────────────── scope check ────────────────────────────────

// checkScope rejects references no frame can supply, before evaluation
// starts. Names under a with are exempt: only the subject value can
// tell whether it provides them. The graph compiler performs the same
// check as a side effect of resolution; this keeps the tree path from
// silently accepting an undefined name inside a binding that is never
// forced.
func checkScope(root S) error {
	return scopeWalk(root, map[string]int{}, 0)
}

func globalName(name string) bool {
	switch name {
	case "true", "false", "null", "builtins":
		return true
	}
	for _, b := range hostPrims {
		if b.global && b.name == name {
			return true
		}
	}
	return false
}

func scopeWalk(n S, bound map[string]int, withs int) error {
	switch Tag(n) {
	case "id":
		name := n[1].(string)
		if bound[name] > 0 || withs > 0 || globalName(name) {
			return nil
		}
		return &Error{Kind: DiagCompile, Msg: fmt.Sprintf("undefined variable %q", name)}
	case "lam":
		name := n[1].(string)
		bound[name]++
		err := scopeWalk(n[2].(S), bound, withs)
		bound[name]--
		return err
	case "plam":
		formals := n[1].(S)
		names := make([]string, 0, len(formals))
		for _, f := range formals[1:] {
			names = append(names, f.(S)[1].(string))
		}
		if alias := n[3].(string); alias != "" {
			names = append(names, alias)
		}
		for _, nm := range names {
			bound[nm]++
		}
		var err error
		for _, f := range formals[1:] {
			if d, ok := f.(S)[2].(S); ok && err == nil {
				err = scopeWalk(d, bound, withs)
			}
		}
		if err == nil {
			err = scopeWalk(n[4].(S), bound, withs)
		}
		for _, nm := range names {
			bound[nm]--
		}
		return err
	case "let":
		return scopeGroup(n[1].(S)[1:], n[2].(S), bound, withs)
	case "rec":
		return scopeGroup(n[1:], nil, bound, withs)
	case "attrs":
		for _, b := range n[1:] {
			pr := b.(S)
			if _, ok := staticKey(pr[1].(S)); !ok {
				if err := scopeWalk(pr[1].(S), bound, withs); err != nil {
					return err
				}
			}
			if err := scopeWalk(pr[2].(S), bound, withs); err != nil {
				return err
			}
		}
		return nil
	case "with":
		if err := scopeWalk(n[1].(S), bound, withs); err != nil {
			return err
		}
		return scopeWalk(n[2].(S), bound, withs+1)
	case "select", "has":
		if err := scopeWalk(n[1].(S), bound, withs); err != nil {
			return err
		}
		for _, el := range n[2].(S)[1:] {
			if _, ok := staticKey(el.(S)); ok {
				continue
			}
			if err := scopeWalk(el.(S), bound, withs); err != nil {
				return err
			}
		}
		if Tag(n) == "select" {
			if d, ok := n[3].(S); ok {
				return scopeWalk(d, bound, withs)
			}
		}
		return nil
	}
	for _, part := range n[1:] {
		ps, ok := part.(S)
		if !ok {
			continue
		}
		if err := scopeWalk(ps, bound, withs); err != nil {
			return err
		}
	}
	return nil
}

// scopeGroup covers let and rec: the group's static names wrap every
// bind value and the body. Plain inherits and dynamic keys read the
// enclosing scope instead.
func scopeGroup(pairs []any, body S, bound map[string]int, withs int) error {
	for _, b := range pairs {
		pr := b.(S)
		if _, ok := staticKey(pr[1].(S)); !ok {
			if err := scopeWalk(pr[1].(S), bound, withs); err != nil {
				return err
			}
		}
		if Tag(pr) == "ipair" && Tag(pr[2].(S)) == "id" {
			if err := scopeWalk(pr[2].(S), bound, withs); err != nil {
				return err
			}
		}
	}
	var names []string
	for _, b := range pairs {
		pr := b.(S)
		if name, ok := staticKey(pr[1].(S)); ok {
			names = append(names, name)
		}
	}
	for _, nm := range names {
		bound[nm]++
	}
	var err error
	for _, b := range pairs {
		pr := b.(S)
		if Tag(pr) == "ipair" && Tag(pr[2].(S)) == "id" {
			continue
		}
		if err = scopeWalk(pr[2].(S), bound, withs); err != nil {
			break
		}
	}
	if err == nil && body != nil {
		err = scopeWalk(body, bound, withs)
	}
	for _, nm := range names {
		bound[nm]--
	}
	return err
}

// ─────────────────────────────── imports ────────────────────────────────────

// importUnit evaluates one file in the global scope, caching the result
// per absolute path. A unit importing itself, directly or through
// others still being evaluated, is a cycle.
func (ev *evaluator) importUnit(p string) (Value, error) {
	for _, q := range ev.istack {
		if q == p {
			return Value{}, &EvalError{Msg: "circular import: " + cycleChain(ev.istack, p)}
		}
	}
	th, ok := ev.imports[p]
	if !ok {
		th = Defer(func() (Value, error) {
			ast, err := ev.ld.require(p)
			if err != nil {
				return Value{}, err
			}
			if err := checkScope(ast); err != nil {
				return Value{}, err
			}
			ev.istack = append(ev.istack, p)
			defer func() { ev.istack = ev.istack[:len(ev.istack)-1] }()
			saved := ev.baseDir
			ev.baseDir = filepath.Dir(p)
			defer func() { ev.baseDir = saved }()
			return ev.eval(ast, ev.root)
		})
		ev.imports[p] = th
	}
	return th.Force()
}
