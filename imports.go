// imports.go: static import resolution.
//
// OVERVIEW
// --------
// The compiled path cannot execute imports, so a pre-pass resolves them:
// every application of `import` to a static path literal is replaced by
// the parsed contents of the target file, recursively. The loader keeps
// one record per canonical path with an in-progress state; revisiting a
// unit that is still loading is a circular import.
//
// Splicing a file into another scope is only sound when nothing at the
// splice site can capture the file's free names. An imported file is
// hermetic: its free names mean the global values no matter where the
// text lands. The resolver therefore refuses to inline under an
// enclosing with, or under a lexical binder shadowing one of the unit's
// free names; the import survives in the tree and the caller falls back
// to the tree evaluator, which executes imports natively.
//
// The same best-effort rule covers unreadable and unparsable targets:
// the application stays put and the evaluator owns the error report.
// Only a cycle fails resolution itself, because the fallback would just
// rediscover it.
//
// Relative path literals inside a resolved unit are rewritten to
// absolute form against the unit's own directory, so splicing them into
// a tree compiled under a different base directory cannot change what
// they point at.
package nixsub

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
//                                  PUBLIC API
////////////////////////////////////////////////////////////////////////////////

// ResolveImports inlines every statically resolvable import application
// in root and returns the rewritten tree. baseDir anchors relative
// targets. The only hard failure is a circular import; anything else
// the resolver cannot inline is left in place for the tree evaluator.
func (ld *loader) ResolveImports(root S, baseDir string) (S, error) {
	out, err := ld.resolveWalk(root, baseDir, map[string]int{}, 0)
	if err != nil {
		return nil, err
	}
	return out, nil
}

//// END_OF_PUBLIC

type unitState int

const (
	unitLoading unitState = iota
	unitLoaded
)

// unitRec caches one imported file by canonical path. A record with a
// nil ast is a load that failed and was left to the evaluator.
type unitRec struct {
	state unitState
	ast   S
	free  map[string]bool
}

// loader reads, parses, and caches imported units. The resolver and the
// tree evaluator share one instance per evaluation, so a unit is read
// and parsed once no matter which engine touches it.
type loader struct {
	units map[string]*unitRec
	stack []string
}

func newLoader() *loader {
	return &loader{units: map[string]*unitRec{}}
}

// importTarget resolves a static import argument to a canonical file
// path. The second result is false when the argument is not a static
// path literal; a search-path miss or unresolvable target returns an
// empty path with static=true, which the resolver treats as
// non-inlinable.
func importTarget(target S, baseDir string) (string, bool) {
	var p string
	switch Tag(target) {
	case "path":
		p = target[1].(string)
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
	case "hpath":
		p = homePath(target[1].(string))
	case "spath":
		sp, ok := ResolveSearch(target[1].(string))
		if !ok {
			return "", true
		}
		p = sp
	default:
		return "", false
	}
	p = filepath.Clean(p)
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		p = filepath.Join(p, "default.nix")
	}
	return p, true
}

// load reads and parses one unit, resolving its own imports against its
// own directory. Failures are not cached; only a cycle is an error.
func (ld *loader) load(p string) (*unitRec, error) {
	if rec, ok := ld.units[p]; ok {
		if rec.state == unitLoading {
			return nil, &Error{Kind: DiagCompile, Msg: "circular import: " + cycleChain(ld.stack, p)}
		}
		return rec, nil
	}
	rec := &unitRec{state: unitLoading}
	ld.units[p] = rec
	ld.stack = append(ld.stack, p)
	defer func() { ld.stack = ld.stack[:len(ld.stack)-1] }()

	src, err := os.ReadFile(p)
	if err != nil {
		delete(ld.units, p)
		return nil, nil
	}
	ast, perr := ParseExpr(string(src))
	if perr != nil {
		delete(ld.units, p)
		return nil, nil
	}
	resolved, rerr := ld.resolveWalk(ast, filepath.Dir(p), map[string]int{}, 0)
	if rerr != nil {
		delete(ld.units, p)
		return nil, rerr
	}
	rec.ast = resolved
	rec.free = map[string]bool{}
	freeNames(resolved, map[string]int{}, rec.free)
	rec.state = unitLoaded
	return rec, nil
}

// require loads a unit on behalf of the tree evaluator. The splicing
// path shrugs off targets it cannot read or parse; here they are hard
// errors, reported against the file.
func (ld *loader) require(p string) (S, error) {
	if rec, ok := ld.units[p]; ok && rec.state == unitLoaded {
		return rec.ast, nil
	}
	rec, err := ld.load(p)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec.ast, nil
	}
	src, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	ast, perr := ParseExpr(string(src))
	if perr != nil {
		return nil, WrapErrorWithName(perr, p, string(src))
	}
	return ld.resolveWalk(ast, filepath.Dir(p), map[string]int{}, 0)
}

// spliceable reports whether inlining the unit at a site with the given
// enclosing scope preserves the unit's hermetic resolution.
func spliceable(rec *unitRec, bound map[string]int, withs int) bool {
	if rec == nil || rec.ast == nil {
		return false
	}
	if len(rec.free) == 0 {
		return true
	}
	if withs > 0 {
		return false
	}
	for name := range rec.free {
		if bound[name] > 0 {
			return false
		}
	}
	return true
}

func cycleChain(stack []string, again string) string {
	i := 0
	for idx, s := range stack {
		if s == again {
			i = idx
			break
		}
	}
	chain := append(append([]string{}, stack[i:]...), again)
	return strings.Join(chain, " -> ")
}

// resolveWalk rewrites one tree: import applications become their
// resolved units where sound, relative path literals become absolute,
// and everything else is rebuilt around the rewritten children. bound
// and withs describe the scope enclosing the current node.
func (ld *loader) resolveWalk(node any, baseDir string, bound map[string]int, withs int) (S, error) {
	n, ok := node.(S)
	if !ok || len(n) == 0 {
		return nil, fmt.Errorf("malformed syntax tree")
	}
	switch n[0] {
	case "int", "float", "str", "id", "hpath", "spath":
		return n, nil
	case "path":
		p := n[1].(string)
		if filepath.IsAbs(p) {
			return n, nil
		}
		return L("path", filepath.Clean(filepath.Join(baseDir, p))), nil
	case "app":
		if fn, okf := n[1].(S); okf && Tag(fn) == "id" && fn[1] == "import" && bound["import"] == 0 {
			if p, static := importTarget(n[2].(S), baseDir); static && p != "" {
				rec, err := ld.load(p)
				if err != nil {
					return nil, err
				}
				if spliceable(rec, bound, withs) {
					return rec.ast, nil
				}
			}
		}
		fn, err := ld.resolveWalk(n[1], baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		arg, err := ld.resolveWalk(n[2], baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		return L("app", fn, arg), nil
	case "lam":
		bound[n[1].(string)]++
		body, err := ld.resolveWalk(n[2], baseDir, bound, withs)
		bound[n[1].(string)]--
		if err != nil {
			return nil, err
		}
		return L("lam", n[1], body), nil
	case "plam":
		formals := n[1].(S)
		var names []string
		for _, f := range formals[1:] {
			names = append(names, f.(S)[1].(string))
		}
		if alias := n[3].(string); alias != "" {
			names = append(names, alias)
		}
		for _, nm := range names {
			bound[nm]++
		}
		defer func() {
			for _, nm := range names {
				bound[nm]--
			}
		}()
		df := L("formals")
		for _, f := range formals[1:] {
			ff := f.(S)
			var def any
			if ff[2] != nil {
				d, err := ld.resolveWalk(ff[2], baseDir, bound, withs)
				if err != nil {
					return nil, err
				}
				def = d
			}
			df = append(df, L("formal", ff[1], def))
		}
		body, err := ld.resolveWalk(n[4], baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		return L("plam", df, n[2], n[3], body), nil
	case "let":
		binds, names, err := ld.resolveBinds(n[1].(S), baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		for _, nm := range names {
			bound[nm]++
		}
		body, err := ld.resolveWalk(n[2], baseDir, bound, withs)
		for _, nm := range names {
			bound[nm]--
		}
		if err != nil {
			return nil, err
		}
		return L("let", binds, body), nil
	case "rec":
		binds, _, err := ld.resolveBinds(append(S{"binds"}, n[1:]...), baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		return append(L("rec"), binds[1:]...), nil
	case "with":
		subj, err := ld.resolveWalk(n[1], baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		body, err := ld.resolveWalk(n[2], baseDir, bound, withs+1)
		if err != nil {
			return nil, err
		}
		return L("with", subj, body), nil
	case "select":
		base, err := ld.resolveWalk(n[1], baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		path, err := ld.resolveKeys(n[2].(S), baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		var def any
		if n[3] != nil {
			d, err := ld.resolveWalk(n[3], baseDir, bound, withs)
			if err != nil {
				return nil, err
			}
			def = d
		}
		return L("select", base, path, def), nil
	case "has":
		base, err := ld.resolveWalk(n[1], baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		path, err := ld.resolveKeys(n[2].(S), baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		return L("has", base, path), nil
	case "attrs", "list", "interp":
		out := L(n[0].(string))
		for _, child := range n[1:] {
			if n[0] == "attrs" {
				p := child.(S)
				key := p[1]
				if Tag(p[1].(S)) != "str" {
					k, err := ld.resolveWalk(p[1], baseDir, bound, withs)
					if err != nil {
						return nil, err
					}
					key = k
				}
				v, err := ld.resolveWalk(p[2], baseDir, bound, withs)
				if err != nil {
					return nil, err
				}
				out = append(out, L(p[0].(string), key, v))
				continue
			}
			if s, isS := child.(S); isS {
				v, err := ld.resolveWalk(s, baseDir, bound, withs)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
				continue
			}
			out = append(out, child)
		}
		return out, nil
	case "if", "assert", "unop":
		out := L(n[0].(string))
		for _, child := range n[1:] {
			v, err := ld.resolveWalk(child, baseDir, bound, withs)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case "binop":
		a, err := ld.resolveWalk(n[2], baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		b, err := ld.resolveWalk(n[3], baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		return L("binop", n[1], a, b), nil
	}
	return nil, fmt.Errorf("unexpected node tag %q", n[0])
}

// resolveBinds rewrites a binding group's values and reports the names
// the group binds. Inherited values are resolved in the same scope; the
// over-approximation only makes the splice check more conservative.
func (ld *loader) resolveBinds(binds S, baseDir string, bound map[string]int, withs int) (S, []string, error) {
	var names []string
	for _, pr := range binds[1:] {
		p := pr.(S)
		if k, ok := staticKey(p[1].(S)); ok {
			names = append(names, k)
		}
	}
	for _, nm := range names {
		bound[nm]++
	}
	defer func() {
		for _, nm := range names {
			bound[nm]--
		}
	}()
	out := L("binds")
	for _, pr := range binds[1:] {
		p := pr.(S)
		v, err := ld.resolveWalk(p[2], baseDir, bound, withs)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, L(p[0].(string), p[1], v))
	}
	return out, names, nil
}

// resolveKeys rewrites the dynamic keys of an attribute path.
func (ld *loader) resolveKeys(path S, baseDir string, bound map[string]int, withs int) (S, error) {
	out := L("apath")
	for _, k := range path[1:] {
		ks := k.(S)
		if Tag(ks) == "str" {
			out = append(out, ks)
			continue
		}
		v, err := ld.resolveWalk(ks, baseDir, bound, withs)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// freeNames collects every identifier a tree references without binding
// it. Keyword-like values and primitives count too: the splice check
// needs to know about any name an enclosing binder could take over.
func freeNames(node any, bound map[string]int, out map[string]bool) {
	n, ok := node.(S)
	if !ok || len(n) == 0 {
		return
	}
	switch n[0] {
	case "id":
		if nm := n[1].(string); bound[nm] == 0 {
			out[nm] = true
		}
	case "lam":
		bound[n[1].(string)]++
		freeNames(n[2], bound, out)
		bound[n[1].(string)]--
	case "plam":
		formals := n[1].(S)
		var names []string
		for _, f := range formals[1:] {
			names = append(names, f.(S)[1].(string))
		}
		if alias := n[3].(string); alias != "" {
			names = append(names, alias)
		}
		for _, nm := range names {
			bound[nm]++
		}
		for _, f := range formals[1:] {
			if def := f.(S)[2]; def != nil {
				freeNames(def, bound, out)
			}
		}
		freeNames(n[4], bound, out)
		for _, nm := range names {
			bound[nm]--
		}
	case "let":
		freeGroup(n[1].(S), n[2], bound, out)
	case "rec":
		freeGroup(append(S{"binds"}, n[1:]...), nil, bound, out)
	case "attrs":
		for _, pr := range n[1:] {
			p := pr.(S)
			if Tag(p[1].(S)) != "str" {
				freeNames(p[1], bound, out)
			}
			freeNames(p[2], bound, out)
		}
	case "select", "has":
		freeNames(n[1], bound, out)
		for _, k := range n[2].(S)[1:] {
			if Tag(k.(S)) != "str" {
				freeNames(k, bound, out)
			}
		}
		if n[0] == "select" && len(n) > 3 && n[3] != nil {
			freeNames(n[3], bound, out)
		}
	case "interp", "list":
		for _, el := range n[1:] {
			if _, isS := el.(S); isS {
				freeNames(el, bound, out)
			}
		}
	case "app", "with", "assert":
		freeNames(n[1], bound, out)
		freeNames(n[2], bound, out)
	case "if":
		freeNames(n[1], bound, out)
		freeNames(n[2], bound, out)
		freeNames(n[3], bound, out)
	case "binop":
		freeNames(n[2], bound, out)
		freeNames(n[3], bound, out)
	case "unop":
		freeNames(n[2], bound, out)
	}
}

func freeGroup(binds S, body any, bound map[string]int, out map[string]bool) {
	var names []string
	for _, pr := range binds[1:] {
		p := pr.(S)
		if k, ok := staticKey(p[1].(S)); ok {
			names = append(names, k)
		}
	}
	for _, nm := range names {
		bound[nm]++
	}
	for _, pr := range binds[1:] {
		freeNames(pr.(S)[2], bound, out)
	}
	if body != nil {
		freeNames(body, bound, out)
	}
	for _, nm := range names {
		bound[nm]--
	}
}
