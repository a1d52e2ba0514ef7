// builtins.go: host primitives reachable from the language.
//
// Primitives marked global are also free variables, and every one of
// those has a native counterpart in the graph engine. The rest live
// only in the builtins table; a bare reference to them is an undefined
// variable in both engines, and selecting them off builtins routes the
// program to the tree evaluator.
package nixsub

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xenv "github.com/xyproto/env/v2"
)

type hostPrim struct {
	*builtinFn
	global bool
}

var hostPrims []hostPrim

// Assigned in init rather than at the declaration: biImport reaches
// back to hostPrims through the scope checker, and a declaration-site
// initializer would make that reference an initialization cycle.
func init() {
	hostPrims = []hostPrim{
		{prim1("length", biLength), true},
		{prim2("elemAt", biElemAt), true},
		{prim1("attrNames", biAttrNames), true},
		{prim1("abort", biAbort), true},
		{prim1("throw", biAbort), true},
		{prim1("toString", biToString), true},
		{prim2("seq", biSeq), true},
		{prim1("import", biImport), true},

		{prim1("typeOf", biTypeOf), false},
		{prim1("isNull", biIsNull), false},
		{prim2("hasAttr", biHasAttr), false},
		{prim2("getAttr", biGetAttr), false},
		{prim1("functionArgs", biFunctionArgs), false},
		{prim1("stringLength", biStringLength), false},
		{prim3("substring", biSubstring), false},
		{prim2("concatStringsSep", biConcatStringsSep), false},
		{prim1("baseNameOf", biBaseNameOf), false},
		{prim1("dirOf", biDirOf), false},
		{prim2("hashString", biHashString), false},
		{prim1("getEnv", biGetEnv), false},
		{prim1("readFile", biReadFile), false},
		{prim1("pathExists", biPathExists), false},
		{prim1("fromJSON", biFromJSON), false},
		{prim1("toJSON", biToJSON), false},
	}
}

func prim1(name string, fn func(*evaluator, []*Thunk) (Value, error)) *builtinFn {
	return &builtinFn{name: name, arity: 1, fn: fn}
}

func prim2(name string, fn func(*evaluator, []*Thunk) (Value, error)) *builtinFn {
	return &builtinFn{name: name, arity: 2, fn: fn}
}

func prim3(name string, fn func(*evaluator, []*Thunk) (Value, error)) *builtinFn {
	return &builtinFn{name: name, arity: 3, fn: fn}
}

// ──────────────────────────────── core ───────────────────────────────────

func biLength(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if v.Tag != VTList {
		return Value{}, &EvalError{Msg: "expected a list, got " + kindName(v)}
	}
	return IntV(int64(len(v.Data.([]*Thunk)))), nil
}

func biElemAt(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if v.Tag != VTList {
		return Value{}, &EvalError{Msg: "expected a list, got " + kindName(v)}
	}
	iv, err := args[1].Force()
	if err != nil {
		return Value{}, err
	}
	if iv.Tag != VTInt {
		return Value{}, &EvalError{Msg: "expected an integer index, got " + kindName(iv)}
	}
	elems := v.Data.([]*Thunk)
	idx := iv.Data.(int64)
	if idx < 0 || idx >= int64(len(elems)) {
		return Value{}, evalErrf("list index %d is out of bounds", idx)
	}
	return elems[idx].Force()
}

func biAttrNames(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if v.Tag != VTAttrs {
		return Value{}, &EvalError{Msg: "expected an attribute set, got " + kindName(v)}
	}
	names := v.Data.(*AttrsValue).Names
	out := make([]*Thunk, 0, len(names))
	for _, name := range names {
		out = append(out, Ready(StrV(name)))
	}
	return Value{Tag: VTList, Data: out}, nil
}

func biAbort(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	switch v.Tag {
	case VTStr:
		return Value{}, &EvalError{Msg: v.Data.(*StrValue).Text}
	case VTPath:
		return Value{}, &EvalError{Msg: v.Data.(*PathValue).Text}
	}
	return Value{}, &EvalError{Msg: "expected a string message, got " + kindName(v)}
}

func biToString(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	text, ctx, err := coerceValue(v, false)
	if err != nil {
		return Value{}, err
	}
	return strValue(text, ctx), nil
}

func biSeq(ev *evaluator, args []*Thunk) (Value, error) {
	if _, err := args[0].Force(); err != nil {
		return Value{}, err
	}
	return args[1].Force()
}

// ──────────────────────────── introspection ──────────────────────────────

func biTypeOf(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	names := map[ValueTag]string{
		VTNull:  "null",
		VTBool:  "bool",
		VTInt:   "int",
		VTFloat: "float",
		VTStr:   "string",
		VTPath:  "path",
		VTList:  "list",
		VTAttrs: "set",
		VTFunc:  "lambda",
	}
	return StrV(names[v.Tag]), nil
}

func biIsNull(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	return BoolV(v.Tag == VTNull), nil
}

func biHasAttr(ev *evaluator, args []*Thunk) (Value, error) {
	nv, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if nv.Tag != VTStr {
		return Value{}, &EvalError{Msg: "expected a string, got " + kindName(nv)}
	}
	sv, err := args[1].Force()
	if err != nil {
		return Value{}, err
	}
	if sv.Tag != VTAttrs {
		return Value{}, &EvalError{Msg: "expected an attribute set, got " + kindName(sv)}
	}
	_, ok := sv.Data.(*AttrsValue).Get(nv.Data.(*StrValue).Text)
	return BoolV(ok), nil
}

func biGetAttr(ev *evaluator, args []*Thunk) (Value, error) {
	nv, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if nv.Tag != VTStr {
		return Value{}, &EvalError{Msg: "expected a string, got " + kindName(nv)}
	}
	sv, err := args[1].Force()
	if err != nil {
		return Value{}, err
	}
	if sv.Tag != VTAttrs {
		return Value{}, &EvalError{Msg: "expected an attribute set, got " + kindName(sv)}
	}
	name := nv.Data.(*StrValue).Text
	th, ok := sv.Data.(*AttrsValue).Get(name)
	if !ok {
		return Value{}, evalErrf("attribute %q missing", name)
	}
	return th.Force()
}

// biFunctionArgs reports the formal names of a pattern lambda and
// whether each carries a default. Plain lambdas and primitives have no
// formals to report.
func biFunctionArgs(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if v.Tag != VTFunc {
		return Value{}, evalErrf("expected a function, got %s", kindName(v))
	}
	out := &AttrsValue{Table: map[string]*Thunk{}}
	if cl, ok := v.Data.(*closure); ok && Tag(cl.node) == "plam" {
		for _, f := range cl.node[1].(S)[1:] {
			fs := f.(S)
			name := fs[1].(string)
			_, hasDefault := fs[2].(S)
			out.Names = append(out.Names, name)
			out.Table[name] = Ready(BoolV(hasDefault))
		}
		sort.Strings(out.Names)
	}
	return Value{Tag: VTAttrs, Data: out}, nil
}

// ─────────────────────────────── strings ─────────────────────────────────

func biStringLength(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if v.Tag != VTStr {
		return Value{}, evalErrf("expected a string, got %s", kindName(v))
	}
	return IntV(int64(len(v.Data.(*StrValue).Text))), nil
}

// biSubstring slices by byte offsets the way the language counts
// string length. A negative length takes the rest of the string.
func biSubstring(ev *evaluator, args []*Thunk) (Value, error) {
	sv, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if sv.Tag != VTInt {
		return Value{}, evalErrf("expected an integer, got %s", kindName(sv))
	}
	lv, err := args[1].Force()
	if err != nil {
		return Value{}, err
	}
	if lv.Tag != VTInt {
		return Value{}, evalErrf("expected an integer, got %s", kindName(lv))
	}
	v, err := args[2].Force()
	if err != nil {
		return Value{}, err
	}
	if v.Tag != VTStr {
		return Value{}, evalErrf("expected a string, got %s", kindName(v))
	}
	start := sv.Data.(int64)
	if start < 0 {
		return Value{}, evalErrf("negative start position in substring")
	}
	s := v.Data.(*StrValue)
	text := s.Text
	if start >= int64(len(text)) {
		return strValue("", s.Ctx), nil
	}
	n := lv.Data.(int64)
	end := int64(len(text))
	if n >= 0 && start+n < end {
		end = start + n
	}
	return strValue(text[start:end], s.Ctx), nil
}

func biConcatStringsSep(ev *evaluator, args []*Thunk) (Value, error) {
	sep, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if sep.Tag != VTStr {
		return Value{}, evalErrf("expected a string, got %s", kindName(sep))
	}
	lv, err := args[1].Force()
	if err != nil {
		return Value{}, err
	}
	if lv.Tag != VTList {
		return Value{}, evalErrf("expected a list, got %s", kindName(lv))
	}
	ss := sep.Data.(*StrValue)
	ctx := ss.Ctx
	parts := make([]string, 0, len(lv.Data.([]*Thunk)))
	for _, th := range lv.Data.([]*Thunk) {
		el, err := th.Force()
		if err != nil {
			return Value{}, err
		}
		text, pc, err := coerceValue(el, true)
		if err != nil {
			return Value{}, err
		}
		parts = append(parts, text)
		ctx = mergeCtx(ctx, pc)
	}
	return strValue(strings.Join(parts, ss.Text), ctx), nil
}

// ──────────────────────────────── paths ──────────────────────────────────

func biBaseNameOf(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if v.Tag != VTStr && v.Tag != VTPath {
		return Value{}, evalErrf("expected a string, got %s", kindName(v))
	}
	text, ctx, _ := coerceValue(v, true)
	idx := strings.LastIndexByte(text, '/')
	return strValue(text[idx+1:], ctx), nil
}

// biDirOf is textual on strings and keeps paths as paths.
func biDirOf(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	switch v.Tag {
	case VTPath:
		return PathV(filepath.Dir(v.Data.(*PathValue).Text)), nil
	case VTStr:
		s := v.Data.(*StrValue)
		idx := strings.LastIndexByte(s.Text, '/')
		switch {
		case idx < 0:
			return strValue(".", s.Ctx), nil
		case idx == 0:
			return strValue("/", s.Ctx), nil
		}
		return strValue(s.Text[:idx], s.Ctx), nil
	}
	return Value{}, evalErrf("expected a string, got %s", kindName(v))
}

// ─────────────────────────────── hashing ─────────────────────────────────

func biHashString(ev *evaluator, args []*Thunk) (Value, error) {
	av, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if av.Tag != VTStr {
		return Value{}, evalErrf("expected a string, got %s", kindName(av))
	}
	mv, err := args[1].Force()
	if err != nil {
		return Value{}, err
	}
	if mv.Tag != VTStr {
		return Value{}, evalErrf("expected a string, got %s", kindName(mv))
	}
	data := []byte(mv.Data.(*StrValue).Text)
	var sum []byte
	switch algo := av.Data.(*StrValue).Text; algo {
	case "md5":
		h := md5.Sum(data)
		sum = h[:]
	case "sha1":
		h := sha1.Sum(data)
		sum = h[:]
	case "sha256":
		h := sha256.Sum256(data)
		sum = h[:]
	case "sha512":
		h := sha512.Sum512(data)
		sum = h[:]
	default:
		return Value{}, evalErrf("unknown hash algorithm %q", algo)
	}
	return StrV(hex.EncodeToString(sum)), nil
}

// ────────────────────────────── host access ──────────────────────────────

func biGetEnv(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if v.Tag != VTStr {
		return Value{}, evalErrf("expected a string, got %s", kindName(v))
	}
	return StrV(xenv.Str(v.Data.(*StrValue).Text)), nil
}

// hostPath turns a path or string value into a cleaned absolute host
// path, resolving strings against the current unit's directory.
func (ev *evaluator) hostPath(v Value) (string, error) {
	var target string
	switch v.Tag {
	case VTPath:
		target = v.Data.(*PathValue).Text
	case VTStr:
		target = v.Data.(*StrValue).Text
		if !filepath.IsAbs(target) {
			target = filepath.Join(ev.baseDir, target)
		}
	default:
		return "", &EvalError{Msg: "expected a path, got " + kindName(v)}
	}
	return filepath.Clean(target), nil
}

func biReadFile(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	target, err := ev.hostPath(v)
	if err != nil {
		return Value{}, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return Value{}, evalErrf("cannot read %s: %v", target, err)
	}
	return StrV(string(data)), nil
}

func biPathExists(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	target, err := ev.hostPath(v)
	if err != nil {
		return Value{}, err
	}
	_, serr := os.Stat(target)
	return BoolV(serr == nil), nil
}

// ─────────────────────────────── imports ─────────────────────────────────

func biImport(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	target, err := ev.hostPath(v)
	if err != nil {
		return Value{}, err
	}
	if fi, err := os.Stat(target); err == nil && fi.IsDir() {
		target = filepath.Join(target, "default.nix")
	}
	return ev.importUnit(target)
}
