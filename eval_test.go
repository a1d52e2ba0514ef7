// eval_test.go
package nixsub

import (
	"strings"
	"testing"
)

// --- helpers ---------------------------------------------------------------

// treeRun forces the tree path by anchoring a float literal in front of
// the expression; floats have no graph encoding, so routing falls
// through to the evaluator while the wrapped source never runs the
// anchor.
func treeRun(t *testing.T, src string) Value {
	t.Helper()
	v, err := NewSession("").EvalSource("<tree>", "let anchor = 1.0; in (\n"+src+"\n)")
	if err != nil {
		t.Fatalf("tree evaluation error: %v\nsource:\n%s", err, src)
	}
	return v
}

func treeErr(t *testing.T, src, frag string) {
	t.Helper()
	_, err := NewSession("").EvalSource("<tree>", "let anchor = 1.0; in (\n"+src+"\n)")
	if err == nil {
		t.Fatalf("expected tree error containing %q, got none\nsource:\n%s", frag, src)
	}
	if !strings.Contains(err.Error(), frag) {
		t.Fatalf("expected tree error containing %q, got %v", frag, err)
	}
}

// bothEngines runs src on the graph and on the tree and asserts both
// print the same result.
func bothEngines(t *testing.T, src string) Value {
	t.Helper()
	if !CanCompile(mustParse(t, src)) {
		t.Fatalf("parity source must be compilable:\n%s", src)
	}
	gv := runSession(t, src)
	tv := treeRun(t, src)
	if FormatValue(gv) != FormatValue(tv) {
		t.Fatalf("engines disagree on %s\ngraph: %s\ntree:  %s",
			src, FormatValue(gv), FormatValue(tv))
	}
	return gv
}

// bothEnginesErr asserts both engines fail src with the same message.
func bothEnginesErr(t *testing.T, src, frag string) {
	t.Helper()
	if !CanCompile(mustParse(t, src)) {
		t.Fatalf("parity source must be compilable:\n%s", src)
	}
	_, gerr := NewSession("").EvalSource("<graph>", src)
	if gerr == nil {
		t.Fatalf("graph path should fail: %s", src)
	}
	_, terr := NewSession("").EvalSource("<tree>", "let anchor = 1.0; in (\n"+src+"\n)")
	if terr == nil {
		t.Fatalf("tree path should fail: %s", src)
	}
	if gerr.Error() != terr.Error() {
		t.Fatalf("engines disagree on the failure of %s\ngraph: %v\ntree:  %v", src, gerr, terr)
	}
	if !strings.Contains(gerr.Error(), frag) {
		t.Fatalf("expected error containing %q, got %v", frag, gerr)
	}
}

// --- tests -----------------------------------------------------------------

// The same program must print the same result whichever engine takes it.
func Test_Eval_Engine_Parity_Values(t *testing.T) {
	sources := []string{
		`1 + 2 * 3`,
		`-7 / 2`,
		`2147483647 + 2147483647`,
		`true && !false`,
		`1 < 2 == (3 > 2)`,
		`"a" + "b" + "c"`,
		`"n=${toString (6 * 7)}"`,
		`toString true`,
		`toString null`,
		`[ 1 2 ] ++ [ 3 ]`,
		`length [ 1 2 3 ]`,
		`elemAt [ 10 20 30 ] 2`,
		`attrNames { b = 1; a = 2; }`,
		`{ a = 1; b = 2; }.a`,
		`{ a.b.c = 1; }.a.b.c`,
		`{ a = 1; }.missing or 5`,
		`{ a = 1; } ? a`,
		`({ a = 1; } // { a = 2; b = 3; })`,
		`rec { a = 1; b = a + 1; }.b`,
		`let x = 1 + 2; in x + x + x`,
		`(x: y: x + y) 1 2`,
		`({ a, b ? a + 1 }: b) { a = 1; }`,
		`({ a, ... } @ args: a + args.b) { a = 1; b = 2; }`,
		`let fac = n: if n == 0 then 1 else n * fac (n - 1); in fac 6`,
		`let even = n: if n == 0 then true else odd (n - 1);
		     odd = n: if n == 0 then false else even (n - 1);
		 in even 9`,
		`with { a = 1; }; with { a = 2; }; a`,
		`let a = 9; in with { a = 1; }; a`,
		`let mk = x: { v = x; }; in with mk 7; v`,
		`let boom = abort "never"; in 1`,
		`seq 1 2`,
		`assert 2 > 1; "ok"`,
		`[ 1 2 ] == [ 1 2 ]`,
		`{ a = [ true null ]; } == { a = [ true null ]; }`,
		`if null == null then "y" else "n"`,
		`''
		  line one
		  line two
		''`,
	}
	for _, src := range sources {
		bothEngines(t, src)
	}
}

func Test_Eval_Engine_Parity_Errors(t *testing.T) {
	cases := []struct{ src, frag string }{
		{`1 / 0`, "division by zero"},
		{`1 + "x"`, "cannot add an integer and a string"},
		{`1 < "a"`, "cannot compare an integer with a string"},
		{`if 1 then 2 else 3`, "expected a boolean condition"},
		{`true && 1`, "expected a boolean condition"},
		{`!5`, "expected a boolean condition"},
		{`assert 1; 2`, "expected a boolean assertion condition, got an integer"},
		{`assert false; 2`, "assertion failed"},
		{`abort "stop here"`, "stop here"},
		{`throw "not today"`, "not today"},
		{`abort 1`, "expected a string message, got an integer"},
		{`{ a = 1; }.b`, `attribute "b" missing`},
		{`(1).a`, "expected an attribute set, got an integer"},
		{`elemAt [ 1 ] 5`, "list index 5 is out of bounds"},
		{`elemAt 1 0`, "expected a list, got an integer"},
		{`length { }`, "expected a list, got an attribute set"},
		{`[ 1 ] ++ "x"`, "expected a list, got a string"},
		{`"x${1}"`, "cannot coerce an integer to a string inside interpolation"},
		{`toString { a = 1; }`, "cannot coerce an attribute set to a string"},
		{`({ a }: a) { }`, `function called without required argument "a"`},
		{`({ a }: a) { a = 1; b = 2; }`, `function called with unexpected argument "b"`},
		{`({ a }: a) 3`, "expected an attribute set argument, got an integer"},
		{`1 2`, "attempt to call a value which is not a function"},
		{`let a = 1; in with 2; a`,
			"with subject is an integer while an attribute set was expected"},
	}
	for _, c := range cases {
		bothEnginesErr(t, c.src, c.frag)
	}
}

// Floats only exist on the tree path.
func Test_Eval_Floats(t *testing.T) {
	v := treeRun(t, `1.5 + 2.25`)
	if v.Tag != VTFloat || v.Data.(float64) != 3.75 {
		t.Fatalf("want 3.75, got %v", v)
	}
	v = treeRun(t, `1.0 / 4`)
	if v.Tag != VTFloat || v.Data.(float64) != 0.25 {
		t.Fatalf("want 0.25, got %v", v)
	}
	// mixed operands promote
	v = treeRun(t, `1 + 2.5`)
	if v.Tag != VTFloat || v.Data.(float64) != 3.5 {
		t.Fatalf("want 3.5, got %v", v)
	}
	wantVBool(t, treeRun(t, `1.5 < 2`), true)
	wantVBool(t, treeRun(t, `1.0 == 1`), true)
	wantVBool(t, treeRun(t, `0.5 == 1`), false)
	wantVStr(t, treeRun(t, `toString 1.5`), "1.500000")
	treeErr(t, `1.0 / 0`, "division by zero")
	treeErr(t, `1.5 + "x"`, "cannot add a float and a string")
}

// Dynamic attribute names are interpreter-only; routing must land them
// on the tree without any float anchor.
func Test_Eval_Dynamic_Attrs(t *testing.T) {
	wantVInt(t, runSession(t, `let k = "x"; in { ${k} = 1; }.x`), 1)
	wantVInt(t, runSession(t, `{ ${"a" + "b"} = 2; }.ab`), 2)
	wantVInt(t, runSession(t, `let k = "a"; in { a = 3; }.${k}`), 3)
	wantVInt(t, runSession(t, `let k = "q"; in { a = 1; }.${k} or 9`), 9)
	wantVBool(t, runSession(t, `let k = "a"; in { a = 1; } ? ${k}`), true)

	// a null key drops its binding
	v := runSession(t, `attrNames { ${null} = 1; a = 2; }`)
	if names := v.Data.([]*Thunk); len(names) != 1 {
		t.Fatalf("null key should drop the bind, got %d names", len(names))
	}
	runSessionErr(t, `{ ${1} = 2; }`, "expected a string, got an integer")
	runSessionErr(t, `let k = "a"; in { a = 1; ${k} = 2; }`, `attribute "a" already defined`)
}

func Test_Eval_Builtins_Core(t *testing.T) {
	wantVInt(t, runSession(t, `builtins.length [ 1 2 ]`), 2)
	wantVInt(t, runSession(t, `builtins.elemAt [ 4 5 ] 0`), 4)
	wantVStr(t, runSession(t, `builtins.typeOf 1`), "int")
	wantVStr(t, runSession(t, `builtins.typeOf 1.5`), "float")
	wantVStr(t, runSession(t, `builtins.typeOf "s"`), "string")
	wantVStr(t, runSession(t, `builtins.typeOf ./p`), "path")
	wantVStr(t, runSession(t, `builtins.typeOf null`), "null")
	wantVStr(t, runSession(t, `builtins.typeOf true`), "bool")
	wantVStr(t, runSession(t, `builtins.typeOf [ ]`), "list")
	wantVStr(t, runSession(t, `builtins.typeOf { }`), "set")
	wantVStr(t, runSession(t, `builtins.typeOf (x: x)`), "lambda")
	wantVBool(t, runSession(t, `builtins.isNull null`), true)
	wantVBool(t, runSession(t, `builtins.isNull 0`), false)
	wantVBool(t, runSession(t, `builtins.hasAttr "a" { a = 1; }`), true)
	wantVBool(t, runSession(t, `builtins.hasAttr "b" { a = 1; }`), false)
	wantVInt(t, runSession(t, `builtins.getAttr "a" { a = 7; }`), 7)
	runSessionErr(t, `builtins.getAttr "b" { a = 7; }`, `attribute "b" missing`)
	wantVInt(t, runSession(t, `builtins.seq 1 2`), 2)

	v := runSession(t, `builtins.functionArgs ({ a, b ? 1, ... }: a)`)
	wantVBool(t, attrV(t, v, "a"), false)
	wantVBool(t, attrV(t, v, "b"), true)
	v = runSession(t, `builtins.functionArgs (x: x)`)
	if names := v.Data.(*AttrsValue).Names; len(names) != 0 {
		t.Fatalf("plain lambda has no formals, got %v", names)
	}
}

func Test_Eval_Builtins_Strings(t *testing.T) {
	wantVInt(t, runSession(t, `builtins.stringLength "abcd"`), 4)
	// byte-oriented, like the rest of the string operations
	wantVInt(t, runSession(t, `builtins.stringLength "é"`), 2)
	wantVStr(t, runSession(t, `builtins.substring 1 2 "abcd"`), "bc")
	wantVStr(t, runSession(t, `builtins.substring 2 (0 - 1) "abcd"`), "cd")
	wantVStr(t, runSession(t, `builtins.substring 9 1 "abcd"`), "")
	wantVStr(t, runSession(t, `builtins.substring 0 0 "abcd"`), "")
	runSessionErr(t, `builtins.substring (0 - 1) 1 "abcd"`, "negative start position in substring")

	wantVStr(t, runSession(t, `builtins.concatStringsSep ", " [ "a" "b" "c" ]`), "a, b, c")
	wantVStr(t, runSession(t, `builtins.concatStringsSep "-" [ ]`), "")
	wantVStr(t, runSession(t, `builtins.concatStringsSep "" [ "x" (toString 1) ]`), "x1")
	runSessionErr(t, `builtins.concatStringsSep 1 [ ]`, "expected a string, got an integer")
}

func Test_Eval_Builtins_Paths(t *testing.T) {
	wantVStr(t, runSession(t, `builtins.baseNameOf "/x/y.nix"`), "y.nix")
	wantVStr(t, runSession(t, `builtins.baseNameOf "plain"`), "plain")
	wantVStr(t, runSession(t, `builtins.dirOf "a/b/c"`), "a/b")
	wantVStr(t, runSession(t, `builtins.dirOf "solo"`), ".")
	wantVStr(t, runSession(t, `builtins.dirOf "/top"`), "/")

	v := runSession(t, `builtins.dirOf ./a/b.nix`)
	if v.Tag != VTPath {
		t.Fatalf("dirOf on a path must stay a path, got %v", v)
	}
}

func Test_Eval_Builtins_Hashing(t *testing.T) {
	cases := []struct{ algo, msg, want string }{
		{"md5", "", "d41d8cd98f00b204e9800998ecf8427e"},
		{"sha1", "", "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
		{"sha256", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"sha256", "abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}
	for _, c := range cases {
		src := `builtins.hashString "` + c.algo + `" "` + c.msg + `"`
		wantVStr(t, runSession(t, src), c.want)
	}
	runSessionErr(t, `builtins.hashString "crc32" "x"`, `unknown hash algorithm "crc32"`)
	runSessionErr(t, `builtins.hashString "sha256" 1`, "expected a string, got an integer")
}

func Test_Eval_Builtins_JSON(t *testing.T) {
	v := runSession(t, `builtins.fromJSON ''{"a": [1, 2.5], "s": "x"}''`)
	a := attrV(t, v, "a")
	wantVInt(t, elemV(t, a, 0), 1)
	if f := elemV(t, a, 1); f.Tag != VTFloat || f.Data.(float64) != 2.5 {
		t.Fatalf("want 2.5, got %v", f)
	}
	wantVStr(t, attrV(t, v, "s"), "x")
	wantVBool(t, runSession(t, `builtins.fromJSON "true"`), true)
	if v := runSession(t, `builtins.fromJSON "null"`); v.Tag != VTNull {
		t.Fatalf("want null, got %v", v)
	}

	wantVStr(t, runSession(t, `builtins.toJSON { b = 1; a = [ true null ]; }`),
		`{"a":[true,null],"b":1}`)
	wantVStr(t, runSession(t, `builtins.toJSON "he\"llo"`), `"he\"llo"`)
	wantVStr(t, runSession(t, `builtins.toJSON [ 1.5 ]`), `[1.5]`)

	runSessionErr(t, `builtins.fromJSON "{"`, "invalid JSON")
	runSessionErr(t, `builtins.fromJSON "1 2"`, "invalid JSON: trailing data after the document")
	runSessionErr(t, `builtins.toJSON (x: x)`, "cannot convert a function to JSON")
	runSessionErr(t, `builtins.fromJSON 1`, "expected a string, got an integer")
}

func Test_Eval_Builtins_GetEnv(t *testing.T) {
	t.Setenv("NIXSUB_TEST_VAR", "hello")
	wantVStr(t, runSession(t, `builtins.getEnv "NIXSUB_TEST_VAR"`), "hello")
	wantVStr(t, runSession(t, `builtins.getEnv "NIXSUB_TEST_UNSET_VAR"`), "")
}

// Only a small set of primitives is reachable bare; everything else
// lives behind the builtins table on both engines.
func Test_Eval_Builtins_Placement(t *testing.T) {
	runSessionErr(t, `typeOf 1`, `undefined variable "typeOf"`)
	runSessionErr(t, `stringLength "x"`, `undefined variable "stringLength"`)
	runSessionErr(t, `fromJSON "1"`, `undefined variable "fromJSON"`)
	treeErr(t, `typeOf 1`, `undefined variable "typeOf"`)

	wantVInt(t, runSession(t, `length [ 1 ]`), 1)
	wantVInt(t, runSession(t, `builtins.length [ 1 ]`), 1)
	wantVBool(t, runSession(t, `builtins ? import`), true)
	wantVBool(t, runSession(t, `builtins ? fromJSON`), true)

	// the table can be shadowed like any name
	wantVInt(t, runSession(t, `let builtins = { length = xs: 9; }; in builtins.length [ ]`), 9)
}

func Test_Eval_Tree_Laziness(t *testing.T) {
	wantVInt(t, treeRun(t, `let boom = abort "nope"; in 1`), 1)
	wantVInt(t, treeRun(t, `(x: 1) (abort "nope")`), 1)

	v := treeRun(t, `[ 1 (abort "nope") ]`)
	wantVInt(t, elemV(t, v, 0), 1)
	if _, err := v.Data.([]*Thunk)[1].Force(); err == nil {
		t.Fatalf("forcing the failing element should error")
	}
}

// A self-referential binding is detected by the thunk blackhole rather
// than looping.
func Test_Eval_Infinite_Recursion(t *testing.T) {
	treeErr(t, `let x = x; in x`, "infinite recursion encountered")
	treeErr(t, `let a = b; b = a; in a`, "infinite recursion encountered")
	wantVInt(t, treeRun(t, `let x = { self = x; }; in x.self.self.self.count or 3`), 3)
}
