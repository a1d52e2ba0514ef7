// compile_test.go
package nixsub

import (
	"strings"
	"testing"
)

// --- helpers ---------------------------------------------------------------

// graphRun compiles src onto a fresh machine and extracts the root value.
// It fails the test when the source falls outside the compilable subset,
// so every case here is known to exercise the graph path.
func graphRun(t *testing.T, src string) Value {
	t.Helper()
	v, err := graphTry(t, src)
	if err != nil {
		t.Fatalf("evaluation error: %v\nsource:\n%s", err, src)
	}
	return v
}

func graphTry(t *testing.T, src string) (Value, error) {
	t.Helper()
	ast := mustParse(t, src)
	if !CanCompile(ast) {
		t.Fatalf("source unexpectedly outside the compilable subset:\n%s", src)
	}
	m := newTestMachine()
	if err := Compile(m, ast, "/base"); err != nil {
		t.Fatalf("compile error: %v\nsource:\n%s", err, src)
	}
	return Extract(m)
}

func graphErr(t *testing.T, src, frag string) {
	t.Helper()
	_, err := graphTry(t, src)
	if err == nil {
		t.Fatalf("expected error containing %q, got none\nsource:\n%s", frag, src)
	}
	if !strings.Contains(err.Error(), frag) {
		t.Fatalf("expected error containing %q, got %v", frag, err)
	}
}

func forceThunk(t *testing.T, th *Thunk) Value {
	t.Helper()
	v, err := th.Force()
	if err != nil {
		t.Fatalf("force error: %v", err)
	}
	return v
}

func elemV(t *testing.T, v Value, i int) Value {
	t.Helper()
	if v.Tag != VTList {
		t.Fatalf("want a list, got %v", v)
	}
	return forceThunk(t, v.Data.([]*Thunk)[i])
}

func attrV(t *testing.T, v Value, name string) Value {
	t.Helper()
	if v.Tag != VTAttrs {
		t.Fatalf("want an attribute set, got %v", v)
	}
	th, ok := v.Data.(*AttrsValue).Get(name)
	if !ok {
		t.Fatalf("attribute %q missing from %v", name, v.Data.(*AttrsValue).Names)
	}
	return forceThunk(t, th)
}

func wantVInt(t *testing.T, v Value, want int64) {
	t.Helper()
	if v.Tag != VTInt || v.Data.(int64) != want {
		t.Fatalf("want %d, got %v", want, v)
	}
}

func wantVBool(t *testing.T, v Value, want bool) {
	t.Helper()
	if v.Tag != VTBool || v.Data.(bool) != want {
		t.Fatalf("want %v, got %v", want, v)
	}
}

func wantVStr(t *testing.T, v Value, want string) {
	t.Helper()
	if v.Tag != VTStr || v.Data.(*StrValue).Text != want {
		t.Fatalf("want %q, got %v", want, v)
	}
}

// --- tests -----------------------------------------------------------------

func Test_Compile_Eligibility(t *testing.T) {
	compilable := []string{
		`1 + 2`,
		`let x = 1; in x`,
		`x: x + 1`,
		`rec { a = 1; b = a; }`,
		`with { a = 1; }; a`,
		`[ 1 2 3 ]`,
		`"x${toString 1}"`,
		`./some/path`,
		`assert true; 1`,
		// bound names shadow the special cases
		`let builtins = 1; in builtins`,
		`let import = 2; in import`,
	}
	for _, src := range compilable {
		if !CanCompile(mustParse(t, src)) {
			t.Fatalf("should be compilable: %s", src)
		}
	}

	rejected := []string{
		`1.5`,
		`1 + 2.0`,
		`{ ${k} = 1; }`,
		`{ "${k}" = 1; }`,
		`a.${k}`,
		`a ? ${k}`,
		`import foo`,
		`builtins.length [ 1 ]`,
		`builtins`,
	}
	for _, src := range rejected {
		if CanCompile(mustParse(t, src)) {
			t.Fatalf("should be rejected: %s", src)
		}
	}
}

// A rejection from Compile must be recognizable, so the session can fall
// back to the tree evaluator instead of reporting it to the user.
func Test_Compile_Reject_Reports(t *testing.T) {
	cases := []struct{ src, msg string }{
		{`1.5`, "floating-point literals cannot be compiled"},
		{`{ ${k} = 1; }`, "dynamic attribute names cannot be compiled"},
		{`a.${k}`, "dynamic attribute paths cannot be compiled"},
		{`import foo`, "dynamic import expression"},
		{`builtins`, "the builtins table is interpreter-only"},
	}
	for _, c := range cases {
		m := newTestMachine()
		err := Compile(m, mustParse(t, c.src), "/base")
		if err == nil || !IsCompileReject(err) {
			t.Fatalf("want a compile rejection for %s, got %v", c.src, err)
		}
		if !strings.Contains(err.Error(), c.msg) {
			t.Fatalf("rejection for %s: want %q, got %v", c.src, c.msg, err)
		}
	}
}

func Test_Compile_Arithmetic(t *testing.T) {
	wantVInt(t, graphRun(t, `1 + 2 * 3`), 7)
	wantVInt(t, graphRun(t, `10 - 3`), 7)
	wantVInt(t, graphRun(t, `7 / 2`), 3)
	wantVInt(t, graphRun(t, `-7 / 2`), -3)
	wantVInt(t, graphRun(t, `-3`), -3)
	wantVInt(t, graphRun(t, `2147483647 + 1`), 2147483648)
	wantVInt(t, graphRun(t, `0 - 2147483649`), -2147483649)
	graphErr(t, `1 / 0`, "division by zero")
	graphErr(t, `1 + "x"`, `cannot add an integer and a string`)
}

func Test_Compile_Comparisons_And_Equality(t *testing.T) {
	wantVBool(t, graphRun(t, `1 < 2`), true)
	wantVBool(t, graphRun(t, `2 <= 1`), false)
	wantVBool(t, graphRun(t, `3 > 2`), true)
	wantVBool(t, graphRun(t, `2 >= 3`), false)
	wantVBool(t, graphRun(t, `"abc" < "abd"`), true)
	wantVBool(t, graphRun(t, `1 == 1`), true)
	wantVBool(t, graphRun(t, `1 != 2`), true)
	wantVBool(t, graphRun(t, `"a" == "a"`), true)
	wantVBool(t, graphRun(t, `[ 1 2 ] == [ 1 2 ]`), true)
	wantVBool(t, graphRun(t, `[ 1 ] == [ 1 2 ]`), false)
	wantVBool(t, graphRun(t, `{ a = 1; } == { a = 1; }`), true)
	wantVBool(t, graphRun(t, `{ a = 1; } == { a = 2; }`), false)
	wantVBool(t, graphRun(t, `null == null`), true)
	wantVBool(t, graphRun(t, `1 == "1"`), false)
	// functions never compare equal, not even to themselves
	wantVBool(t, graphRun(t, `let f = x: x; in f == f`), false)
	graphErr(t, `1 < "a"`, "cannot compare an integer with a string")
}

func Test_Compile_Booleans(t *testing.T) {
	wantVBool(t, graphRun(t, `true && false`), false)
	wantVBool(t, graphRun(t, `false || true`), true)
	wantVBool(t, graphRun(t, `false -> false`), true)
	wantVBool(t, graphRun(t, `true -> false`), false)
	wantVBool(t, graphRun(t, `!false`), true)
	wantVInt(t, graphRun(t, `if true then 1 else 2`), 1)
	wantVInt(t, graphRun(t, `if 1 == 2 then 1 else 2`), 2)

	// short-circuit never touches the second operand
	wantVBool(t, graphRun(t, `false && abort "boom"`), false)
	wantVBool(t, graphRun(t, `true || abort "boom"`), true)

	graphErr(t, `if 1 then 2 else 3`, "expected a boolean condition")
	graphErr(t, `true && 1`, "expected a boolean condition")
	graphErr(t, `1 || true`, "expected a boolean condition")
}

// One binding used three times must still evaluate its body once; the
// duplication chain shares the result.
func Test_Compile_Sharing(t *testing.T) {
	wantVInt(t, graphRun(t, `let x = 1 + 2; in x + x + x`), 9)
	wantVInt(t, graphRun(t, `let f = a: a + 1; in f (f (f 0))`), 3)
	wantVInt(t, graphRun(t, `let x = 5; y = x + x; in y + y`), 20)
}

func Test_Compile_Laziness(t *testing.T) {
	// unused bindings and arguments never run
	wantVInt(t, graphRun(t, `let boom = abort "nope"; in 1`), 1)
	wantVInt(t, graphRun(t, `(x: 1) (abort "nope")`), 1)
	wantVInt(t, graphRun(t, `if true then 1 else abort "nope"`), 1)

	// a list arrives with its skeleton concrete and its elements lazy
	v := graphRun(t, `[ 1 (abort "nope") 3 ]`)
	wantVInt(t, elemV(t, v, 0), 1)
	wantVInt(t, elemV(t, v, 2), 3)
	if _, err := v.Data.([]*Thunk)[1].Force(); err == nil {
		t.Fatalf("forcing the failing element should error")
	}
}

func Test_Compile_Attrs(t *testing.T) {
	wantVInt(t, graphRun(t, `{ a = 1; b = 2; }.a`), 1)
	wantVInt(t, graphRun(t, `{ a.b.c = 1; }.a.b.c`), 1)
	wantVInt(t, graphRun(t, `{ a = 1; }.missing or 5`), 5)
	wantVInt(t, graphRun(t, `{ a.b = 1; }.a.c or 5`), 5)
	wantVBool(t, graphRun(t, `{ a = 1; } ? a`), true)
	wantVBool(t, graphRun(t, `{ a = 1; } ? b`), false)
	wantVBool(t, graphRun(t, `{ a.b = 1; } ? a.b`), true)
	wantVBool(t, graphRun(t, `{ a = 1; } ? a.b`), false)

	wantVInt(t, graphRun(t, `({ a = 1; } // { a = 2; b = 3; }).a`), 2)
	wantVInt(t, graphRun(t, `({ a = 1; } // { b = 3; }).a`), 1)

	v := graphRun(t, `attrNames { b = 1; a = 2; }`)
	wantVStr(t, elemV(t, v, 0), "a")
	wantVStr(t, elemV(t, v, 1), "b")

	graphErr(t, `{ a = 1; }.b`, `attribute "b" missing`)
	graphErr(t, `(1).a`, "expected an attribute set, got an integer")
}

func Test_Compile_Lists(t *testing.T) {
	v := graphRun(t, `[ 1 2 ] ++ [ 3 ]`)
	wantVInt(t, elemV(t, v, 0), 1)
	wantVInt(t, elemV(t, v, 2), 3)
	if n := len(v.Data.([]*Thunk)); n != 3 {
		t.Fatalf("concat length: want 3, got %d", n)
	}
	wantVInt(t, graphRun(t, `length [ 1 2 3 ]`), 3)
	wantVInt(t, graphRun(t, `length ([ 1 ] ++ [ 2 ])`), 2)
	wantVInt(t, graphRun(t, `elemAt [ 10 20 30 ] 1`), 20)

	// length reads the cached count, so a failing element is no obstacle
	wantVInt(t, graphRun(t, `length [ (abort "nope") ]`), 1)

	graphErr(t, `elemAt [ 1 ] 5`, "list index 5 is out of bounds")
	graphErr(t, `elemAt [ 1 ] (0 - 1)`, "list index -1 is out of bounds")
	graphErr(t, `length 1`, "expected a list, got an integer")
	graphErr(t, `[ 1 ] ++ 2`, "expected a list, got an integer")
}

func Test_Compile_Strings(t *testing.T) {
	wantVStr(t, graphRun(t, `"a" + "b"`), "ab")
	wantVStr(t, graphRun(t, `"x${"y"}z"`), "xyz")
	wantVStr(t, graphRun(t, `"n=${toString (6 * 7)}"`), "n=42")
	wantVStr(t, graphRun(t, `toString 42`), "42")
	wantVStr(t, graphRun(t, `toString true`), "1")
	wantVStr(t, graphRun(t, `toString null`), "")

	graphErr(t, `"x${1}"`, "cannot coerce an integer to a string inside interpolation")
	graphErr(t, `"a" + 1`, "cannot add a string and an integer")
}

// Interpolating a path yields its resolved text and records the path in
// the string's context.
func Test_Compile_Path_Context(t *testing.T) {
	v := graphRun(t, `"${./f.nix}"`)
	wantVStr(t, v, "/base/f.nix")
	ctx := v.Data.(*StrValue).Ctx
	if len(ctx) != 1 || ctx[0] != "/base/f.nix" {
		t.Fatalf("context: want [/base/f.nix], got %v", ctx)
	}

	// context survives concatenation
	v = graphRun(t, `"pre-" + "${./f.nix}" + "-post"`)
	wantVStr(t, v, "pre-/base/f.nix-post")
	if ctx := v.Data.(*StrValue).Ctx; len(ctx) != 1 {
		t.Fatalf("context lost in concatenation: %v", ctx)
	}
}

func Test_Compile_Patterns(t *testing.T) {
	wantVInt(t, graphRun(t, `({ a, b }: a + b) { a = 1; b = 2; }`), 3)
	wantVInt(t, graphRun(t, `({ a, b ? a + 1 }: b) { a = 1; }`), 2)
	wantVInt(t, graphRun(t, `({ a, b ? a + 1 }: b) { a = 1; b = 9; }`), 9)
	wantVInt(t, graphRun(t, `({ a, ... }: a) { a = 1; b = 2; }`), 1)
	wantVInt(t, graphRun(t, `({ a } @ args: args.a) { a = 5; }`), 5)
	wantVInt(t, graphRun(t, `(args @ { a ? 7 }: args.a or a) { }`), 7)

	graphErr(t, `({ a }: a) { }`, `function called without required argument "a"`)
	graphErr(t, `({ a }: a) { a = 1; b = 2; }`, `function called with unexpected argument "b"`)
	graphErr(t, `({ a }: a) 1`, "expected an attribute set argument, got an integer")
}

func Test_Compile_Recursion(t *testing.T) {
	wantVInt(t, graphRun(t, `rec { a = 1; b = a + 1; }.b`), 2)
	wantVInt(t, graphRun(t, `let xs = rec { a = 1; b = a + 1; c = b + 1; }; in xs.c`), 3)
	wantVInt(t, graphRun(t, `
		let fac = n: if n == 0 then 1 else n * fac (n - 1);
		in fac 6
	`), 720)
	wantVBool(t, graphRun(t, `
		let even = n: if n == 0 then true else odd (n - 1);
		    odd = n: if n == 0 then false else even (n - 1);
		in even 10
	`), true)
	wantVInt(t, graphRun(t, `
		let fib = n: if n < 2 then n else fib (n - 1) + fib (n - 2);
		in fib 12
	`), 144)
}

// The slet chain and the fixed point must agree on every group the
// desugarer could route either way.
func Test_Compile_ForceFix_Agrees(t *testing.T) {
	sources := []string{
		`let a = 1; b = a + 1; in b`,
		`let a = 1; b = a + a; c = b * b; in c`,
		`rec { a = 1; b = a + 1; }.b`,
		`let f = x: x + 1; g = y: f (f y); in g 0`,
	}
	for _, src := range sources {
		ast := mustParse(t, src)

		plain := newTestMachine()
		if err := Compile(plain, ast, "/base"); err != nil {
			t.Fatalf("compile: %v\nsource:\n%s", err, src)
		}
		pv, err := Extract(plain)
		if err != nil {
			t.Fatalf("extract: %v\nsource:\n%s", err, src)
		}

		fixed := newTestMachine()
		if err := compileUnit(fixed, mustParse(t, src), "/base", true); err != nil {
			t.Fatalf("forced-fix compile: %v\nsource:\n%s", err, src)
		}
		fv, err := Extract(fixed)
		if err != nil {
			t.Fatalf("forced-fix extract: %v\nsource:\n%s", err, src)
		}

		if pv.Tag != VTInt || fv.Tag != VTInt || pv.Data.(int64) != fv.Data.(int64) {
			t.Fatalf("strategies disagree on %s: %v vs %v", src, pv, fv)
		}
	}
}

func Test_Compile_Abort_Throw_Seq(t *testing.T) {
	graphErr(t, `abort "stop here"`, "stop here")
	graphErr(t, `throw "not today"`, "not today")
	graphErr(t, `abort 1`, "expected a string message, got an integer")
	graphErr(t, `seq (abort "early") 2`, "early")
	wantVInt(t, graphRun(t, `seq 1 2`), 2)

	graphErr(t, `assert 1 == 2; 5`, "assertion failed")
	wantVInt(t, graphRun(t, `assert 1 == 1; 5`), 5)
	graphErr(t, `assert 1; 5`, "expected a boolean assertion condition, got an integer")
}

func Test_Compile_With_Basics(t *testing.T) {
	wantVInt(t, graphRun(t, `with { a = 1; }; a`), 1)
	wantVInt(t, graphRun(t, `with { a = 1; b = 2; }; a + b`), 3)
	// an inner with takes the name away from enclosing bindings
	wantVInt(t, graphRun(t, `let a = 5; in with { a = 1; }; a`), 1)
	// a known shape that lacks the name is skipped at compile time
	wantVInt(t, graphRun(t, `let a = 5; in with { b = 1; }; a`), 5)
	// a bad subject only matters once a lookup actually probes it
	graphErr(t, `let a = 5; in with 1; a`,
		"with subject is an integer while an attribute set was expected")
}
