// derive_test.go
package nixsub

import (
	"strings"
	"testing"
)

// --- tests -----------------------------------------------------------------

func Test_Derive_Shape_Probe(t *testing.T) {
	if !IsDerivationLike(runSession(t, `{ name = "x"; builder = "/bin/sh"; }`)) {
		t.Fatalf("name+builder is derivation-shaped")
	}
	if IsDerivationLike(runSession(t, `{ name = "x"; }`)) {
		t.Fatalf("builder is required")
	}
	if IsDerivationLike(runSession(t, `{ builder = "/bin/sh"; }`)) {
		t.Fatalf("name is required")
	}
	if IsDerivationLike(IntV(1)) {
		t.Fatalf("only attribute sets qualify")
	}
	// the probe must not force anything
	if !IsDerivationLike(runSession(t, `{ name = abort "n"; builder = abort "b"; }`)) {
		t.Fatalf("shape check should not force the values")
	}
}

func Test_Derive_Extract(t *testing.T) {
	dir := t.TempDir()
	v := evalIn(t, dir, `{
	  name = "hello-1.0";
	  builder = "${./build.sh}";
	  args = [ "-c" "make" 2 ];
	  system = "x86_64-linux";
	  enable = true;
	  debug = false;
	  opt = null;
	  flags = [ "a" "b" ];
	  jobs = 4;
	}`)

	rec, err := ExtractDerivation(v)
	if err != nil {
		t.Fatal(err)
	}
	builder := dir + "/build.sh"
	if rec.Name != "hello-1.0" || rec.Builder != builder {
		t.Fatalf("name/builder: %q %q", rec.Name, rec.Builder)
	}
	if len(rec.Args) != 3 || rec.Args[0] != "-c" || rec.Args[1] != "make" || rec.Args[2] != "2" {
		t.Fatalf("args: %v", rec.Args)
	}

	wantEnv := map[string]string{
		"name":    "hello-1.0",
		"builder": builder,
		"system":  "x86_64-linux",
		"enable":  "1",
		"debug":   "",
		"opt":     "",
		"flags":   "a b",
		"jobs":    "4",
	}
	for k, want := range wantEnv {
		if got, ok := rec.Env[k]; !ok || got != want {
			t.Fatalf("env[%s] = %q (present %v), want %q", k, got, ok, want)
		}
	}
	if _, ok := rec.Env["args"]; ok {
		t.Fatalf("args must not leak into the environment")
	}

	if len(rec.Inputs) != 1 || rec.Inputs[0] != builder {
		t.Fatalf("inputs should carry the builder's context, got %v", rec.Inputs)
	}
}

// Context reaches the input set from any attribute, args included.
func Test_Derive_Inputs_Merge(t *testing.T) {
	dir := t.TempDir()
	v := evalIn(t, dir, `{
	  name = "n";
	  builder = "${./b.sh}";
	  args = [ "${./patch.diff}" ];
	  src = ./src.tar;
	}`)

	rec, err := ExtractDerivation(v)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		dir + "/b.sh":       true,
		dir + "/patch.diff": true,
		dir + "/src.tar":    true,
	}
	if len(rec.Inputs) != len(want) {
		t.Fatalf("inputs: %v", rec.Inputs)
	}
	for _, in := range rec.Inputs {
		if !want[in] {
			t.Fatalf("unexpected input %q in %v", in, rec.Inputs)
		}
	}
}

func Test_Derive_Extract_Errors(t *testing.T) {
	cases := []struct{ src, frag string }{
		{`{ builder = "/bin/sh"; }`, `attribute "name" missing`},
		{`{ name = "x"; }`, `attribute "builder" missing`},
		{`{ name = "x"; builder = "/bin/sh"; args = "nope"; }`, "expected a list, got a string"},
		{`{ name = "x"; builder = "/bin/sh"; extra = { }; }`,
			"cannot coerce an attribute set to a string"},
		{`{ name = "x"; builder = "/bin/sh"; bad = abort "boom"; }`, "boom"},
	}
	for _, c := range cases {
		_, err := ExtractDerivation(runSession(t, c.src))
		if err == nil || !strings.Contains(err.Error(), c.frag) {
			t.Fatalf("ExtractDerivation(%s): want error containing %q, got %v", c.src, c.frag, err)
		}
	}

	if _, err := ExtractDerivation(StrV("x")); err == nil ||
		!strings.Contains(err.Error(), "expected an attribute set, got a string") {
		t.Fatalf("non-set input: %v", err)
	}
}

// Values reduced on the graph flatten the same way.
func Test_Derive_From_Graph_Values(t *testing.T) {
	src := `{ name = "g" + toString 1; builder = toString /bin/sh; jobs = 2 * 2; }`
	if !CanCompile(mustParse(t, src)) {
		t.Fatalf("source should be compilable")
	}
	rec, err := ExtractDerivation(graphRun(t, src))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Name != "g1" || rec.Builder != "/bin/sh" || rec.Env["jobs"] != "4" {
		t.Fatalf("record: %+v", rec)
	}
	if len(rec.Inputs) != 1 || rec.Inputs[0] != "/bin/sh" {
		t.Fatalf("toString on a path should leave its context, got %v", rec.Inputs)
	}
}
