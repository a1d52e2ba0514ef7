// runtime_test.go
package nixsub

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- tests -----------------------------------------------------------------

// One session serves both engines: compilable sources reduce on a
// machine, the rest run on the tree, and the caller cannot tell.
func Test_Runtime_Routing(t *testing.T) {
	s := NewSession("")

	v, err := s.EvalSource("<a>", `2 + 3`)
	if err != nil {
		t.Fatal(err)
	}
	wantVInt(t, v, 5)

	v, err = s.EvalSource("<b>", `2.5 + 0.5`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Tag != VTFloat || v.Data.(float64) != 3.0 {
		t.Fatalf("want 3.0, got %v", v)
	}

	v, err = s.EvalSource("<c>", `let k = "n"; in { ${k} = 4; }.n`)
	if err != nil {
		t.Fatal(err)
	}
	wantVInt(t, v, 4)
}

// Sources the structural scan accepts but the emitter cannot place
// still evaluate; the session retries them on the tree.
func Test_Runtime_Late_Reject_Fallback(t *testing.T) {
	src := `let mk = x: { v = x; }; in with mk 1; v`
	if !CanCompile(mustParse(t, src)) {
		t.Fatalf("structural scan should accept the source")
	}
	wantVInt(t, runSession(t, src), 1)

	// and a runtime failure on that path is the tree engine's report
	runSessionErr(t, `let mk = x: { }; in with mk 1; v`, `attribute "v" missing`)
}

func Test_Runtime_Parse_Error_Report(t *testing.T) {
	_, err := NewSession("").EvalSource("<repl>", "let x = (1 + 2\n)) in x")
	if err == nil {
		t.Fatalf("expected a parse error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "PARSE ERROR in <repl> at ") {
		t.Fatalf("want a labeled header, got:\n%s", msg)
	}
	if !strings.Contains(msg, "^") {
		t.Fatalf("want a caret snippet, got:\n%s", msg)
	}
}

func Test_Runtime_Interactive(t *testing.T) {
	s := NewSession("")

	_, err := s.EvalSourceInteractive("<repl>", `let x = 1;`)
	if !IsIncomplete(err) {
		t.Fatalf("dangling let should be incomplete, got %v", err)
	}
	_, err = s.EvalSourceInteractive("<repl>", `1 )`)
	if err == nil || IsIncomplete(err) {
		t.Fatalf("stray paren is a definite error, got %v", err)
	}
	v, err := s.EvalSourceInteractive("<repl>", `let x = 1; in x + 1`)
	if err != nil {
		t.Fatal(err)
	}
	wantVInt(t, v, 2)
}

func Test_Runtime_EvalFile(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "sum.nix", `1 + 2`)
	write(t, dir, "float.nix", `1.5 + 1.5`)
	write(t, dir, "pkg/default.nix", `"from default"`)
	write(t, dir, "sub/f.nix", `import ./g.nix`)
	write(t, dir, "sub/g.nix", `5`)

	s := NewSession(dir)

	v, err := s.EvalFile(filepath.Join(dir, "sum.nix"))
	if err != nil {
		t.Fatal(err)
	}
	wantVInt(t, v, 3)

	v, err = s.EvalFile(filepath.Join(dir, "float.nix"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Tag != VTFloat || v.Data.(float64) != 3.0 {
		t.Fatalf("want 3.0, got %v", v)
	}

	v, err = s.EvalFile(filepath.Join(dir, "pkg"))
	if err != nil {
		t.Fatal(err)
	}
	wantVStr(t, v, "from default")

	// imports inside a file resolve against the file's directory
	v, err = s.EvalFile(filepath.Join(dir, "sub", "f.nix"))
	if err != nil {
		t.Fatal(err)
	}
	wantVInt(t, v, 5)

	if _, err := s.EvalFile(filepath.Join(dir, "gone.nix")); err == nil {
		t.Fatalf("missing file should error")
	}
}

// A file outside the compilable subset lands in the import cache, so a
// later import of the same path reuses its value.
func Test_Runtime_EvalFile_Shares_Import_Cache(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "f.nix", `{ x = 1.5; }`)

	s := NewSession(dir)
	if _, err := s.EvalFile(p); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(p, []byte(`{ x = 9.5; }`), 0o644); err != nil {
		t.Fatal(err)
	}
	v, err := s.EvalSource("<test>", `(import ./f.nix).x`)
	if err != nil {
		t.Fatal(err)
	}
	if v.Tag != VTFloat || v.Data.(float64) != 1.5 {
		t.Fatalf("want the cached 1.5, got %v", v)
	}
}

func Test_Runtime_Check(t *testing.T) {
	s := NewSession("")

	for _, src := range []string{
		`1 + 2`,
		`1.5 + 2.5`,
		`let k = "a"; in { ${k} = 1; }`,
		`with { }; zebra`,
		`let mk = x: { v = x; }; in with mk 1; v`,
	} {
		if err := s.Check("<check>", src); err != nil {
			t.Fatalf("Check(%s) = %v, want nil", src, err)
		}
	}

	err := s.Check("<check>", `zebra`)
	if err == nil || !strings.Contains(err.Error(), `undefined variable "zebra"`) {
		t.Fatalf("want an undefined variable report, got %v", err)
	}
	err = s.Check("<check>", `let x = `)
	if err == nil || !strings.Contains(err.Error(), "PARSE ERROR in <check>") {
		t.Fatalf("want a wrapped parse error, got %v", err)
	}
}

func Test_Runtime_Check_Reports_Cycles(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "a.nix", `import ./b.nix`)
	write(t, dir, "b.nix", `import ./a.nix`)

	err := NewSession(dir).Check("<check>", `import ./a.nix`)
	if err == nil || !strings.Contains(err.Error(), "circular import:") {
		t.Fatalf("want a circular import report, got %v", err)
	}
}
