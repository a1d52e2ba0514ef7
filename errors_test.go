// errors_test.go
package nixsub

import (
	"errors"
	"strings"
	"testing"
)

// --- helpers ---------------------------------------------------------------

func mustContain(t *testing.T, s, sub string) {
	t.Helper()
	if !strings.Contains(s, sub) {
		t.Fatalf("expected output to contain %q\n--- output ---\n%s", sub, s)
	}
}

// --- tests -----------------------------------------------------------------

func Test_Errors_Kinds(t *testing.T) {
	e := &Error{Kind: DiagParse, Msg: "unexpected token ')'", Line: 3, Col: 11}
	if got := e.Error(); got != "PARSE ERROR at 3:12: unexpected token ')'" {
		t.Fatalf("Error() = %q", got)
	}
	if got := (&Error{Kind: DiagLex, Msg: "m", Line: 1}).Error(); !strings.HasPrefix(got, "LEXICAL ERROR") {
		t.Fatalf("lex header: %q", got)
	}
	if got := (&Error{Kind: DiagCompile, Msg: "m", Line: 1}).Error(); !strings.HasPrefix(got, "COMPILE ERROR") {
		t.Fatalf("compile header: %q", got)
	}
}

func Test_Errors_Predicates(t *testing.T) {
	if !IsIncomplete(&Error{Kind: DiagIncomplete}) {
		t.Fatalf("IsIncomplete should accept an incomplete diagnostic")
	}
	if IsIncomplete(&Error{Kind: DiagParse}) || IsIncomplete(errors.New("x")) || IsIncomplete(nil) {
		t.Fatalf("IsIncomplete accepted a non-incomplete error")
	}
	if !IsCompileReject(&Error{Kind: DiagCompile}) {
		t.Fatalf("IsCompileReject should accept a compile diagnostic")
	}
	if IsCompileReject(&Error{Kind: DiagParse}) || IsCompileReject(&EvalError{Msg: "m"}) {
		t.Fatalf("IsCompileReject accepted a non-compile error")
	}
}

func Test_Errors_EvalError_Prefix(t *testing.T) {
	e := &EvalError{Msg: "division by zero"}
	if e.Error() != "evaluation failed: division by zero" {
		t.Fatalf("Error() = %q", e.Error())
	}
}

func Test_Errors_Caret_Snippet(t *testing.T) {
	src := "let x = 1;\nlet ??? = 2;\nin x"
	err := WrapErrorWithName(&Error{Kind: DiagParse, Msg: "boom", Line: 2, Col: 4}, "demo.nix", src)
	msg := err.Error()

	mustContain(t, msg, "PARSE ERROR in demo.nix at 2:5: boom")
	mustContain(t, msg, "   1 | let x = 1;")
	mustContain(t, msg, "   2 | let ??? = 2;")
	mustContain(t, msg, "   3 | in x")
	mustContain(t, msg, "     |     ^")
}

func Test_Errors_Caret_Edges(t *testing.T) {
	// first line: no previous line printed
	msg := WrapErrorWithSource(&Error{Kind: DiagParse, Msg: "m", Line: 1, Col: 0}, "only").Error()
	mustContain(t, msg, "PARSE ERROR at 1:1: m")
	mustContain(t, msg, "   1 | only")
	mustContain(t, msg, "     | ^")
	if strings.Contains(msg, "   0 |") {
		t.Fatalf("no line zero:\n%s", msg)
	}

	// out-of-range coordinates clamp instead of panicking
	msg = WrapErrorWithSource(&Error{Kind: DiagParse, Msg: "m", Line: 99, Col: 0}, "a\nb").Error()
	mustContain(t, msg, "   2 | b")
}

// Wrapping leaves foreign errors alone.
func Test_Errors_Wrap_Passthrough(t *testing.T) {
	plain := errors.New("disk on fire")
	if got := WrapErrorWithSource(plain, "src"); got != plain {
		t.Fatalf("foreign error should pass through, got %v", got)
	}
	ev := &EvalError{Msg: "m"}
	if got := WrapErrorWithName(ev, "n", "src"); got != error(ev) {
		t.Fatalf("evaluation errors carry no position, got %v", got)
	}
}
