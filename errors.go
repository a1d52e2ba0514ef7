// errors.go: diagnostic types and caret-snippet rendering
//
// Every front-end failure (lexing, parsing, compilability analysis) is
// reported as an *Error carrying a Kind and 1-based source coordinates.
// `WrapErrorWithSource` turns one into a readable multi-line snippet with
// a caret pointing at the offending column:
//
//	PARSE ERROR at 3:12: unexpected token ')'
//
//	   2 | let x = (1 + 2
//	   3 |              )
//	     |            ^
//	   4 | in x
//
// Evaluation failures are a separate channel: inside the graph they travel
// as error values, and they only become a Go error (*EvalError, no source
// position) at the extraction boundary.
package nixsub

import (
	"fmt"
	"strings"
)

/* ===========================
   PUBLIC API
   =========================== */

// DiagKind classifies front-end diagnostics.
type DiagKind int

const (
	DiagLex DiagKind = iota
	DiagParse
	// DiagIncomplete marks a parse that failed only because input ended
	// mid-construct. The REPL uses it to keep reading lines.
	DiagIncomplete
	// DiagCompile marks an expression the graph compiler rejects
	// (dynamic import path, dynamic attribute key, float arithmetic, ...).
	// Callers fall back to the tree evaluator on it.
	DiagCompile
)

// Error is a positioned front-end diagnostic. Line is 1-based; Col is
// 0-based as produced by the lexer and rendered 1-based.
type Error struct {
	Kind DiagKind
	Msg  string
	Line int
	Col  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %d:%d: %s", e.Kind.header(), e.Line, e.Col+1, e.Msg)
}

// IsIncomplete reports whether err is a parse diagnostic caused by input
// ending mid-construct.
func IsIncomplete(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == DiagIncomplete
}

// IsCompileReject reports whether err marks an expression outside the
// compilable subset (as opposed to a malformed one).
func IsCompileReject(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == DiagCompile
}

// EvalError is an evaluation failure surfaced at the extraction boundary.
// It has a message but no source position; positions do not survive
// graph compilation.
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string { return "evaluation failed: " + e.Msg }

// WrapErrorWithSource returns err augmented with a caret-annotated snippet
// of the provided source. Diagnostics without a position (and foreign
// errors) are returned unchanged.
func WrapErrorWithSource(err error, src string) error {
	return WrapErrorWithName(err, "", src)
}

// WrapErrorWithName is WrapErrorWithSource with a source name ("in <name>")
// included in the header when non-empty.
func WrapErrorWithName(err error, srcName string, src string) error {
	e, ok := err.(*Error)
	if !ok {
		return err
	}
	// Lexer/parser Col is 0-based; render as 1-based.
	return fmt.Errorf("%s", prettyErrorStringLabeled(src, e.Kind.header(), srcName, e.Line, e.Col+1, e.Msg))
}

//// END_OF_PUBLIC

/* ===========================
   PRIVATE: rendering
   =========================== */

func (k DiagKind) header() string {
	switch k {
	case DiagLex:
		return "LEXICAL ERROR"
	case DiagParse, DiagIncomplete:
		return "PARSE ERROR"
	case DiagCompile:
		return "COMPILE ERROR"
	}
	return "ERROR"
}

// prettyErrorStringLabeled builds a Python-like snippet with a header and a
// caret. It shows at most one previous and one next line when available.
// Coordinates are treated as 1-based and clamped to the source bounds.
func prettyErrorStringLabeled(src, header, name string, line, col int, msg string) string {
	lines := strings.Split(src, "\n")
	if line < 1 {
		line = 1
	}
	if col < 1 {
		col = 1
	}
	if len(lines) == 0 {
		lines = []string{""}
	}
	if line > len(lines) {
		line = len(lines)
	}
	lineTxt := lines[line-1]

	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "%s in %s at %d:%d: %s\n\n", header, name, line, col, msg)
	} else {
		fmt.Fprintf(&b, "%s at %d:%d: %s\n\n", header, line, col, msg)
	}
	if line > 1 {
		fmt.Fprintf(&b, "%4d | %s\n", line-1, lines[line-2])
	}
	fmt.Fprintf(&b, "%4d | %s\n", line, lineTxt)
	caretPad := col - 1
	if caretPad < 0 {
		caretPad = 0
	}
	fmt.Fprintf(&b, "     | %s^\n", strings.Repeat(" ", caretPad))
	if line < len(lines) {
		fmt.Fprintf(&b, "%4d | %s\n", line+1, lines[line])
	}
	return b.String()
}
