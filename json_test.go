// json_test.go
package nixsub

import (
	"math"
	"strings"
	"testing"
)

// --- helpers ---------------------------------------------------------------

func decodeOK(t *testing.T, text string) Value {
	t.Helper()
	v, err := decodeJSON(text)
	if err != nil {
		t.Fatalf("decodeJSON(%q): %v", text, err)
	}
	return v
}

func wantJSON(t *testing.T, v Value, want string) {
	t.Helper()
	got, err := FormatJSON(v)
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	if got != want {
		t.Fatalf("FormatJSON = %s, want %s", got, want)
	}
}

// --- tests -----------------------------------------------------------------

// The lexical shape of a number decides its type: a bare integer maps
// to an int, anything with a point or exponent to a float.
func Test_JSON_Decode_Numbers(t *testing.T) {
	wantVInt(t, decodeOK(t, `1`), 1)
	wantVInt(t, decodeOK(t, `-5`), -5)
	wantVInt(t, decodeOK(t, `9223372036854775807`), math.MaxInt64)

	v := decodeOK(t, `1.0`)
	if v.Tag != VTFloat || v.Data.(float64) != 1.0 {
		t.Fatalf("1.0 should decode as a float, got %v", v)
	}
	v = decodeOK(t, `1e2`)
	if v.Tag != VTFloat || v.Data.(float64) != 100 {
		t.Fatalf("1e2 should decode as a float, got %v", v)
	}

	// an integer too wide for int64 degrades to a float
	v = decodeOK(t, `9223372036854775808`)
	if v.Tag != VTFloat {
		t.Fatalf("overflowing integer should degrade to a float, got %v", v)
	}

	if _, err := decodeJSON(`1e999`); err == nil ||
		!strings.Contains(err.Error(), "number 1e999 out of range") {
		t.Fatalf("want an out-of-range report, got %v", err)
	}
}

func Test_JSON_Decode_Structures(t *testing.T) {
	v := decodeOK(t, `{"b": 1, "a": {"c": [true, null, "x"]}}`)
	a := v.Data.(*AttrsValue)
	if len(a.Names) != 2 || a.Names[0] != "a" || a.Names[1] != "b" {
		t.Fatalf("keys should come out sorted, got %v", a.Names)
	}
	inner := attrV(t, v, "a")
	list := attrV(t, inner, "c")
	wantVBool(t, elemV(t, list, 0), true)
	if elemV(t, list, 1).Tag != VTNull {
		t.Fatalf("want null")
	}
	wantVStr(t, elemV(t, list, 2), "x")

	wantVStr(t, decodeOK(t, `"café"`), "café")

	if n := decodeOK(t, `[]`); len(n.Data.([]*Thunk)) != 0 {
		t.Fatalf("want an empty list")
	}
	if n := decodeOK(t, `{}`); len(n.Data.(*AttrsValue).Names) != 0 {
		t.Fatalf("want an empty set")
	}
}

// One document, nothing else.
func Test_JSON_Decode_Strict(t *testing.T) {
	for _, text := range []string{`{`, `[1,]`, `{"a":}`, `nul`, ``, `'x'`} {
		if _, err := decodeJSON(text); err == nil ||
			!strings.Contains(err.Error(), "invalid JSON") {
			t.Fatalf("decodeJSON(%q) should fail with an invalid JSON report, got %v", text, err)
		}
	}
	if _, err := decodeJSON(`1 2`); err == nil ||
		!strings.Contains(err.Error(), "trailing data after the document") {
		t.Fatalf("want a trailing data report, got %v", err)
	}
}

func Test_JSON_Encode(t *testing.T) {
	wantJSON(t, Null, `null`)
	wantJSON(t, BoolV(true), `true`)
	wantJSON(t, IntV(-7), `-7`)
	wantJSON(t, FloatV(1.5), `1.5`)
	wantJSON(t, FloatV(2), `2.0`)
	wantJSON(t, FloatV(math.NaN()), `null`)
	wantJSON(t, FloatV(math.Inf(1)), `null`)
	wantJSON(t, StrV("a\"b\\c\nd"), `"a\"b\\c\nd"`)
	wantJSON(t, StrV("bell\x07"), `"bell\u0007"`)

	wantJSON(t, runSession(t, `{ b = 1; a = [ true null ]; }`), `{"a":[true,null],"b":1}`)
	wantJSON(t, runSession(t, `[ [ ] { } ]`), `[[],{}]`)

	if _, err := FormatJSON(runSession(t, `x: x`)); err == nil ||
		!strings.Contains(err.Error(), "cannot convert a function to JSON") {
		t.Fatalf("functions have no JSON form, got %v", err)
	}
}

// Serializing drags every context id in the structure onto the result.
func Test_JSON_Encode_Context(t *testing.T) {
	dir := t.TempDir()
	v := evalIn(t, dir, `builtins.toJSON { p = ./f.nix; s = "${./g.nix}"; }`)
	sv := v.Data.(*StrValue)

	fp := dir + "/f.nix"
	gp := dir + "/g.nix"
	if sv.Text != `{"p":"`+fp+`","s":"`+gp+`"}` {
		t.Fatalf("serialized text = %s", sv.Text)
	}
	have := map[string]bool{}
	for _, c := range sv.Ctx {
		have[c] = true
	}
	if !have[fp] || !have[gp] {
		t.Fatalf("context should carry both paths, got %v", sv.Ctx)
	}
}

func Test_JSON_Encode_Forces(t *testing.T) {
	if _, err := FormatJSON(treeRun(t, `[ 1 (1 / 0) ]`)); err == nil ||
		!strings.Contains(err.Error(), "division by zero") {
		t.Fatalf("a failing slot should abort serialization, got %v", err)
	}
}
