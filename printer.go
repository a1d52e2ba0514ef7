// printer.go: value and term formatters.
//
// FormatValue renders an evaluated value back in source syntax for the
// REPL and the CLI, forcing thunks as it descends; a failure inside a
// structure renders inline instead of aborting the whole print. Small
// lists and attribute sets stay on one line, larger ones indent.
// FormatExpr prints parse trees and FormatTerm prints live graph
// terms, both for debugging and tests.
package nixsub

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

/* ---------- globals & tiny helpers ---------- */

var EnableColor = false // REPL-only; tests can leave this false
var MaxInlineWidth = 80 // width threshold for one-line lists/attrs

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorBlue  = "\033[34m"
)

func colorize(s, c string) string {
	if !EnableColor {
		return s
	}
	return c + s + colorReset
}

func blue(s string) string { return colorize(s, colorBlue) }

// FormatError renders an error message for terminal display.
func FormatError(err error) string {
	return colorize(err.Error(), colorRed)
}

// vtBroken marks a slot whose thunk failed to force; the message
// prints in place of the value. Never escapes the printer.
const vtBroken ValueTag = 0xFF

// isIdent reports whether a key can print without quotes. Identifiers
// start with a letter or underscore and continue with letters, digits,
// underscores, dashes, or apostrophes.
func isIdent(s string) bool {
	if s == "" {
		return false
	}
	rs := []rune(s)
	if !(unicode.IsLetter(rs[0]) || rs[0] == '_') {
		return false
	}
	for _, r := range rs[1:] {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '\'') {
			return false
		}
	}
	return true
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '$':
			if i+1 < len(s) && s[i+1] == '{' {
				b.WriteString(`\${`)
				i++
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

/* ---------- small writer with indentation ---------- */

type out struct {
	b     *strings.Builder
	depth int
}

func (o *out) write(s string) { o.b.WriteString(s) }
func (o *out) nl()            { o.b.WriteByte('\n') }
func (o *out) pad() {
	for i := 0; i < o.depth; i++ {
		o.b.WriteString("  ")
	}
}
func (o *out) blue(s string)        { o.b.WriteString(blue(s)) }
func (o *out) withIndent(fn func()) { o.depth++; fn(); o.depth-- }

/* ---------- value printer ---------- */

// FormatValue returns a source-syntax rendering of a value, forcing
// nested thunks. Colors obey EnableColor.
func FormatValue(v Value) string {
	var b strings.Builder
	o := out{b: &b}
	writeValue(&o, v)
	return b.String()
}

// inline renders a value with no indentation context, for the one-line
// width check.
func inline(v Value) string {
	var b strings.Builder
	o := out{b: &b}
	writeValue(&o, v)
	s := b.String()
	if strings.Contains(s, "\n") {
		return ""
	}
	return s
}

func forced(th *Thunk) Value {
	v, err := th.Force()
	if err != nil {
		msg := err.Error()
		if ee, ok := err.(*EvalError); ok {
			msg = ee.Msg
		}
		return Value{Tag: vtBroken, Data: msg}
	}
	return v
}

func writeValue(o *out, v Value) {
	switch v.Tag {
	case VTNull:
		o.blue("null")

	case VTBool:
		if v.Data.(bool) {
			o.blue("true")
		} else {
			o.blue("false")
		}

	case VTInt:
		o.blue(strconv.FormatInt(v.Data.(int64), 10))

	case VTFloat:
		s := strconv.FormatFloat(v.Data.(float64), 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		o.blue(s)

	case VTStr:
		o.blue(quoteString(v.Data.(*StrValue).Text))

	case VTPath:
		o.blue(v.Data.(*PathValue).Text)

	case VTList:
		elems := v.Data.([]*Thunk)
		if len(elems) == 0 {
			o.blue("[ ]")
			return
		}
		if oneline := listOneLine(elems); oneline != "" && len(oneline) <= MaxInlineWidth {
			o.blue(oneline)
			return
		}
		o.blue("[")
		o.nl()
		o.withIndent(func() {
			for _, th := range elems {
				o.pad()
				writeValue(o, forced(th))
				o.nl()
			}
		})
		o.pad()
		o.blue("]")

	case VTAttrs:
		a := v.Data.(*AttrsValue)
		if len(a.Names) == 0 {
			o.blue("{ }")
			return
		}
		if oneline := attrsOneLine(a); oneline != "" && len(oneline) <= MaxInlineWidth {
			o.blue(oneline)
			return
		}
		o.blue("{")
		o.nl()
		o.withIndent(func() {
			for _, name := range a.Names {
				o.pad()
				o.blue(attrKeyString(name) + " = ")
				writeValue(o, forced(a.Table[name]))
				o.blue(";")
				o.nl()
			}
		})
		o.pad()
		o.blue("}")

	case VTFunc:
		if fn, ok := v.Data.(*builtinFn); ok {
			o.blue("<PRIMOP " + fn.name + ">")
		} else {
			o.blue("<LAMBDA>")
		}

	case vtBroken:
		o.blue("<ERROR: " + v.Data.(string) + ">")

	default:
		o.blue("<VALUE>")
	}
}

func attrKeyString(name string) string {
	if isIdent(name) {
		return name
	}
	return quoteString(name)
}

func listOneLine(elems []*Thunk) string {
	parts := make([]string, 0, len(elems))
	for _, th := range elems {
		s := inline(forced(th))
		if s == "" {
			return ""
		}
		parts = append(parts, s)
	}
	return "[ " + strings.Join(parts, " ") + " ]"
}

func attrsOneLine(a *AttrsValue) string {
	parts := make([]string, 0, len(a.Names))
	for _, name := range a.Names {
		s := inline(forced(a.Table[name]))
		if s == "" {
			return ""
		}
		parts = append(parts, attrKeyString(name)+" = "+s+";")
	}
	return "{ " + strings.Join(parts, " ") + " }"
}

/* ---------- parse-tree printer ---------- */

// FormatExpr renders a parse tree as one s-expression line: the head of
// each node prints bare, strings in other positions print quoted.
// Parser tests compare against these strings.
func FormatExpr(n S) string {
	var b strings.Builder
	writeNode(&b, n)
	return b.String()
}

func writeNode(b *strings.Builder, v any) {
	switch x := v.(type) {
	case S:
		b.WriteByte('(')
		for i, k := range x {
			if i > 0 {
				b.WriteByte(' ')
			}
			if i == 0 {
				if s, ok := k.(string); ok {
					b.WriteString(s)
					continue
				}
			}
			writeNode(b, k)
		}
		b.WriteByte(')')
	case string:
		b.WriteString(strconv.Quote(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case nil:
		b.WriteByte('_')
	default:
		fmt.Fprintf(b, "%v", x)
	}
}

/* ---------- graph-term printer ---------- */

// FormatTerm renders the term rooted at a heap slot without reducing
// anything, to a small depth. Debugging aid.
func FormatTerm(m *Machine, slot uint32) string {
	var b strings.Builder
	writeTerm(&b, m, m.H.At(slot), 4)
	return b.String()
}

func writeTerm(b *strings.Builder, m *Machine, p Ptr, depth int) {
	if depth == 0 {
		b.WriteString("…")
		return
	}
	switch p.Tag() {
	case tNUM:
		fmt.Fprintf(b, "#%d", p.Val())
	case tVAR, tDP0, tDP1:
		fmt.Fprintf(b, "%s@%d", p.Tag(), p.Loc())
	case tERA:
		b.WriteString("*")
	case tCTR:
		name := "?"
		if int(p.Ext()) < len(ctrNames) {
			name = ctrNames[p.Ext()]
		}
		b.WriteString(name)
		writeTermArgs(b, m, p, depth)
	case tOPR:
		name := "?"
		if int(p.Ext()) < len(oprNames) {
			name = oprNames[p.Ext()]
		}
		b.WriteString("$" + name)
		writeTermArgs(b, m, p, depth)
	default:
		b.WriteString(strings.ToUpper(p.Tag().String()))
		writeTermArgs(b, m, p, depth)
	}
}

func writeTermArgs(b *strings.Builder, m *Machine, p Ptr, depth int) {
	n := int(p.Ari())
	if n == 0 {
		return
	}
	b.WriteByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		writeTerm(b, m, m.H.At(p.Loc()+uint32(i)), depth-1)
	}
	b.WriteByte(')')
}
