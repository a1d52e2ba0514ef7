// json.go: the JSON bridge.
//
// fromJSON decodes one strict JSON document into a value, telling
// integers from floats by the lexical shape of the number (json.Number
// keeps the source text, so 64-bit integers survive undamaged).
// toJSON forces a value to its full depth and serializes it; the
// context of every string inside, and every path met on the way, ends
// up on the result string.
package nixsub

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

func decodeJSON(text string) (Value, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, evalErrf("invalid JSON: %s", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, evalErrf("invalid JSON: trailing data after the document")
	}
	return jsonValue(raw)
}

func jsonValue(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null, nil
	case bool:
		return BoolV(x), nil
	case json.Number:
		text := x.String()
		if !strings.ContainsAny(text, ".eE") {
			if n, err := strconv.ParseInt(text, 10, 64); err == nil {
				return IntV(n), nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, evalErrf("invalid JSON: number %s out of range", text)
		}
		return FloatV(f), nil
	case string:
		return strValue(x, nil), nil
	case []any:
		elems := make([]*Thunk, len(x))
		for i, el := range x {
			v, err := jsonValue(el)
			if err != nil {
				return Value{}, err
			}
			elems[i] = Ready(v)
		}
		return Value{Tag: VTList, Data: elems}, nil
	case map[string]any:
		names := make([]string, 0, len(x))
		for k := range x {
			names = append(names, k)
		}
		sort.Strings(names)
		table := make(map[string]*Thunk, len(x))
		for _, k := range names {
			v, err := jsonValue(x[k])
			if err != nil {
				return Value{}, err
			}
			table[k] = Ready(v)
		}
		return Value{Tag: VTAttrs, Data: &AttrsValue{Names: names, Table: table}}, nil
	}
	return Value{}, evalErrf("invalid JSON: unsupported value")
}

// ───────────────────────────── serialization ─────────────────────────────

type jsonEnc struct {
	b   strings.Builder
	ctx []string
}

func (enc *jsonEnc) value(v Value) error {
	switch v.Tag {
	case VTNull:
		enc.b.WriteString("null")

	case VTBool:
		if v.Data.(bool) {
			enc.b.WriteString("true")
		} else {
			enc.b.WriteString("false")
		}

	case VTInt:
		enc.b.WriteString(strconv.FormatInt(v.Data.(int64), 10))

	case VTFloat:
		f := v.Data.(float64)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			enc.b.WriteString("null")
			return nil
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		enc.b.WriteString(s)

	case VTStr:
		sv := v.Data.(*StrValue)
		enc.ctx = append(enc.ctx, sv.Ctx...)
		enc.quote(sv.Text)

	case VTPath:
		text := v.Data.(*PathValue).Text
		enc.ctx = append(enc.ctx, text)
		enc.quote(text)

	case VTList:
		enc.b.WriteByte('[')
		for i, th := range v.Data.([]*Thunk) {
			if i > 0 {
				enc.b.WriteByte(',')
			}
			el, err := th.Force()
			if err != nil {
				return err
			}
			if err := enc.value(el); err != nil {
				return err
			}
		}
		enc.b.WriteByte(']')

	case VTAttrs:
		a := v.Data.(*AttrsValue)
		enc.b.WriteByte('{')
		for i, name := range a.Names {
			if i > 0 {
				enc.b.WriteByte(',')
			}
			enc.quote(name)
			enc.b.WriteByte(':')
			av, err := a.Table[name].Force()
			if err != nil {
				return err
			}
			if err := enc.value(av); err != nil {
				return err
			}
		}
		enc.b.WriteByte('}')

	case VTFunc:
		return evalErrf("cannot convert a function to JSON")

	default:
		return evalErrf("cannot convert %s to JSON", kindName(v))
	}
	return nil
}

func (enc *jsonEnc) quote(s string) {
	b := &enc.b
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

// FormatJSON serializes an evaluated value as one JSON document,
// forcing nested thunks. Works on values from either engine.
func FormatJSON(v Value) (string, error) {
	var enc jsonEnc
	if err := enc.value(v); err != nil {
		return "", err
	}
	return enc.b.String(), nil
}

// ───────────────────────────── builtins ─────────────────────────────

func biFromJSON(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	if v.Tag != VTStr {
		return Value{}, evalErrf("expected a string, got %s", kindName(v))
	}
	return decodeJSON(v.Data.(*StrValue).Text)
}

func biToJSON(ev *evaluator, args []*Thunk) (Value, error) {
	v, err := args[0].Force()
	if err != nil {
		return Value{}, err
	}
	var enc jsonEnc
	if err := enc.value(v); err != nil {
		return Value{}, err
	}
	return strValue(enc.b.String(), mergeCtx(enc.ctx, nil)), nil
}
