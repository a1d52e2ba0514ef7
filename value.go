// value.go: host-level values.
//
// A Value is what evaluation hands back to the embedding program: the
// graph extractor and the tree evaluator both produce them. Composite
// payloads carry *Thunk slots, so a list or attribute set arrives with
// its skeleton concrete (length, key set) and its elements still lazy.
package nixsub

import (
	"fmt"
	"strconv"
)

// ValueTag discriminates the host variants.
type ValueTag int

const (
	VTNull ValueTag = iota
	VTBool
	VTInt
	VTFloat // tree evaluator only; the graph has no float encoding
	VTStr
	VTPath
	VTList
	VTAttrs
	VTFunc
)

// Value is one host value.
//
// Payloads by tag:
//   - VTNull: nil
//   - VTBool: bool
//   - VTInt: int64
//   - VTFloat: float64
//   - VTStr: *StrValue
//   - VTPath: *PathValue
//   - VTList: []*Thunk
//   - VTAttrs: *AttrsValue
//   - VTFunc: engine-specific function payload
type Value struct {
	Tag  ValueTag
	Data any
}

var Null = Value{Tag: VTNull}

func BoolV(b bool) Value    { return Value{Tag: VTBool, Data: b} }
func IntV(n int64) Value    { return Value{Tag: VTInt, Data: n} }
func FloatV(f float64) Value { return Value{Tag: VTFloat, Data: f} }

// StrValue is a string plus the set of path identities its text was
// built from. The context rides along through concatenation and
// interpolation; equality ignores it.
type StrValue struct {
	Text string
	Ctx  []string
}

func StrV(text string) Value { return Value{Tag: VTStr, Data: &StrValue{Text: text}} }

// PathValue is an already-resolved absolute path.
type PathValue struct {
	Text string
}

func PathV(text string) Value { return Value{Tag: VTPath, Data: &PathValue{Text: text}} }

// AttrsValue is an attribute set: Names sorted, values lazy.
type AttrsValue struct {
	Names []string
	Table map[string]*Thunk
}

// Get returns the named attribute's slot and whether it exists.
func (a *AttrsValue) Get(name string) (*Thunk, bool) {
	t, ok := a.Table[name]
	return t, ok
}

// Thunk is a not-yet-forced value slot. Force memoizes the outcome,
// errors included, and reports a cycle when a slot ends up forcing
// itself.
type Thunk struct {
	val  Value
	err  error
	done bool
	busy bool
	run  func() (Value, error)
}

// Ready wraps an already-computed value.
func Ready(v Value) *Thunk { return &Thunk{val: v, done: true} }

// Defer wraps a computation to run on first Force.
func Defer(run func() (Value, error)) *Thunk { return &Thunk{run: run} }

func (t *Thunk) Force() (Value, error) {
	if t.done {
		return t.val, t.err
	}
	if t.busy {
		return Value{}, &EvalError{Msg: "infinite recursion encountered"}
	}
	t.busy = true
	t.val, t.err = t.run()
	t.busy = false
	t.done = true
	t.run = nil
	return t.val, t.err
}

// String renders a shallow debug representation; nothing is forced.
func (v Value) String() string {
	switch v.Tag {
	case VTNull:
		return "null"
	case VTBool:
		return strconv.FormatBool(v.Data.(bool))
	case VTInt:
		return strconv.FormatInt(v.Data.(int64), 10)
	case VTFloat:
		return strconv.FormatFloat(v.Data.(float64), 'g', -1, 64)
	case VTStr:
		return fmt.Sprintf("%q", v.Data.(*StrValue).Text)
	case VTPath:
		return v.Data.(*PathValue).Text
	case VTList:
		return fmt.Sprintf("<list len=%d>", len(v.Data.([]*Thunk)))
	case VTAttrs:
		return fmt.Sprintf("<attrs n=%d>", len(v.Data.(*AttrsValue).Names))
	case VTFunc:
		return "<function>"
	}
	return "<invalid>"
}

// kindName names a value's variant the way error messages want it.
func kindName(v Value) string {
	switch v.Tag {
	case VTNull:
		return "null"
	case VTBool:
		return "a boolean"
	case VTInt:
		return "an integer"
	case VTFloat:
		return "a float"
	case VTStr:
		return "a string"
	case VTPath:
		return "a path"
	case VTList:
		return "a list"
	case VTAttrs:
		return "an attribute set"
	case VTFunc:
		return "a function"
	}
	return "a value"
}
