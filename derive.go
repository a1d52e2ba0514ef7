// derive.go: derivation-record extraction.
//
// A derivation here is only a description. An attribute set carrying
// "name" and "builder" flattens into a DerivationRecord: each
// attribute renders to an environment string the way toString renders
// values, "args" becomes the argument list, and the string contexts
// met along the way become the input set. Writing the record to a
// store is the host's business; nothing here touches disk.
package nixsub

// DerivationRecord describes one build: what to run, with which
// arguments and environment, and which paths the strings inside
// referred to.
type DerivationRecord struct {
	Name    string            `json:"name"`
	Builder string            `json:"builder"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env"`
	Inputs  []string          `json:"inputs,omitempty"`
}

// IsDerivationLike reports whether a value has the shape
// ExtractDerivation accepts. Checks keys only, forces nothing.
func IsDerivationLike(v Value) bool {
	if v.Tag != VTAttrs {
		return false
	}
	a := v.Data.(*AttrsValue)
	return a.Table["name"] != nil && a.Table["builder"] != nil
}

// ExtractDerivation forces a derivation-shaped attribute set into a
// pure record. Values from either engine work.
func ExtractDerivation(v Value) (*DerivationRecord, error) {
	if v.Tag != VTAttrs {
		return nil, evalErrf("expected an attribute set, got %s", kindName(v))
	}
	a := v.Data.(*AttrsValue)
	for _, req := range []string{"name", "builder"} {
		if a.Table[req] == nil {
			return nil, evalErrf("attribute %q missing", req)
		}
	}

	rec := &DerivationRecord{Env: map[string]string{}}
	var inputs []string
	for _, name := range a.Names {
		av, err := a.Table[name].Force()
		if err != nil {
			return nil, err
		}
		if name == "args" {
			if av.Tag != VTList {
				return nil, evalErrf("expected a list, got %s", kindName(av))
			}
			for _, th := range av.Data.([]*Thunk) {
				el, err := th.Force()
				if err != nil {
					return nil, err
				}
				text, ctx, err := coerceValue(el, false)
				if err != nil {
					return nil, err
				}
				rec.Args = append(rec.Args, text)
				inputs = mergeCtx(inputs, ctx)
			}
			continue
		}
		text, ctx, err := coerceValue(av, false)
		if err != nil {
			return nil, err
		}
		rec.Env[name] = text
		inputs = mergeCtx(inputs, ctx)
		switch name {
		case "name":
			rec.Name = text
		case "builder":
			rec.Builder = text
		}
	}
	rec.Inputs = inputs
	return rec, nil
}
