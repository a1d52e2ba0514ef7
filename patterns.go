// patterns.go: destructuring lambda desugaring.
//
// A pattern lambda
//
//	{a, b ? d, ...}@z: body
//
// becomes a single-argument lambda over a fresh name:
//
//	arg#k: let z = arg#k; a = arg#k.a; b = arg#k.b or d; in body
//
// wrapped in an argument check that runs as soon as the function is
// applied: the argument must be an attribute set, every formal without
// a default must be present, and, unless the pattern has an ellipsis,
// no key outside the declared formals may appear. Defaults sit inside
// the selections, stay lazy, and see the alias plus every formal bound
// earlier in the pattern.
package nixsub

// desugarPattern rewrites one plam node whose children have already been
// desugared.
func (d *desugarer) desugarPattern(n S) S {
	formals := n[1].(S)
	ellipsis := n[2].(bool)
	alias := n[3].(string)

	arg := d.fresh("arg")
	out := n[4].(S)
	for i := len(formals) - 1; i >= 1; i-- {
		f := formals[i].(S)
		name := f[1].(string)
		sel := L("select", L("id", arg), L("apath", L("str", name)), f[2])
		out = L("slet", name, sel, out)
	}
	if alias != "" {
		out = L("slet", alias, L("id", arg), out)
	}

	required := L("names")
	for _, f := range formals[1:] {
		ff := f.(S)
		if ff[2] == nil {
			required = append(required, ff[1].(string))
		}
	}
	var allowed any
	if !ellipsis {
		all := L("names")
		for _, f := range formals[1:] {
			all = append(all, f.(S)[1].(string))
		}
		allowed = all
	}
	out = L("argcheck", L("id", arg), required, allowed, out)
	return L("lam", arg, out)
}
