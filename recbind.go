// recbind.go: recursive binding groups.
//
// let groups and rec attribute sets bind a set of names that may
// reference each other. The resolver builds the intra-group dependency
// graph and orders it with Kahn's queue. An acyclic group lowers to a
// plain chain of simple lets in dependency order, which costs nothing at
// runtime. A genuine cycle lowers to a fixed point over the whole group:
//
//	fix (rec#k: let a = rec#k.a; b = rec#k.b; in { a = ...; b = ...; })
//
// Rebinding every member to a projection of self keeps the original
// right-hand sides untouched; their references resolve lexically into
// the projections. Inherited members read the enclosing scope, so their
// values are hoisted out under internal names before the group closes
// over itself.
package nixsub

type groupState int

const (
	groupUnanalyzed groupState = iota
	groupAcyclic
	groupCyclic
	groupEmitted
)

type bindSpec struct {
	name      string
	value     S
	inherited bool
}

// bindGroup records how one binding group was resolved. The desugarer
// keeps them in order of appearance for inspection.
type bindGroup struct {
	state groupState
	specs []bindSpec
	order []int // topological order into specs, set on the acyclic path
}

// desugarGroup lowers a let (body non-nil) or rec (body nil) group whose
// member values are already desugared.
func (d *desugarer) desugarGroup(binds S, body S) S {
	g := &bindGroup{}
	names := map[string]bool{}
	for _, pr := range binds[1:] {
		p := pr.(S)
		spec := bindSpec{
			name:      p[1].(S)[1].(string),
			value:     p[2].(S),
			inherited: p[0] == "ipair",
		}
		g.specs = append(g.specs, spec)
		names[spec.name] = true
	}
	d.groups = append(d.groups, g)

	rec := body == nil
	if rec {
		attrs := L("attrs")
		for _, s := range g.specs {
			attrs = append(attrs, L("pair", L("str", s.name), L("id", s.name)))
		}
		body = attrs
	}

	if !d.forceFix && g.topoSort(names) {
		g.state = groupAcyclic
		out := body
		for i := len(g.order) - 1; i >= 0; i-- {
			s := g.specs[g.order[i]]
			out = L("slet", s.name, s.value, out)
		}
		g.state = groupEmitted
		return out
	}

	g.state = groupCyclic
	out := d.fixGroup(g, body, rec)
	g.state = groupEmitted
	return out
}

// topoSort orders the group by intra-group dependencies. Inherited
// members resolve outside the group, carry no edges, and go first.
// Reports false when a cycle remains after the queue drains.
func (g *bindGroup) topoSort(names map[string]bool) bool {
	n := len(g.specs)
	dependents := make([][]int, n)
	indeg := make([]int, n)
	for i, s := range g.specs {
		if s.inherited {
			continue
		}
		refs := map[string]bool{}
		groupDeps(s.value, names, map[string]int{}, refs)
		for j, t := range g.specs {
			if !refs[t.name] {
				continue
			}
			if j == i {
				return false
			}
			dependents[j] = append(dependents[j], i)
			indeg[i]++
		}
	}

	var q []int
	for i, s := range g.specs {
		if s.inherited && indeg[i] == 0 {
			q = append(q, i)
		}
	}
	for i, s := range g.specs {
		if !s.inherited && indeg[i] == 0 {
			q = append(q, i)
		}
	}
	for len(q) > 0 {
		i := q[0]
		q = q[1:]
		g.order = append(g.order, i)
		for _, k := range dependents[i] {
			indeg[k]--
			if indeg[k] == 0 {
				q = append(q, k)
			}
		}
	}
	return len(g.order) == n
}

// fixGroup closes a cyclic group through a fixed point and, for a let,
// rebinds the group names around the body as projections of the result.
func (d *desugarer) fixGroup(g *bindGroup, body S, rec bool) S {
	self := d.fresh("rec")

	var hoist []bindSpec
	attrs := L("attrs")
	for _, s := range g.specs {
		if s.inherited {
			h := d.fresh("inh")
			hoist = append(hoist, bindSpec{name: h, value: s.value})
			attrs = append(attrs, L("pair", L("str", s.name), L("id", h)))
			continue
		}
		attrs = append(attrs, L("pair", L("str", s.name), s.value))
	}

	inner := attrs
	for i := len(g.specs) - 1; i >= 0; i-- {
		nm := g.specs[i].name
		inner = L("slet", nm, selectOf(self, nm), inner)
	}
	fixNode := L("fixpoint", L("lam", self, inner))

	var out S
	if rec {
		out = fixNode
	} else {
		res := d.fresh("rec")
		out = body
		for i := len(g.specs) - 1; i >= 0; i-- {
			nm := g.specs[i].name
			out = L("slet", nm, selectOf(res, nm), out)
		}
		out = L("slet", res, fixNode, out)
	}
	for i := len(hoist) - 1; i >= 0; i-- {
		out = L("slet", hoist[i].name, hoist[i].value, out)
	}
	return out
}

func selectOf(base, key string) S {
	return L("select", L("id", base), L("apath", L("str", key)), nil)
}

// groupDeps collects free references to group names inside a desugared
// expression. A with frame does not shadow here: an ambiguous reference
// still falls back to the lexical binding, which keeps the edge. The
// occasional false edge only costs an unnecessary fixed point, never a
// wrong value.
func groupDeps(node any, group map[string]bool, bound map[string]int, out map[string]bool) {
	n, ok := node.(S)
	if !ok || len(n) == 0 {
		return
	}
	switch n[0] {
	case "id":
		nm := n[1].(string)
		if group[nm] && bound[nm] == 0 {
			out[nm] = true
		}
	case "lam":
		bound[n[1].(string)]++
		groupDeps(n[2], group, bound, out)
		bound[n[1].(string)]--
	case "slet":
		groupDeps(n[2], group, bound, out)
		bound[n[1].(string)]++
		groupDeps(n[3], group, bound, out)
		bound[n[1].(string)]--
	case "argcheck":
		groupDeps(n[1], group, bound, out)
		groupDeps(n[4], group, bound, out)
	case "fixpoint", "unop":
		groupDeps(n[len(n)-1], group, bound, out)
	case "attrs":
		for _, pr := range n[1:] {
			groupDeps(pr.(S)[2], group, bound, out)
		}
	case "select":
		groupDeps(n[1], group, bound, out)
		if n[3] != nil {
			groupDeps(n[3], group, bound, out)
		}
	case "has":
		groupDeps(n[1], group, bound, out)
	case "interp", "list":
		for _, el := range n[1:] {
			groupDeps(el, group, bound, out)
		}
	case "app", "with", "assert":
		groupDeps(n[1], group, bound, out)
		groupDeps(n[2], group, bound, out)
	case "binop":
		groupDeps(n[2], group, bound, out)
		groupDeps(n[3], group, bound, out)
	case "if":
		groupDeps(n[1], group, bound, out)
		groupDeps(n[2], group, bound, out)
		groupDeps(n[3], group, bound, out)
	}
}
