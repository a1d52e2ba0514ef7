// sym.go: interned symbols
//
// Attribute keys, binder names and string-context elements are interned
// into small integer ids so the graph can carry them inside number nodes
// and compare them without touching Go strings. Interning is append-only;
// ids stay valid for the life of the table.
package nixsub

// SymTab interns strings to dense ids.
type SymTab struct {
	names []string
	ids   map[string]int
}

func NewSymTab() *SymTab {
	return &SymTab{ids: make(map[string]int)}
}

// Intern returns the id for name, allocating one on first sight.
func (st *SymTab) Intern(name string) int {
	if id, ok := st.ids[name]; ok {
		return id
	}
	id := len(st.names)
	st.names = append(st.names, name)
	st.ids[name] = id
	return id
}

// Name returns the string for id. Panics on an id the table never issued;
// that is always a compiler bug, not a user error.
func (st *SymTab) Name(id int) string {
	if id < 0 || id >= len(st.names) {
		panic("symtab: unknown symbol id")
	}
	return st.names[id]
}

// Lookup returns the id for name without interning.
func (st *SymTab) Lookup(name string) (int, bool) {
	id, ok := st.ids[name]
	return id, ok
}

func (st *SymTab) Len() int { return len(st.names) }
