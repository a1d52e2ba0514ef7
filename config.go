// config.go: environment-tunable knobs
package nixsub

import (
	"os"
	"path/filepath"
	"strings"

	xenv "github.com/xyproto/env/v2"
)

// Version is reported by the CLI and the REPL banner.
const Version = "0.2.0"

// DefaultFlattenDepth bounds how many overlay layers an attribute set may
// stack before an update collapses the chain into a single base node.
const DefaultFlattenDepth = 8

// FlattenDepth returns the overlay depth bound, NIXSUB_FLATTEN_DEPTH if set.
func FlattenDepth() int {
	n := xenv.Int("NIXSUB_FLATTEN_DEPTH", DefaultFlattenDepth)
	if n < 1 {
		n = 1
	}
	return n
}

// StepBudget returns the rewrite budget per evaluation, NIXSUB_STEP_BUDGET
// if set. Zero means unbounded.
func StepBudget() int {
	n := xenv.Int("NIXSUB_STEP_BUDGET", 0)
	if n < 0 {
		n = 0
	}
	return n
}

// MaxDepth returns the recursion guard used by extraction and the tree
// evaluator, NIXSUB_MAX_DEPTH if set.
func MaxDepth() int {
	n := xenv.Int("NIXSUB_MAX_DEPTH", 10000)
	if n < 100 {
		n = 100
	}
	return n
}

// SearchPath returns the colon-separated NIXSUB_PATH entries used to
// resolve otherwise-unresolvable import targets. May be empty.
func SearchPath() []string {
	raw := xenv.Str("NIXSUB_PATH")
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HomeDir returns the directory ~/ path literals resolve against.
func HomeDir() string {
	if h := xenv.Str("HOME"); h != "" {
		return h
	}
	home, _ := os.UserHomeDir()
	return home
}

// ResolveSearch resolves a <name> reference against the search path
// entries in order, taking the first one that exists on disk.
func ResolveSearch(name string) (string, bool) {
	for _, dir := range SearchPath() {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		return p, true
	}
	return "", false
}
