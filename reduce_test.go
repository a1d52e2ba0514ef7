// reduce_test.go
package nixsub

import (
	"strings"
	"testing"
)

// --- tests -----------------------------------------------------------------

// A machine constructed under a step budget must abort a divergent
// program instead of spinning.
func Test_Reduce_Step_Budget(t *testing.T) {
	t.Setenv("NIXSUB_STEP_BUDGET", "5000")

	graphErr(t, `let f = x: f x; in f 1`, "step budget exceeded")
	graphErr(t, `let x = x; in x`, "step budget exceeded")

	// well-behaved programs stay far under the same budget
	wantVInt(t, graphRun(t, `let f = n: if n == 0 then 0 else f (n - 1); in f 20`), 0)
}

func Test_Reduce_Depth_Guard(t *testing.T) {
	t.Setenv("NIXSUB_MAX_DEPTH", "150")

	deep := strings.Repeat("(1 + ", 400) + "1" + strings.Repeat(")", 400)
	graphErr(t, deep, "maximum recursion depth exceeded")

	shallow := strings.Repeat("(1 + ", 20) + "1" + strings.Repeat(")", 20)
	wantVInt(t, graphRun(t, shallow), 21)
}

func Test_Reduce_Call_NonFunction(t *testing.T) {
	graphErr(t, `1 2`, "attempt to call a value which is not a function")
	graphErr(t, `null 1`, "attempt to call a value which is not a function")
	graphErr(t, `"f" 1`, "attempt to call a value which is not a function")
}

// Two identical runs take identical step counts; reduction has no hidden
// nondeterminism to hide behind.
func Test_Reduce_Steps_Deterministic(t *testing.T) {
	const src = `let f = n: if n == 0 then 1 else n * f (n - 1); in f 8`
	counts := make([]int, 2)
	for i := range counts {
		m := newTestMachine()
		if err := Compile(m, mustParse(t, src), "/base"); err != nil {
			t.Fatalf("compile: %v", err)
		}
		if _, err := Extract(m); err != nil {
			t.Fatalf("extract: %v", err)
		}
		if m.Steps() == 0 {
			t.Fatalf("run %d took no steps", i)
		}
		counts[i] = m.Steps()
	}
	if counts[0] != counts[1] {
		t.Fatalf("step counts diverge: %d vs %d", counts[0], counts[1])
	}
}

// Scrambling the operand forcing order must not be observable in any
// result. Confluence is the whole claim of the calculus; this drives a
// handful of multi-operand programs through shuffled schedules.
func Test_Reduce_Scramble_Confluence(t *testing.T) {
	sources := []string{
		`(1 + 2) * (3 + 4)`,
		`[ (1 + 2) (3 + 4) ] == [ 3 7 ]`,
		`({ a = 1; } // { b = 2; }) // { a = 3; }`,
		`"a" + "b" + "c" + "d"`,
		`let x = 1 + 1; in x + x + x`,
		`({ a, b ? a }: a + b) { a = 2; }`,
	}
	for _, src := range sources {
		base := graphRun(t, src)
		for _, seed := range []int64{1, 7, 42} {
			m := newTestMachine()
			if err := Compile(m, mustParse(t, src), "/base"); err != nil {
				t.Fatalf("compile: %v\nsource:\n%s", err, src)
			}
			m.Scramble(seed)
			v, err := Extract(m)
			if err != nil {
				t.Fatalf("seed %d: %v\nsource:\n%s", seed, err, src)
			}
			if FormatValue(v) != FormatValue(base) {
				t.Fatalf("seed %d changed the result of %s:\n%s\nvs\n%s",
					seed, src, FormatValue(v), FormatValue(base))
			}
		}
	}
}

// Update chains collapse once they pass the flatten bound; shrinking the
// bound to its floor must not change what any lookup sees.
func Test_Reduce_Update_Flattening(t *testing.T) {
	t.Setenv("NIXSUB_FLATTEN_DEPTH", "1")

	const src = `{ a = 1; } // { b = 2; } // { c = 3; } // { a = 9; }`
	v := graphRun(t, src)
	wantVInt(t, attrV(t, v, "a"), 9)
	wantVInt(t, attrV(t, v, "b"), 2)
	wantVInt(t, attrV(t, v, "c"), 3)

	names := v.Data.(*AttrsValue).Names
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Fatalf("flattened key set wrong: %v", names)
	}

	wantVInt(t, graphRun(t, `(({ a = 1; } // { a = 2; }) // { a = 3; }).a`), 3)
}

// The label allocator must hand out distinct labels across nested
// duplications; a reused label would project the wrong branch.
func Test_Reduce_Nested_Sharing(t *testing.T) {
	wantVInt(t, graphRun(t, `
		let twice = f: x: f (f x);
		    inc = n: n + 1;
		in twice twice inc 0
	`), 4)
	wantVInt(t, graphRun(t, `
		let twice = f: x: f (f x);
		    quad = twice twice;
		    inc = n: n + 1;
		in quad inc (quad inc 0)
	`), 8)
}
