package analyze

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"canonize/internal/props"
)

func extract(t *testing.T, src string) props.Set {
	t.Helper()
	s := props.NewExtractor().Extract(src)
	if s.ParseError {
		t.Fatalf("test source did not parse:\n%s", src)
	}
	return s
}

func TestCompareEqualSets(t *testing.T) {
	s := extract(t, `package main
func F(s string) (string, error) { return s, nil }`)
	if got := Compare(s, s); len(got) != 0 {
		t.Errorf("identical sets produced %d mismatches", len(got))
	}
}

func TestCompareParseErrorBlocks(t *testing.T) {
	canon := extract(t, `package main
func F(s string) (string, error) { return s, nil }`)
	got := Compare(props.Set{ParseError: true}, canon)
	want := []Mismatch{{
		Property: props.PropParseError,
		Category: CategoryBehavior,
		Severity: 1.0,
		Detail:   "candidate source is unanalyzable",
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parse mismatch diff (-want +got):\n%s", diff)
	}
}

func TestCompareSeverityOrder(t *testing.T) {
	canon := extract(t, `package main
func Reverse(s string) (string, error) {
	out := ""
	for _, r := range s {
		out = string(r) + out
	}
	return out, nil
}`)
	candidate := extract(t, `package main
func Reverse(s string) (string, error) {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}`)

	got := Compare(candidate, canon)
	if len(got) == 0 {
		t.Fatal("expected mismatches between structurally different programs")
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool {
		return got[i].Severity > got[j].Severity
	}) {
		t.Error("mismatches not ordered by descending severity")
	}
	seen := map[string]bool{}
	for _, m := range got {
		if seen[m.Property] {
			t.Errorf("property %q reported more than once", m.Property)
		}
		seen[m.Property] = true
	}
}

func TestCompareNamingSignal(t *testing.T) {
	canon := extract(t, `package main
func Solve(s string) (string, error) { return clean(s), nil }
func clean(s string) string { return s }`)
	candidate := extract(t, `package main
func Solve(s string) (string, error) { return scrub(s), nil }
func scrub(s string) string { return s }`)

	got := Compare(candidate, canon)
	found := false
	for _, m := range got {
		if m.Property == props.PropDependencyGraph {
			found = true
			if m.Category != CategoryNaming {
				t.Errorf("dependency graph mismatch categorized as %v, want naming", m.Category)
			}
		}
		if m.Property == props.PropStructuralHash {
			t.Error("rename-only variant must not differ in structural hash")
		}
	}
	if !found {
		t.Error("renamed helper did not surface a dependency graph mismatch")
	}
}

func TestCompareSkipsAbsentExecutionPaths(t *testing.T) {
	canon := extract(t, `package main
func F(s string) (string, error) { return s, nil }`)
	candidate := canon
	candidate.ExecutionPaths = "ok:aaaa"

	for _, m := range Compare(candidate, canon) {
		if m.Property == props.PropExecutionPaths {
			t.Error("execution paths must be skipped when one side has no profile")
		}
	}
}

func TestMismatchKey(t *testing.T) {
	m := Mismatch{Property: props.PropControlFlowShape, Category: CategoryControlFlow}
	if m.Key() != "control_flow_shape/control_flow" {
		t.Errorf("Key() = %q", m.Key())
	}
}
