package distance

import (
	"testing"

	"canonize/internal/props"
)

func TestDistanceIdentical(t *testing.T) {
	e := NewEngine()
	if d := e.Distance("(source_file(id))", "(source_file(id))"); d != 0 {
		t.Errorf("identical serials: distance = %v, want 0", d)
	}
	if d := e.Distance("", ""); d != 0 {
		t.Errorf("empty serials: distance = %v, want 0", d)
	}
}

func TestDistanceRange(t *testing.T) {
	e := NewEngine()
	pairs := [][2]string{
		{"(a(b))", "(a(c))"},
		{"(a)", "(zzzzzzzz)"},
		{"", "(a)"},
		{"(source_file(function_declaration(id)))", "(source_file)"},
	}
	for _, p := range pairs {
		d := e.Distance(p[0], p[1])
		if d <= 0 || d > 1 {
			t.Errorf("Distance(%q, %q) = %v, want in (0,1]", p[0], p[1], d)
		}
	}
}

func TestDistanceSymmetric(t *testing.T) {
	e := NewEngine()
	a, b := "(a(b(c)))", "(a(d))"
	if e.Distance(a, b) != e.Distance(b, a) {
		t.Error("distance must be symmetric")
	}
}

func TestDistanceCached(t *testing.T) {
	e := NewEngine()
	a, b := "(x(y))", "(x(z))"
	first := e.Distance(a, b)
	second := e.Distance(a, b)
	if first != second {
		t.Errorf("repeated distance differs: %v then %v", first, second)
	}
	if _, ok := e.cache.Load(pairKey{a, b}); !ok {
		t.Error("expected pair to be memoized")
	}
}

func TestDistanceZeroOnlyForRenames(t *testing.T) {
	canon := props.Serialize(`package main
func Reverse(s string) (string, error) {
	out := ""
	for _, r := range s {
		out = string(r) + out
	}
	return out, nil
}`)
	renamed := props.Serialize(`package main
func Backwards(text string) (string, error) {
	acc := ""
	for _, c := range text {
		acc = string(c) + acc
	}
	return acc, nil
}`)
	restructured := props.Serialize(`package main
func Reverse(s string) (string, error) {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}`)

	e := NewEngine()
	if d := e.Distance(renamed, canon); d != 0 {
		t.Errorf("rename-only variant: distance = %v, want 0", d)
	}
	if d := e.Distance(restructured, canon); d == 0 {
		t.Error("structurally different variant must have positive distance")
	}
}
