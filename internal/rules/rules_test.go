package rules

import (
	"testing"

	"canonize/internal/analyze"
	"canonize/internal/props"
)

func mkRule(id string, priority int) *Rule {
	return &Rule{
		ID:             id,
		TargetProperty: props.PropControlFlowShape,
		Category:       analyze.CategoryControlFlow,
		Priority:       priority,
		Match:          func(*Context) bool { return true },
		Rewrite:        func(ctx *Context) (string, error) { return ctx.Source, nil },
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(mkRule("a", 10)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(mkRule("a", 20)); err == nil {
		t.Error("duplicate ID must be rejected")
	}
	if err := r.Register(&Rule{ID: "incomplete"}); err == nil {
		t.Error("rule without Match/Rewrite must be rejected")
	}
	if err := r.Register(nil); err == nil {
		t.Error("nil rule must be rejected")
	}
}

func TestRegistryRulesFor(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(mkRule("flow", 10)); err != nil {
		t.Fatal(err)
	}
	other := mkRule("naming", 10)
	other.TargetProperty = props.PropDependencyGraph
	other.Category = analyze.CategoryNaming
	if err := r.Register(other); err != nil {
		t.Fatal(err)
	}

	got := r.RulesFor(analyze.Mismatch{
		Property: props.PropControlFlowShape,
		Category: analyze.CategoryControlFlow,
	})
	if len(got) != 1 || got[0].ID != "flow" {
		t.Errorf("RulesFor returned %d rules", len(got))
	}

	// Category must match too, not just the property.
	got = r.RulesFor(analyze.Mismatch{
		Property: props.PropControlFlowShape,
		Category: analyze.CategoryComplexity,
	})
	if len(got) != 0 {
		t.Error("category mismatch must exclude the rule")
	}
}

func TestRegistryDisable(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(mkRule("broken", 10)); err != nil {
		t.Fatal(err)
	}
	r.Disable("broken")
	if !r.Disabled("broken") {
		t.Error("rule not marked disabled")
	}
	got := r.RulesFor(analyze.Mismatch{
		Property: props.PropControlFlowShape,
		Category: analyze.CategoryControlFlow,
	})
	if len(got) != 0 {
		t.Error("disabled rule still selectable")
	}
	// Second disable is a no-op, not a panic.
	r.Disable("broken")
}

func TestDefaultRegistryLoadsBuiltins(t *testing.T) {
	r := NewDefaultRegistry()
	for _, rule := range Builtin() {
		got := r.RulesFor(analyze.Mismatch{Property: rule.TargetProperty, Category: rule.Category})
		found := false
		for _, candidate := range got {
			if candidate.ID == rule.ID {
				found = true
			}
		}
		if !found {
			t.Errorf("builtin %q not selectable from default registry", rule.ID)
		}
	}
}

func TestSelectorPriorityOrder(t *testing.T) {
	r := NewRegistry()
	low := mkRule("low", 10)
	high := mkRule("high", 90)
	// Non-overlapping sites so both survive deferral.
	low.Sites = func(*Context) []Span { return []Span{{Start: 1, End: 5}} }
	high.Sites = func(*Context) []Span { return []Span{{Start: 10, End: 20}} }
	if err := r.Register(low); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(high); err != nil {
		t.Fatal(err)
	}

	ctx, err := NewContext("package main\nfunc F() {}", "package main\nfunc F() {}")
	if err != nil {
		t.Fatal(err)
	}
	got := NewSelector(r).Select(analyze.Mismatch{
		Property: props.PropControlFlowShape,
		Category: analyze.CategoryControlFlow,
	}, ctx)
	if len(got) != 2 || got[0].ID != "high" || got[1].ID != "low" {
		t.Fatalf("selection order wrong: %v", ruleIDs(got))
	}
}

func TestSelectorOverlapDeferral(t *testing.T) {
	r := NewRegistry()
	winner := mkRule("winner", 90)
	loser := mkRule("loser", 10)
	winner.Sites = func(*Context) []Span { return []Span{{Start: 1, End: 10}} }
	loser.Sites = func(*Context) []Span { return []Span{{Start: 5, End: 15}} }
	if err := r.Register(loser); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(winner); err != nil {
		t.Fatal(err)
	}

	ctx, err := NewContext("package main\nfunc F() {}", "package main\nfunc F() {}")
	if err != nil {
		t.Fatal(err)
	}
	got := NewSelector(r).Select(analyze.Mismatch{
		Property: props.PropControlFlowShape,
		Category: analyze.CategoryControlFlow,
	}, ctx)
	if len(got) != 1 || got[0].ID != "winner" {
		t.Fatalf("overlap deferral kept %v, want only winner", ruleIDs(got))
	}
}

func ruleIDs(rules []*Rule) []string {
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestNewContextRejectsBadSource(t *testing.T) {
	if _, err := NewContext("not go at all", "package main"); err == nil {
		t.Error("expected parse error for candidate")
	}
	if _, err := NewContext("package main", "not go at all"); err == nil {
		t.Error("expected parse error for canon")
	}
}

func TestSpanOverlaps(t *testing.T) {
	tests := []struct {
		a, b Span
		want bool
	}{
		{Span{1, 5}, Span{5, 9}, false},
		{Span{1, 5}, Span{4, 9}, true},
		{Span{4, 9}, Span{1, 5}, true},
		{Span{1, 9}, Span{3, 4}, true},
	}
	for _, tt := range tests {
		if got := tt.a.overlaps(tt.b); got != tt.want {
			t.Errorf("%v overlaps %v = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
