// Package rules implements the transformation catalog: structure-matching,
// semantics-preserving rewrite rules, the registry they are registered into,
// and the selector that ranks applicable rules for a given mismatch.
package rules

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"sync"

	"go.uber.org/zap"

	"canonize/internal/analyze"
	"canonize/internal/logging"
)

// Span is a source region a rule intends to rewrite, used for overlap
// deferral between applicable rules.
type Span struct {
	Start, End token.Pos
}

func (s Span) overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Context is the parsed state a rule's predicate and rewrite operate on.
// Canon fields are read-only reference material.
type Context struct {
	Source string
	File   *ast.File
	Fset   *token.FileSet

	CanonSource string
	CanonFile   *ast.File
	CanonFset   *token.FileSet
}

// NewContext parses candidate and canon source into a rule context. The
// candidate must parse (the repair loop never reaches rule selection with an
// unanalyzable candidate); canon always parses by construction.
func NewContext(source, canonSource string) (*Context, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", source, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parse candidate: %w", err)
	}
	cfset := token.NewFileSet()
	cfile, err := parser.ParseFile(cfset, "canon.go", canonSource, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parse canon: %w", err)
	}
	return &Context{
		Source: source, File: file, Fset: fset,
		CanonSource: canonSource, CanonFile: cfile, CanonFset: cfset,
	}, nil
}

// Rule is one rewrite capability. Rules are value-registered and never
// mutated after registration; Match and Rewrite must be pure.
type Rule struct {
	ID                 string
	TargetProperty     string
	Category           analyze.Category
	Priority           int
	PreservesSemantics bool

	// Match reports whether the rule applies to the candidate tree.
	Match func(ctx *Context) bool
	// Sites lists the regions the rewrite would touch, for overlap deferral.
	Sites func(ctx *Context) []Span
	// Rewrite produces the transformed source. It must not modify ctx.
	Rewrite func(ctx *Context) (string, error)
}

// Registry is the open-for-registration, closed-for-mutation rule catalog.
type Registry struct {
	mu       sync.RWMutex
	rules    []*Rule
	byID     map[string]*Rule
	disabled map[string]bool
	log      *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Rule),
		disabled: make(map[string]bool),
		log:      logging.Named(logging.SubsystemRules),
	}
}

// NewDefaultRegistry returns a registry loaded with the builtin catalog.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, rule := range Builtin() {
		if err := r.Register(rule); err != nil {
			// Builtin IDs are unique by construction.
			panic(err)
		}
	}
	return r
}

// Register adds a rule. Duplicate IDs and incomplete rules are rejected.
func (r *Registry) Register(rule *Rule) error {
	if rule == nil || rule.ID == "" || rule.Match == nil || rule.Rewrite == nil {
		return fmt.Errorf("rule is incomplete")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[rule.ID]; exists {
		return fmt.Errorf("rule %q already registered", rule.ID)
	}
	r.rules = append(r.rules, rule)
	r.byID[rule.ID] = rule
	return nil
}

// RulesFor returns enabled rules whose target property and category match the
// mismatch, in registration order.
func (r *Registry) RulesFor(m analyze.Mismatch) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Rule
	for _, rule := range r.rules {
		if r.disabled[rule.ID] {
			continue
		}
		if rule.TargetProperty == m.Property && rule.Category == m.Category {
			out = append(out, rule)
		}
	}
	return out
}

// Disable removes a rule from selection for the remainder of the run. Used
// when a committed rewrite is found to have violated an invariant, which
// marks the rule itself as broken.
func (r *Registry) Disable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.disabled[id] {
		r.disabled[id] = true
		r.log.Error("rule disabled for remainder of run", zap.String("rule", id))
	}
}

// Disabled reports whether a rule has been disabled.
func (r *Registry) Disabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[id]
}

// Selector ranks applicable rules for a mismatch against the current tree.
type Selector struct {
	registry *Registry
}

// NewSelector returns a selector over the given registry.
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry}
}

// Select evaluates each candidate rule's predicate against the current tree,
// keeps the matches, and ranks them by descending priority. When two
// applicable rules would touch overlapping regions the higher-priority rule
// wins and the other is dropped from this round; it gets re-evaluated against
// the post-rewrite tree on the next iteration.
func (s *Selector) Select(m analyze.Mismatch, ctx *Context) []*Rule {
	candidates := s.registry.RulesFor(m)
	var matched []*Rule
	for _, rule := range candidates {
		if rule.Match(ctx) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})

	var kept []*Rule
	var claimed []Span
	for _, rule := range matched {
		sites := []Span{}
		if rule.Sites != nil {
			sites = rule.Sites(ctx)
		}
		conflict := false
		for _, site := range sites {
			for _, c := range claimed {
				if site.overlaps(c) {
					conflict = true
					break
				}
			}
			if conflict {
				break
			}
		}
		if conflict {
			continue
		}
		claimed = append(claimed, sites...)
		kept = append(kept, rule)
	}
	return kept
}
