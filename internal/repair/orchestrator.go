// Package repair drives the bounded monotonic repair loop: diff a candidate
// against the canon, pick a rule, rewrite, validate, commit or discard, and
// stop at distance zero, a local fixpoint, or the iteration ceiling. By
// construction a candidate's final distance never exceeds its initial
// distance and its oracle status never degrades.
package repair

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"canonize/internal/analyze"
	"canonize/internal/canon"
	"canonize/internal/contract"
	"canonize/internal/distance"
	"canonize/internal/logging"
	"canonize/internal/props"
	"canonize/internal/rules"
	"canonize/internal/sandbox"
	"canonize/internal/validate"
)

// Terminal states of the per-candidate state machine.
type Terminal string

const (
	// TerminalRejected: the raw candidate failed the oracle; repair never ran.
	TerminalRejected Terminal = "rejected"
	// TerminalCanonEstablished: this candidate became the canon.
	TerminalCanonEstablished Terminal = "canon_established"
	// TerminalStable: distance to canon is zero, or no mismatches remain.
	TerminalStable Terminal = "stable"
	// TerminalBoundExceeded: the iteration ceiling was reached, or no
	// remaining mismatch yields an accepted rewrite while distance is still
	// positive. Reports the best distance reached; it is not an error.
	TerminalBoundExceeded Terminal = "bound_exceeded"
)

// DefaultMaxIterations bounds the repair loop. Each iteration costs one
// validator invocation, so the bound stays small.
const DefaultMaxIterations = 3

// Candidate is one generated program instance with its stable ordering key.
type Candidate struct {
	ID     string
	Seq    uint64
	Source string
}

// RuleAttempt records a rejected or inapplicable rewrite attempt.
type RuleAttempt struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// Report is the per-candidate result exposed to collaborators.
type Report struct {
	CandidateID      string        `json:"candidate_id"`
	Seq              uint64        `json:"seq"`
	ContractID       string        `json:"contract_id"`
	ParseError       bool          `json:"parse_error,omitempty"`
	OraclePass       bool          `json:"oracle_pass"`
	CanonEstablished bool          `json:"canon_established"`
	InitialDistance  float64       `json:"initial_distance"`
	FinalDistance    float64       `json:"final_distance"`
	AcceptedRules    []string      `json:"accepted_rule_ids,omitempty"`
	RejectedAttempts []RuleAttempt `json:"rejected_rule_attempts,omitempty"`
	Iterations       int           `json:"iterations"`
	Terminal         Terminal      `json:"terminal_state"`
	FinalSource      string        `json:"-"`
}

// Stats aggregates run counters across candidates.
type Stats struct {
	Candidates        int
	CanonsEstablished int
	Stable            int
	Rejected          int
	BoundExceeded     int
	CommittedRewrites int
}

// Config wires an orchestrator.
type Config struct {
	Runner        *sandbox.Runner
	Registry      *rules.Registry
	Sink          canon.Sink
	MaxIterations int
}

// Orchestrator owns one engine instance: shared distance cache, shared rule
// registry, shared canon manager. Candidates are processed independently;
// within one candidate the loop is strictly sequential.
type Orchestrator struct {
	runner    *sandbox.Runner
	registry  *rules.Registry
	selector  *rules.Selector
	engine    *distance.Engine
	validator *validate.Validator
	manager   *canon.Manager
	maxIter   int
	log       *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// New builds an orchestrator from config. Zero-value fields get defaults.
func New(cfg Config) *Orchestrator {
	if cfg.Runner == nil {
		cfg.Runner = sandbox.NewRunner(0)
	}
	if cfg.Registry == nil {
		cfg.Registry = rules.NewDefaultRegistry()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	engine := distance.NewEngine()
	validator := validate.New(cfg.Runner, engine)
	return &Orchestrator{
		runner:    cfg.Runner,
		registry:  cfg.Registry,
		selector:  rules.NewSelector(cfg.Registry),
		engine:    engine,
		validator: validator,
		manager:   canon.NewManager(validator, cfg.Sink),
		maxIter:   cfg.MaxIterations,
		log:       logging.Named(logging.SubsystemRepair),
	}
}

// Manager exposes the canon manager (read access for collaborators).
func (o *Orchestrator) Manager() *canon.Manager { return o.manager }

// Stats returns a copy of the run counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Process runs one candidate through the full state machine. The only error
// it returns is canon absence when the candidate can neither repair against
// an existing canon nor establish one; every other failure is folded into
// the report so one candidate never aborts the rest.
func (o *Orchestrator) Process(ctx context.Context, c contract.Contract, cand Candidate) (Report, error) {
	o.bump(func(s *Stats) { s.Candidates++ })

	report := Report{
		CandidateID: cand.ID,
		Seq:         cand.Seq,
		ContractID:  c.ID,
		FinalSource: cand.Source,
	}

	extractor := props.NewExtractor().WithProfiler(o.runner, oracleInputs(c))
	set := extractor.Extract(cand.Source)
	report.ParseError = set.ParseError

	// Repair only targets oracle-passing candidates; a failing raw candidate
	// terminates with no rule attempts at all.
	passed, failures := o.validator.CheckOracle(ctx, cand.Source, c)
	report.OraclePass = len(failures) == 0
	if !report.OraclePass {
		o.log.Debug("candidate rejected by oracle",
			zap.String("candidate", cand.ID),
			zap.Int("passed", passed),
			zap.Int("failed", len(failures)))
		report.Terminal = TerminalRejected
		o.bump(func(s *Stats) { s.Rejected++ })
		return report, nil
	}

	if !o.manager.Established(c.ID) {
		if _, err := o.manager.TryEstablish(ctx, c, cand.Seq, cand.Source, set); err != nil {
			return report, fmt.Errorf("establish canon: %w", err)
		}
	}
	anchor, err := o.manager.Get(c.ID)
	if err != nil {
		// Oracle-passing but constraint-failing candidate with no prior
		// canon: repair has no reference to converge toward.
		return report, err
	}
	if anchor.Seq == cand.Seq && anchor.Source == cand.Source {
		report.CanonEstablished = true
		report.Terminal = TerminalCanonEstablished
		o.bump(func(s *Stats) { s.CanonsEstablished++ })
		return report, nil
	}

	report.InitialDistance = o.engine.Distance(set.Serial, anchor.Props.Serial)
	report.FinalDistance = report.InitialDistance
	if report.InitialDistance == 0 {
		report.Terminal = TerminalStable
		o.bump(func(s *Stats) { s.Stable++ })
		return report, nil
	}

	o.repairLoop(ctx, c, anchor, extractor, set, &report)

	switch report.Terminal {
	case TerminalStable:
		o.bump(func(s *Stats) { s.Stable++ })
	case TerminalBoundExceeded:
		o.bump(func(s *Stats) { s.BoundExceeded++ })
	}
	return report, nil
}

// repairLoop runs the bounded diff-select-rewrite-validate cycle: one
// selected rewrite and at most one validator invocation per iteration.
func (o *Orchestrator) repairLoop(ctx context.Context, c contract.Contract, anchor *canon.Canon, extractor *props.Extractor, set props.Set, report *Report) {
	current := report.FinalSource
	currentSet := set
	currentDistance := report.InitialDistance

	exhaustedPairs := map[string]bool{}    // ruleID|mismatchKey
	exhaustedMismatch := map[string]bool{} // mismatchKey with no applicable rules left

	for iter := 0; iter < o.maxIter; iter++ {
		mismatches := analyze.Compare(currentSet, anchor.Props)
		if len(mismatches) == 0 {
			report.Terminal = TerminalStable
			report.Iterations = iter
			report.FinalDistance = currentDistance
			report.FinalSource = current
			return
		}

		ruleCtx, err := rules.NewContext(current, anchor.Source)
		if err != nil {
			// The committed state always parses; this is unreachable unless a
			// rule broke rendering, in which case we stop where we are.
			o.log.Error("committed state failed to parse", zap.Error(err))
			break
		}

		rule, mismatch, ok := o.pickRule(mismatches, ruleCtx, exhaustedPairs, exhaustedMismatch)
		if !ok {
			// Local fixpoint: no remaining mismatch yields an applicable rule.
			break
		}
		pairKey := rule.ID + "|" + mismatch.Key()

		rewritten, err := rule.Rewrite(ruleCtx)
		if err != nil {
			// The rule matched but could not be applied safely; discard and
			// move on.
			o.log.Debug("rewrite not applicable",
				zap.String("rule", rule.ID), zap.Error(err))
			exhaustedPairs[pairKey] = true
			report.RejectedAttempts = append(report.RejectedAttempts, RuleAttempt{
				RuleID: rule.ID, Reason: fmt.Sprintf("apply: %v", err),
			})
			continue
		}

		newSet := extractor.Extract(rewritten)
		report.Iterations = iter + 1
		verdict := o.validator.Validate(ctx, validate.Input{
			Contract:    c,
			CanonSerial: anchor.Props.Serial,
			PreSource:   current,
			PreSerial:   currentSet.Serial,
			PostSource:  rewritten,
			PostSerial:  newSet.Serial,
		})

		if !verdict.Accepted() {
			exhaustedPairs[pairKey] = true
			report.RejectedAttempts = append(report.RejectedAttempts, RuleAttempt{
				RuleID: rule.ID, Reason: verdict.Reason,
			})
			continue
		}

		// Post-commit audit for broken rules: an accepted rewrite that still
		// managed to regress distance means the rule violated a core
		// invariant, so it is disabled for the remainder of the run.
		if verdict.DistanceAfter > currentDistance {
			o.log.Error("accepted rewrite regressed distance; disabling rule",
				zap.String("rule", rule.ID),
				zap.Float64("before", currentDistance),
				zap.Float64("after", verdict.DistanceAfter))
			o.registry.Disable(rule.ID)
			report.RejectedAttempts = append(report.RejectedAttempts, RuleAttempt{
				RuleID: rule.ID, Reason: "regression: distance increased after acceptance",
			})
			continue
		}

		current = rewritten
		currentSet = newSet
		currentDistance = verdict.DistanceAfter
		report.AcceptedRules = append(report.AcceptedRules, rule.ID)
		o.bump(func(s *Stats) { s.CommittedRewrites++ })
		o.log.Debug("rewrite committed",
			zap.String("candidate", report.CandidateID),
			zap.String("rule", rule.ID),
			zap.Float64("distance", currentDistance))

		if currentDistance == 0 {
			report.Terminal = TerminalStable
			report.FinalDistance = 0
			report.FinalSource = current
			return
		}
	}

	report.FinalDistance = currentDistance
	report.FinalSource = current
	if currentDistance == 0 {
		report.Terminal = TerminalStable
		return
	}
	report.Terminal = TerminalBoundExceeded
}

// pickRule walks mismatches in severity order and returns the top-ranked
// applicable rule for the first mismatch that has one. Mismatches with no
// applicable rules are marked exhausted so later iterations skip them.
func (o *Orchestrator) pickRule(mismatches []analyze.Mismatch, ruleCtx *rules.Context, exhaustedPairs, exhaustedMismatch map[string]bool) (*rules.Rule, analyze.Mismatch, bool) {
	for _, m := range mismatches {
		if exhaustedMismatch[m.Key()] {
			continue
		}
		for _, rule := range o.selector.Select(m, ruleCtx) {
			if exhaustedPairs[rule.ID+"|"+m.Key()] {
				continue
			}
			return rule, m, true
		}
		exhaustedMismatch[m.Key()] = true
	}
	return nil, analyze.Mismatch{}, false
}

func (o *Orchestrator) bump(fn func(*Stats)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.stats)
}

func oracleInputs(c contract.Contract) []string {
	inputs := make([]string, 0, len(c.Oracle))
	for _, oc := range c.Oracle {
		inputs = append(inputs, oc.Input)
	}
	return inputs
}
