// Package validate implements the three-stage contract check a rewrite must
// clear before the repair loop commits it: oracle correctness, strict
// distance monotonicity, and the boundary-behavior policy. The stages run in
// that order and short-circuit on the first failure.
package validate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"canonize/internal/contract"
	"canonize/internal/distance"
	"canonize/internal/logging"
	"canonize/internal/sandbox"
)

// Verdict is the outcome of a full validation pass.
type Verdict struct {
	OraclePass     bool
	OraclePassed   int
	OracleFailures []string
	DistanceBefore float64
	DistanceAfter  float64
	BoundaryPass   bool
	Reason         string
}

// Accepted reports whether every evaluated stage passed.
func (v Verdict) Accepted() bool {
	return v.OraclePass && v.BoundaryPass && v.DistanceAfter <= v.DistanceBefore
}

// Input bundles the pre/post state of one rewrite for validation.
type Input struct {
	Contract    contract.Contract
	CanonSerial string

	PreSource  string
	PreSerial  string
	PostSource string
	PostSerial string
}

// Validator runs contract checks through a sandbox runner and the distance
// engine. All checks are deterministic given fixed examples and timeout.
type Validator struct {
	runner *sandbox.Runner
	engine *distance.Engine
	log    *zap.Logger
}

// New returns a validator over the given runner and distance engine.
func New(runner *sandbox.Runner, engine *distance.Engine) *Validator {
	return &Validator{
		runner: runner,
		engine: engine,
		log:    logging.Named(logging.SubsystemValidate),
	}
}

// CheckOracle executes every declared oracle case against code. A case with a
// declared error kind passes only when that kind is signaled; any timeout,
// panic, wrong value, or unexpected error is a failing case.
func (v *Validator) CheckOracle(ctx context.Context, code string, c contract.Contract) (passed int, failures []string) {
	for i, oc := range c.Oracle {
		res := v.runner.Run(ctx, code, c.Entry, oc.Input)
		if oc.WantErrKind != "" {
			if errKindMatches(res, oc.WantErrKind) {
				passed++
			} else {
				failures = append(failures, fmt.Sprintf("case %d: want error kind %q, got %s", i, oc.WantErrKind, describe(res)))
			}
			continue
		}
		if res.OK() && res.Value == oc.Want {
			passed++
			continue
		}
		failures = append(failures, fmt.Sprintf("case %d: want %q, got %s", i, oc.Want, describe(res)))
	}
	return passed, failures
}

// Validate runs the three checks against a rewrite's pre and post state.
func (v *Validator) Validate(ctx context.Context, in Input) Verdict {
	verdict := Verdict{
		DistanceBefore: v.engine.Distance(in.PreSerial, in.CanonSerial),
		DistanceAfter:  v.engine.Distance(in.PostSerial, in.CanonSerial),
	}

	passed, failures := v.CheckOracle(ctx, in.PostSource, in.Contract)
	verdict.OraclePassed = passed
	verdict.OracleFailures = failures
	verdict.OraclePass = len(failures) == 0
	if !verdict.OraclePass {
		verdict.Reason = fmt.Sprintf("oracle: %d/%d cases failed", len(failures), len(in.Contract.Oracle))
		return verdict
	}

	if verdict.DistanceAfter > verdict.DistanceBefore {
		verdict.Reason = fmt.Sprintf("monotonicity: distance %.4f > %.4f", verdict.DistanceAfter, verdict.DistanceBefore)
		return verdict
	}

	pass, reason := v.checkBoundary(ctx, in.PreSource, in.PostSource, in.Contract)
	verdict.BoundaryPass = pass
	if !pass {
		verdict.Reason = "boundary: " + reason
	}
	return verdict
}

// checkBoundary evaluates the contract's boundary policy over its capped
// example list.
func (v *Validator) checkBoundary(ctx context.Context, preCode, postCode string, c contract.Contract) (bool, string) {
	policy := c.Boundary
	switch policy.Kind {
	case contract.BoundaryUnrestricted, "":
		return true, ""

	case contract.BoundaryMustSignal:
		for _, example := range policy.CappedExamples() {
			res := v.runner.Run(ctx, postCode, c.Entry, example)
			if res.OK() {
				return false, fmt.Sprintf("input %q returned %q instead of signaling", example, res.Value)
			}
			if policy.ErrKind != "" && !errKindMatches(res, policy.ErrKind) {
				return false, fmt.Sprintf("input %q signaled %s, want kind %q", example, describe(res), policy.ErrKind)
			}
		}
		return true, ""

	case contract.BoundaryMustReturnValue:
		for _, example := range policy.CappedExamples() {
			res := v.runner.Run(ctx, postCode, c.Entry, example)
			if !res.OK() || res.Value != policy.Sentinel {
				return false, fmt.Sprintf("input %q: want sentinel %q, got %s", example, policy.Sentinel, describe(res))
			}
		}
		return true, ""

	case contract.BoundaryBehaviorFrozen:
		for _, example := range policy.CappedExamples() {
			pre := v.runner.Run(ctx, preCode, c.Entry, example)
			post := v.runner.Run(ctx, postCode, c.Entry, example)
			if pre.ErrKind != post.ErrKind || pre.Value != post.Value {
				return false, fmt.Sprintf("input %q: behavior changed from %s to %s", example, describe(pre), describe(post))
			}
		}
		return true, ""
	}
	return false, fmt.Sprintf("unknown boundary policy %q", policy.Kind)
}

// errKindMatches compares a declared error kind against an outcome: the kind
// name matches the outcome kind or appears in the error text,
// case-insensitively. An empty declared kind accepts any signal.
func errKindMatches(res sandbox.Result, kind string) bool {
	if res.OK() {
		return false
	}
	if kind == "" {
		return true
	}
	want := strings.ToLower(kind)
	return res.ErrKind == want || strings.Contains(strings.ToLower(res.Detail), want)
}

func describe(res sandbox.Result) string {
	if res.OK() {
		return fmt.Sprintf("value %q", res.Value)
	}
	if res.Detail != "" {
		return fmt.Sprintf("%s (%s)", res.ErrKind, res.Detail)
	}
	return res.ErrKind
}
