// Package contract defines the immutable specification a candidate program is
// judged against: oracle test cases, the boundary-behavior policy, and optional
// domain constraints. Contracts are supplied by external collaborators as YAML
// and are read-only to the engine.
package contract

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// BoundaryKind enumerates the policies governing behavior on inputs outside
// the declared domain.
type BoundaryKind string

const (
	// BoundaryUnrestricted places no requirement on out-of-domain inputs.
	BoundaryUnrestricted BoundaryKind = "unrestricted"
	// BoundaryMustSignal requires an error (of ErrKind if declared) on every example.
	BoundaryMustSignal BoundaryKind = "must-signal"
	// BoundaryMustReturnValue requires the declared sentinel on every example.
	BoundaryMustReturnValue BoundaryKind = "must-return-value"
	// BoundaryBehaviorFrozen requires post-rewrite behavior to match pre-rewrite
	// behavior exactly on every example.
	BoundaryBehaviorFrozen BoundaryKind = "behavior-frozen"
)

// DefaultMaxChecks caps the number of boundary examples evaluated per check.
const DefaultMaxChecks = 4

// OracleCase is one input/expected-output pair. Exactly one of Want and
// WantErrKind is meaningful: a case with WantErrKind set passes only when the
// candidate signals an error of that kind.
type OracleCase struct {
	Input       string `yaml:"input"`
	Want        string `yaml:"want"`
	WantErrKind string `yaml:"want_err,omitempty"`
}

// BoundaryPolicy declares the permitted behavior on out-of-domain inputs.
type BoundaryPolicy struct {
	Kind      BoundaryKind `yaml:"kind" validate:"required,oneof=unrestricted must-signal must-return-value behavior-frozen"`
	Sentinel  string       `yaml:"sentinel,omitempty"`
	ErrKind   string       `yaml:"err_kind,omitempty"`
	Examples  []string     `yaml:"examples,omitempty"`
	MaxChecks int          `yaml:"max_checks,omitempty" validate:"gte=0"`
}

// CappedExamples returns the example list truncated to MaxChecks (or the
// default cap when unset). Boundary evaluation must stay small and fixed.
func (p BoundaryPolicy) CappedExamples() []string {
	limit := p.MaxChecks
	if limit <= 0 {
		limit = DefaultMaxChecks
	}
	if len(p.Examples) <= limit {
		return p.Examples
	}
	return p.Examples[:limit]
}

// Constraints are optional domain constraints checked at canon establishment.
type Constraints struct {
	MaxSourceBytes int      `yaml:"max_source_bytes,omitempty" validate:"gte=0"`
	ForbidTokens   []string `yaml:"forbid_tokens,omitempty"`
}

// Contract is the full immutable spec for one repair target.
//
// Entry optionally names the candidate's entry function; when empty the
// sandbox discovers the best-scoring func(string) (string, error) itself.
type Contract struct {
	ID          string         `yaml:"id" validate:"required"`
	Entry       string         `yaml:"entry,omitempty"`
	Oracle      []OracleCase   `yaml:"oracle" validate:"required,min=1,dive"`
	Boundary    BoundaryPolicy `yaml:"boundary"`
	Constraints Constraints    `yaml:"constraints,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a contract from a YAML file.
func Load(path string) (Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Contract{}, fmt.Errorf("read contract: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a contract from YAML bytes.
func Parse(data []byte) (Contract, error) {
	var c Contract
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Contract{}, fmt.Errorf("parse contract: %w", err)
	}
	if c.Boundary.Kind == "" {
		c.Boundary.Kind = BoundaryUnrestricted
	}
	if err := validate.Struct(c); err != nil {
		return Contract{}, fmt.Errorf("invalid contract %q: %w", c.ID, err)
	}
	if err := checkPolicyShape(c.Boundary); err != nil {
		return Contract{}, fmt.Errorf("invalid contract %q: %w", c.ID, err)
	}
	for i, oc := range c.Oracle {
		if oc.Want != "" && oc.WantErrKind != "" {
			return Contract{}, fmt.Errorf("invalid contract %q: oracle case %d declares both want and want_err", c.ID, i)
		}
	}
	return c, nil
}

// checkPolicyShape enforces kind-specific required fields the struct tags
// cannot express.
func checkPolicyShape(p BoundaryPolicy) error {
	switch p.Kind {
	case BoundaryMustReturnValue:
		if len(p.Examples) == 0 {
			return fmt.Errorf("must-return-value policy requires examples")
		}
	case BoundaryMustSignal, BoundaryBehaviorFrozen:
		if len(p.Examples) == 0 {
			return fmt.Errorf("%s policy requires examples", p.Kind)
		}
	case BoundaryUnrestricted:
		// No shape requirements.
	}
	return nil
}
