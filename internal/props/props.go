// Package props turns candidate source text into a structured property set.
// Properties are partitioned into structural, behavioral, and semantic groups
// and are the inputs to both the distance engine (via the name-invariant
// serialization) and the property diff analyzer.
package props

import "strconv"

// Property names. Declaration order here is the fixed tie-break order used by
// the diff analyzer, so it is load-bearing.
const (
	PropControlFlowShape      = "control_flow_shape"
	PropNestingDepth          = "nesting_depth"
	PropStatementOrder        = "statement_order"
	PropDependencyGraph       = "dependency_graph"
	PropStructuralHash        = "structural_hash"
	PropCyclomaticComplexity  = "cyclomatic_complexity"
	PropExecutionPaths        = "execution_paths"
	PropParamContract         = "param_contract"
	PropReturnContract        = "return_contract"
	PropSideEffectProfile     = "side_effect_profile"
	PropRecursionSchema       = "recursion_schema"
	PropNormalizedExpressions = "normalized_expressions"
	PropComplexityClass       = "complexity_class"
	PropParseError            = "parse_error"
)

// Names lists every property in declaration order.
var Names = []string{
	PropControlFlowShape,
	PropNestingDepth,
	PropStatementOrder,
	PropDependencyGraph,
	PropStructuralHash,
	PropCyclomaticComplexity,
	PropExecutionPaths,
	PropParamContract,
	PropReturnContract,
	PropSideEffectProfile,
	PropRecursionSchema,
	PropNormalizedExpressions,
	PropComplexityClass,
	PropParseError,
}

// Set is the extracted property set for one program. A parse failure yields
// ParseError=true with every other field empty; extraction never errors.
type Set struct {
	ParseError bool

	// Serial is the name-invariant serialization of the structural tree.
	// It backs the distance engine and the structural hash; it is not itself
	// a named property.
	Serial string

	// Structural.
	ControlFlowShape     string
	NestingDepth         int
	StatementOrder       string
	DependencyGraph      string
	StructuralHash       string
	CyclomaticComplexity int

	// Behavioral.
	ExecutionPaths string
	ParamContract  string
	ReturnContract string
	SideEffects    string

	// Semantic.
	RecursionSchema       string
	NormalizedExpressions string
	ComplexityClass       string
}

// Value returns the string form of a named property. Numeric properties are
// rendered in decimal; parse_error renders as "true"/"false".
func (s Set) Value(name string) string {
	switch name {
	case PropControlFlowShape:
		return s.ControlFlowShape
	case PropNestingDepth:
		return strconv.Itoa(s.NestingDepth)
	case PropStatementOrder:
		return s.StatementOrder
	case PropDependencyGraph:
		return s.DependencyGraph
	case PropStructuralHash:
		return s.StructuralHash
	case PropCyclomaticComplexity:
		return strconv.Itoa(s.CyclomaticComplexity)
	case PropExecutionPaths:
		return s.ExecutionPaths
	case PropParamContract:
		return s.ParamContract
	case PropReturnContract:
		return s.ReturnContract
	case PropSideEffectProfile:
		return s.SideEffects
	case PropRecursionSchema:
		return s.RecursionSchema
	case PropNormalizedExpressions:
		return s.NormalizedExpressions
	case PropComplexityClass:
		return s.ComplexityClass
	case PropParseError:
		if s.ParseError {
			return "true"
		}
		return "false"
	}
	return ""
}

