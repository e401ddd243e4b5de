package props

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"sort"
	"strings"

	"go.uber.org/zap"

	"canonize/internal/logging"
)

// Profiler observes a program's behavior on a fixed input list. The repair
// layer injects a sandbox-backed implementation; the extractor itself never
// executes code, which keeps extraction pure for callers that do not need
// execution-path signatures.
type Profiler interface {
	Profile(source string, inputs []string) []string
}

// Extractor computes property sets from source text. The zero value works;
// WithProfiler enables the execution_paths property.
type Extractor struct {
	profiler Profiler
	inputs   []string
	log      *zap.Logger
}

// NewExtractor returns an extractor without behavioral profiling.
func NewExtractor() *Extractor {
	return &Extractor{log: logging.Named(logging.SubsystemProps)}
}

// WithProfiler returns a copy of the extractor that fills execution_paths by
// running the program on the given inputs.
func (e *Extractor) WithProfiler(p Profiler, inputs []string) *Extractor {
	clone := *e
	clone.profiler = p
	clone.inputs = inputs
	return &clone
}

// Extract computes the full property set for source. It never fails: input
// that does not parse yields a set with ParseError and nothing else.
func (e *Extractor) Extract(source string) Set {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", source, parser.SkipObjectResolution)
	if err != nil {
		e.log.Debug("candidate did not parse", zap.Error(err))
		return Set{ParseError: true}
	}

	serial := Serialize(source)
	sum := sha256.Sum256([]byte(serial))

	s := Set{
		Serial:         serial,
		StructuralHash: hex.EncodeToString(sum[:16]),
	}

	entry := entryFunc(file)
	s.ControlFlowShape, s.NestingDepth = controlFlowShape(file)
	s.StatementOrder = statementOrder(entry)
	s.DependencyGraph = dependencyGraph(file)
	s.CyclomaticComplexity = cyclomatic(file)
	s.ParamContract, s.ReturnContract = signatureContracts(fset, entry)
	s.SideEffects = sideEffectProfile(file)
	s.RecursionSchema = recursionSchema(file)
	s.NormalizedExpressions = normalizedExpressions(file)
	s.ComplexityClass = complexityClass(s)

	if e.profiler != nil && len(e.inputs) > 0 {
		s.ExecutionPaths = strings.Join(e.profiler.Profile(source, e.inputs), ";")
	}

	return s
}

// entryFunc picks the function the contracts exercise: the first declared
// function that is not main or init, preferring exported ones.
func entryFunc(file *ast.File) *ast.FuncDecl {
	var first *ast.FuncDecl
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Name.Name == "main" || fn.Name.Name == "init" {
			continue
		}
		if fn.Name.IsExported() {
			return fn
		}
		if first == nil {
			first = fn
		}
	}
	return first
}

// controlFlowShape renders the nesting structure of every function as a
// compact bracketed string and reports the maximum nesting depth.
func controlFlowShape(file *ast.File) (string, int) {
	var shapes []string
	maxDepth := 0

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		var sb strings.Builder
		depth := shapeBlock(&sb, fn.Body, 1)
		if depth > maxDepth {
			maxDepth = depth
		}
		shapes = append(shapes, "fn["+sb.String()+"]")
	}
	return strings.Join(shapes, " "), maxDepth
}

func shapeBlock(sb *strings.Builder, block *ast.BlockStmt, depth int) int {
	maxDepth := depth
	write := func(tok string, body *ast.BlockStmt, extra ...*ast.BlockStmt) {
		sb.WriteString(tok)
		sb.WriteByte('[')
		if body != nil {
			if d := shapeBlock(sb, body, depth+1); d > maxDepth {
				maxDepth = d
			}
		}
		for _, b := range extra {
			sb.WriteByte('|')
			if b != nil {
				if d := shapeBlock(sb, b, depth+1); d > maxDepth {
					maxDepth = d
				}
			}
		}
		sb.WriteByte(']')
	}

	for _, stmt := range block.List {
		switch st := stmt.(type) {
		case *ast.IfStmt:
			switch alt := st.Else.(type) {
			case *ast.BlockStmt:
				write("if", st.Body, alt)
			case *ast.IfStmt:
				write("if", st.Body)
				// Chained else-if renders as a sibling if.
				wrapped := &ast.BlockStmt{List: []ast.Stmt{alt}}
				if d := shapeBlock(sb, wrapped, depth); d > maxDepth {
					maxDepth = d
				}
			default:
				write("if", st.Body)
			}
		case *ast.ForStmt:
			write("for", st.Body)
		case *ast.RangeStmt:
			write("range", st.Body)
		case *ast.SwitchStmt:
			sb.WriteString("switch[")
			for _, clause := range st.Body.List {
				if cc, ok := clause.(*ast.CaseClause); ok {
					wrapped := &ast.BlockStmt{List: cc.Body}
					sb.WriteString("case[")
					if d := shapeBlock(sb, wrapped, depth+1); d > maxDepth {
						maxDepth = d
					}
					sb.WriteByte(']')
				}
			}
			sb.WriteByte(']')
		case *ast.TypeSwitchStmt:
			sb.WriteString("typeswitch")
		case *ast.SelectStmt:
			sb.WriteString("select")
		case *ast.ReturnStmt:
			sb.WriteString("ret")
		case *ast.BlockStmt:
			write("block", st)
		default:
			sb.WriteByte('.')
		}
	}
	return maxDepth
}

// statementOrder is the ordered sequence of statement kinds in the entry
// function's top-level body.
func statementOrder(fn *ast.FuncDecl) string {
	if fn == nil || fn.Body == nil {
		return ""
	}
	kinds := make([]string, 0, len(fn.Body.List))
	for _, stmt := range fn.Body.List {
		kinds = append(kinds, stmtKind(stmt))
	}
	return strings.Join(kinds, ",")
}

func stmtKind(stmt ast.Stmt) string {
	switch st := stmt.(type) {
	case *ast.DeclStmt:
		return "decl"
	case *ast.AssignStmt:
		if st.Tok == token.DEFINE {
			return "define"
		}
		return "assign"
	case *ast.IfStmt:
		return "if"
	case *ast.ForStmt:
		return "for"
	case *ast.RangeStmt:
		return "range"
	case *ast.SwitchStmt, *ast.TypeSwitchStmt:
		return "switch"
	case *ast.SelectStmt:
		return "select"
	case *ast.ReturnStmt:
		return "return"
	case *ast.ExprStmt:
		return "expr"
	case *ast.IncDecStmt:
		return "incdec"
	case *ast.DeferStmt:
		return "defer"
	case *ast.GoStmt:
		return "go"
	case *ast.BranchStmt:
		return strings.ToLower(st.Tok.String())
	default:
		return "stmt"
	}
}

// dependencyGraph emits sorted caller->callee edges for calls to plain
// identifiers (local helpers and builtins alike; selector calls carry their
// package qualifier).
func dependencyGraph(file *ast.File) string {
	edges := map[string]bool{}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		caller := fn.Name.Name
		ast.Inspect(fn.Body, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return true
			}
			switch callee := call.Fun.(type) {
			case *ast.Ident:
				edges[caller+"->"+callee.Name] = true
			case *ast.SelectorExpr:
				if x, ok := callee.X.(*ast.Ident); ok {
					edges[caller+"->"+x.Name+"."+callee.Sel.Name] = true
				}
			}
			return true
		})
	}

	sorted := make([]string, 0, len(edges))
	for e := range edges {
		sorted = append(sorted, e)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

// cyclomatic is the classic estimate: one per function plus one per branch
// point and short-circuit operator.
func cyclomatic(file *ast.File) int {
	count := 0
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		count++
		ast.Inspect(fn.Body, func(n ast.Node) bool {
			switch node := n.(type) {
			case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.CaseClause, *ast.CommClause:
				count++
			case *ast.BinaryExpr:
				if node.Op == token.LAND || node.Op == token.LOR {
					count++
				}
			}
			return true
		})
	}
	return count
}

// signatureContracts prints the entry function's parameter and result type
// tuples, e.g. "(string)" and "(string, error)".
func signatureContracts(fset *token.FileSet, fn *ast.FuncDecl) (string, string) {
	if fn == nil {
		return "", ""
	}
	return fieldListTypes(fset, fn.Type.Params), fieldListTypes(fset, fn.Type.Results)
}

func fieldListTypes(fset *token.FileSet, fields *ast.FieldList) string {
	if fields == nil {
		return "()"
	}
	var types []string
	for _, field := range fields.List {
		var buf bytes.Buffer
		_ = printer.Fprint(&buf, fset, field.Type)
		n := len(field.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			types = append(types, buf.String())
		}
	}
	return "(" + strings.Join(types, ", ") + ")"
}

// sideEffectProfile reports imported packages plus observable effect calls.
// "pure" means neither imports nor effects were found.
func sideEffectProfile(file *ast.File) string {
	effects := map[string]bool{}

	for _, imp := range file.Imports {
		effects["import:"+strings.Trim(imp.Path.Value, `"`)] = true
	}

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		if ident, ok := call.Fun.(*ast.Ident); ok {
			if ident.Name == "println" || ident.Name == "print" {
				effects["effect:"+ident.Name] = true
			}
		}
		if sel, ok := call.Fun.(*ast.SelectorExpr); ok {
			if x, ok := sel.X.(*ast.Ident); ok {
				switch x.Name {
				case "os", "fmt", "log":
					if strings.HasPrefix(sel.Sel.Name, "Print") || sel.Sel.Name == "Exit" ||
						strings.HasPrefix(sel.Sel.Name, "Fatal") || strings.HasPrefix(sel.Sel.Name, "Write") {
						effects["effect:"+x.Name+"."+sel.Sel.Name] = true
					}
				}
			}
		}
		return true
	})

	if len(effects) == 0 {
		return "pure"
	}
	sorted := make([]string, 0, len(effects))
	for e := range effects {
		sorted = append(sorted, e)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

// recursionSchema reports "self" when any function calls itself, "mutual"
// when two functions call each other, "none" otherwise.
func recursionSchema(file *ast.File) string {
	calls := map[string]map[string]bool{}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		caller := fn.Name.Name
		if calls[caller] == nil {
			calls[caller] = map[string]bool{}
		}
		ast.Inspect(fn.Body, func(n ast.Node) bool {
			if call, ok := n.(*ast.CallExpr); ok {
				if ident, ok := call.Fun.(*ast.Ident); ok {
					calls[caller][ident.Name] = true
				}
			}
			return true
		})
	}

	for caller, callees := range calls {
		if callees[caller] {
			return "self"
		}
	}
	for caller, callees := range calls {
		for callee := range callees {
			if calls[callee] != nil && calls[callee][caller] {
				return "mutual"
			}
		}
	}
	return "none"
}

// normalizedExpressions collects binary expression shapes with identifiers
// collapsed, sorted for order independence.
func normalizedExpressions(file *ast.File) string {
	shapes := map[string]bool{}

	ast.Inspect(file, func(n ast.Node) bool {
		if be, ok := n.(*ast.BinaryExpr); ok {
			shapes[exprShape(be)] = true
		}
		return true
	})

	sorted := make([]string, 0, len(shapes))
	for s := range shapes {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

// exprShape normalizes an expression: identifiers become "x", literals keep
// their value, commutative numeric operations sort their operands so a+1 and
// 1+a share a shape.
func exprShape(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.Ident:
		return "x"
	case *ast.BasicLit:
		return e.Value
	case *ast.BinaryExpr:
		left := exprShape(e.X)
		right := exprShape(e.Y)
		if commutative(e.Op) && left > right {
			left, right = right, left
		}
		return "(" + left + e.Op.String() + right + ")"
	case *ast.ParenExpr:
		return exprShape(e.X)
	case *ast.CallExpr:
		return "call(" + fmt.Sprintf("%d", len(e.Args)) + ")"
	case *ast.IndexExpr:
		return exprShape(e.X) + "[i]"
	case *ast.SelectorExpr:
		return "x.f"
	case *ast.UnaryExpr:
		return e.Op.String() + exprShape(e.X)
	default:
		return "?"
	}
}

func commutative(op token.Token) bool {
	switch op {
	case token.ADD, token.MUL, token.EQL, token.NEQ, token.LAND, token.LOR:
		return true
	}
	return false
}

// complexityClass is a coarse asymptotic estimate from the structural facts.
func complexityClass(s Set) string {
	switch {
	case s.RecursionSchema != "none" && s.RecursionSchema != "":
		return "O(rec)"
	case s.NestingDepth >= 3 && strings.Contains(s.ControlFlowShape, "for[") && loopNested(s.ControlFlowShape):
		return "O(n^2)"
	case strings.Contains(s.ControlFlowShape, "for[") || strings.Contains(s.ControlFlowShape, "range["):
		return "O(n)"
	default:
		return "O(1)"
	}
}

// loopNested reports whether a loop token appears inside another loop's
// bracket span.
func loopNested(shape string) bool {
	depth := 0
	loopDepths := []int{}
	i := 0
	for i < len(shape) {
		switch {
		case strings.HasPrefix(shape[i:], "for[") || strings.HasPrefix(shape[i:], "range["):
			for _, d := range loopDepths {
				if depth > d {
					return true
				}
			}
			loopDepths = append(loopDepths, depth)
			i += strings.Index(shape[i:], "[") + 1
			depth++
		case shape[i] == '[':
			depth++
			i++
		case shape[i] == ']':
			depth--
			if len(loopDepths) > 0 && depth == loopDepths[len(loopDepths)-1] {
				loopDepths = loopDepths[:len(loopDepths)-1]
			}
			i++
		default:
			i++
		}
	}
	return false
}
