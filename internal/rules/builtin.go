package rules

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"strings"

	"golang.org/x/tools/go/ast/astutil"

	"canonize/internal/analyze"
	"canonize/internal/props"
)

// Builtin returns the builtin rule catalog. Every rule is a pure
// source-to-source rewrite that preserves in-domain semantics; the validator
// still re-checks each application against the oracle.
func Builtin() []*Rule {
	return []*Rule{
		alignIdentifiers(),
		flattenElseAfterReturn(),
		booleanLiteralComparison(),
		normalizeCommutative(),
		rangeLoop(),
		incrementStmt(),
		shortVarDecl(),
	}
}

// reparse gives a rewrite its own mutable tree so rule application never
// touches the shared context.
func reparse(source string) (*token.FileSet, *ast.File, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", source, parser.SkipObjectResolution)
	if err != nil {
		return nil, nil, fmt.Errorf("reparse candidate: %w", err)
	}
	return fset, file, nil
}

func render(fset *token.FileSet, file *ast.File) (string, error) {
	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return "", fmt.Errorf("render rewrite: %w", err)
	}
	return buf.String(), nil
}

// ---------------------------------------------------------------------------
// align-identifiers: rename candidate functions (and their call sites) and
// entry-function parameters toward the canon's names, matched positionally.
// Renames never collide: a rename is skipped when the target name is already
// taken in the candidate.

func alignIdentifiers() *Rule {
	return &Rule{
		ID:                 "align-identifiers",
		TargetProperty:     props.PropDependencyGraph,
		Category:           analyze.CategoryNaming,
		Priority:           90,
		PreservesSemantics: true,
		Match: func(ctx *Context) bool {
			return len(identRenames(ctx.File, ctx.CanonFile)) > 0
		},
		Sites: func(ctx *Context) []Span {
			return []Span{{Start: ctx.File.Pos(), End: ctx.File.End()}}
		},
		Rewrite: func(ctx *Context) (string, error) {
			fset, file, err := reparse(ctx.Source)
			if err != nil {
				return "", err
			}
			renames := identRenames(file, ctx.CanonFile)
			if len(renames) == 0 {
				return "", fmt.Errorf("no renames apply")
			}
			astutil.Apply(file, func(c *astutil.Cursor) bool {
				if ident, ok := c.Node().(*ast.Ident); ok {
					if to, ok := renames[ident.Name]; ok {
						ident.Name = to
					}
				}
				return true
			}, nil)
			return render(fset, file)
		},
	}
}

// identRenames builds the old->new name map: function declarations matched by
// position and arity, then the first matched pair's parameters by position.
func identRenames(cand, canon *ast.File) map[string]string {
	candFns := funcDecls(cand)
	canonFns := funcDecls(canon)
	renames := map[string]string{}
	taken := map[string]bool{}

	collect := func(f *ast.File) {
		ast.Inspect(f, func(n ast.Node) bool {
			if ident, ok := n.(*ast.Ident); ok {
				taken[ident.Name] = true
			}
			return true
		})
	}
	collect(cand)

	add := func(from, to string) {
		if from == to || from == "_" || to == "_" {
			return
		}
		if taken[to] {
			return
		}
		if _, dup := renames[from]; dup {
			return
		}
		renames[from] = to
		taken[to] = true
	}

	n := len(candFns)
	if len(canonFns) < n {
		n = len(canonFns)
	}
	for i := 0; i < n; i++ {
		cf, kf := candFns[i], canonFns[i]
		if arity(cf) != arity(kf) {
			continue
		}
		add(cf.Name.Name, kf.Name.Name)

		cp := paramNames(cf)
		kp := paramNames(kf)
		for j := 0; j < len(cp) && j < len(kp); j++ {
			add(cp[j], kp[j])
		}
	}
	return renames
}

func funcDecls(f *ast.File) []*ast.FuncDecl {
	var fns []*ast.FuncDecl
	for _, decl := range f.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

func arity(fn *ast.FuncDecl) [2]int {
	var a [2]int
	if fn.Type.Params != nil {
		a[0] = fn.Type.Params.NumFields()
	}
	if fn.Type.Results != nil {
		a[1] = fn.Type.Results.NumFields()
	}
	return a
}

func paramNames(fn *ast.FuncDecl) []string {
	var names []string
	if fn.Type.Params == nil {
		return names
	}
	for _, field := range fn.Type.Params.List {
		for _, name := range field.Names {
			names = append(names, name.Name)
		}
	}
	return names
}

// ---------------------------------------------------------------------------
// flatten-else-after-return: `if c { ...; return } else { S }` becomes
// `if c { ...; return }; S`, the guard-clause form. Applies only when the
// canon itself carries no else blocks.

func flattenElseAfterReturn() *Rule {
	return &Rule{
		ID:                 "flatten-else-after-return",
		TargetProperty:     props.PropControlFlowShape,
		Category:           analyze.CategoryControlFlow,
		Priority:           70,
		PreservesSemantics: true,
		Match: func(ctx *Context) bool {
			return hasFlattenableElse(ctx.File) && !hasElseBlock(ctx.CanonFile)
		},
		Sites: func(ctx *Context) []Span {
			var spans []Span
			ast.Inspect(ctx.File, func(n ast.Node) bool {
				if ifStmt, ok := n.(*ast.IfStmt); ok && flattenable(ifStmt) {
					spans = append(spans, Span{Start: ifStmt.Pos(), End: ifStmt.End()})
				}
				return true
			})
			return spans
		},
		Rewrite: func(ctx *Context) (string, error) {
			fset, file, err := reparse(ctx.Source)
			if err != nil {
				return "", err
			}
			changed := false
			ast.Inspect(file, func(n ast.Node) bool {
				if block, ok := n.(*ast.BlockStmt); ok {
					if flattenBlock(block) {
						changed = true
					}
				}
				return true
			})
			if !changed {
				return "", fmt.Errorf("no else branch to flatten")
			}
			return render(fset, file)
		},
	}
}

func flattenable(ifStmt *ast.IfStmt) bool {
	elseBlock, ok := ifStmt.Else.(*ast.BlockStmt)
	if !ok || len(elseBlock.List) == 0 {
		return false
	}
	return terminatesFlow(ifStmt.Body)
}

// terminatesFlow reports whether a block's last statement unconditionally
// leaves the block.
func terminatesFlow(block *ast.BlockStmt) bool {
	if len(block.List) == 0 {
		return false
	}
	switch last := block.List[len(block.List)-1].(type) {
	case *ast.ReturnStmt:
		return true
	case *ast.BranchStmt:
		return last.Tok == token.BREAK || last.Tok == token.CONTINUE
	default:
		return false
	}
}

func hasFlattenableElse(f *ast.File) bool {
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		if ifStmt, ok := n.(*ast.IfStmt); ok && flattenable(ifStmt) {
			found = true
		}
		return !found
	})
	return found
}

func hasElseBlock(f *ast.File) bool {
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		if ifStmt, ok := n.(*ast.IfStmt); ok && ifStmt.Else != nil {
			found = true
		}
		return !found
	})
	return found
}

// flattenBlock splices flattenable else branches into the enclosing block.
func flattenBlock(block *ast.BlockStmt) bool {
	changed := false
	var out []ast.Stmt
	for _, stmt := range block.List {
		ifStmt, ok := stmt.(*ast.IfStmt)
		if ok && flattenable(ifStmt) {
			elseBlock := ifStmt.Else.(*ast.BlockStmt)
			ifStmt.Else = nil
			out = append(out, ifStmt)
			out = append(out, elseBlock.List...)
			changed = true
			continue
		}
		out = append(out, stmt)
	}
	if changed {
		block.List = out
	}
	return changed
}

// ---------------------------------------------------------------------------
// boolean-literal-comparison: `x == true` -> `x`, `x != true` -> `!x`,
// `x == false` -> `!x`, `x != false` -> `x`.

func booleanLiteralComparison() *Rule {
	return &Rule{
		ID:                 "boolean-literal-comparison",
		TargetProperty:     props.PropNormalizedExpressions,
		Category:           analyze.CategoryExpression,
		Priority:           65,
		PreservesSemantics: true,
		Match: func(ctx *Context) bool {
			return firstBoolComparison(ctx.File) != nil
		},
		Sites: func(ctx *Context) []Span {
			var spans []Span
			ast.Inspect(ctx.File, func(n ast.Node) bool {
				if be, ok := n.(*ast.BinaryExpr); ok && boolLiteralSide(be) != nil {
					spans = append(spans, Span{Start: be.Pos(), End: be.End()})
				}
				return true
			})
			return spans
		},
		Rewrite: func(ctx *Context) (string, error) {
			fset, file, err := reparse(ctx.Source)
			if err != nil {
				return "", err
			}
			changed := false
			astutil.Apply(file, nil, func(c *astutil.Cursor) bool {
				be, ok := c.Node().(*ast.BinaryExpr)
				if !ok {
					return true
				}
				repl := simplifyBoolComparison(be)
				if repl != nil {
					c.Replace(repl)
					changed = true
				}
				return true
			})
			if !changed {
				return "", fmt.Errorf("no boolean literal comparison found")
			}
			return render(fset, file)
		},
	}
}

func boolLiteralSide(be *ast.BinaryExpr) *ast.Ident {
	if be.Op != token.EQL && be.Op != token.NEQ {
		return nil
	}
	if lit := asBoolLiteral(be.Y); lit != nil {
		return lit
	}
	return asBoolLiteral(be.X)
}

func asBoolLiteral(e ast.Expr) *ast.Ident {
	if ident, ok := e.(*ast.Ident); ok && (ident.Name == "true" || ident.Name == "false") {
		return ident
	}
	return nil
}

func firstBoolComparison(f *ast.File) *ast.BinaryExpr {
	var found *ast.BinaryExpr
	ast.Inspect(f, func(n ast.Node) bool {
		if be, ok := n.(*ast.BinaryExpr); ok && boolLiteralSide(be) != nil {
			found = be
		}
		return found == nil
	})
	return found
}

func simplifyBoolComparison(be *ast.BinaryExpr) ast.Expr {
	if be.Op != token.EQL && be.Op != token.NEQ {
		return nil
	}
	lit := asBoolLiteral(be.Y)
	other := be.X
	if lit == nil {
		lit = asBoolLiteral(be.X)
		other = be.Y
	}
	if lit == nil {
		return nil
	}
	// ==true and !=false keep the operand; ==false and !=true negate it.
	keep := (be.Op == token.EQL) == (lit.Name == "true")
	if keep {
		return other
	}
	return &ast.UnaryExpr{Op: token.NOT, X: parenIfNeeded(other)}
}

func parenIfNeeded(e ast.Expr) ast.Expr {
	switch e.(type) {
	case *ast.Ident, *ast.SelectorExpr, *ast.CallExpr, *ast.ParenExpr, *ast.IndexExpr:
		return e
	default:
		return &ast.ParenExpr{X: e}
	}
}

// ---------------------------------------------------------------------------
// normalize-commutative: a numeric literal on the left of +, *, ==, != moves
// to the right, so `1 + x` reads `x + 1`. Restricted to numeric literals;
// string concatenation never matches.

func normalizeCommutative() *Rule {
	return &Rule{
		ID:                 "normalize-commutative",
		TargetProperty:     props.PropStructuralHash,
		Category:           analyze.CategoryExpression,
		Priority:           60,
		PreservesSemantics: true,
		Match: func(ctx *Context) bool {
			return hasLeftNumericLiteral(ctx.File)
		},
		Sites: func(ctx *Context) []Span {
			var spans []Span
			ast.Inspect(ctx.File, func(n ast.Node) bool {
				if be, ok := n.(*ast.BinaryExpr); ok && leftNumericLiteral(be) {
					spans = append(spans, Span{Start: be.Pos(), End: be.End()})
				}
				return true
			})
			return spans
		},
		Rewrite: func(ctx *Context) (string, error) {
			fset, file, err := reparse(ctx.Source)
			if err != nil {
				return "", err
			}
			changed := false
			ast.Inspect(file, func(n ast.Node) bool {
				if be, ok := n.(*ast.BinaryExpr); ok && leftNumericLiteral(be) {
					be.X, be.Y = be.Y, be.X
					changed = true
				}
				return true
			})
			if !changed {
				return "", fmt.Errorf("no left-side numeric literal found")
			}
			return render(fset, file)
		},
	}
}

func leftNumericLiteral(be *ast.BinaryExpr) bool {
	switch be.Op {
	case token.ADD, token.MUL, token.EQL, token.NEQ:
	default:
		return false
	}
	lit, ok := be.X.(*ast.BasicLit)
	if !ok || (lit.Kind != token.INT && lit.Kind != token.FLOAT) {
		return false
	}
	if _, rightLit := be.Y.(*ast.BasicLit); rightLit {
		return false
	}
	return true
}

func hasLeftNumericLiteral(f *ast.File) bool {
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		if be, ok := n.(*ast.BinaryExpr); ok && leftNumericLiteral(be) {
			found = true
		}
		return !found
	})
	return found
}

// ---------------------------------------------------------------------------
// range-loop: `for i := 0; i < len(x); i++ { ... }` becomes
// `for i := range x { ... }` when the canon ranges and the body leaves the
// index variable alone.

func rangeLoop() *Rule {
	return &Rule{
		ID:                 "range-loop",
		TargetProperty:     props.PropControlFlowShape,
		Category:           analyze.CategoryControlFlow,
		Priority:           55,
		PreservesSemantics: true,
		Match: func(ctx *Context) bool {
			if !strings.Contains(props.Serialize(ctx.CanonSource), "range_clause") {
				return false
			}
			return firstCountedLoop(ctx.File) != nil
		},
		Sites: func(ctx *Context) []Span {
			var spans []Span
			ast.Inspect(ctx.File, func(n ast.Node) bool {
				if loop, ok := n.(*ast.ForStmt); ok {
					if _, _, ok := countedLoopParts(loop); ok {
						spans = append(spans, Span{Start: loop.Pos(), End: loop.End()})
					}
				}
				return true
			})
			return spans
		},
		Rewrite: func(ctx *Context) (string, error) {
			fset, file, err := reparse(ctx.Source)
			if err != nil {
				return "", err
			}
			changed := false
			astutil.Apply(file, nil, func(c *astutil.Cursor) bool {
				loop, ok := c.Node().(*ast.ForStmt)
				if !ok {
					return true
				}
				idx, seq, ok := countedLoopParts(loop)
				if !ok {
					return true
				}
				c.Replace(&ast.RangeStmt{
					Key:  ast.NewIdent(idx),
					Tok:  token.DEFINE,
					X:    seq,
					Body: loop.Body,
				})
				changed = true
				return true
			})
			if !changed {
				return "", fmt.Errorf("no counted loop to convert")
			}
			return render(fset, file)
		},
	}
}

// countedLoopParts recognizes `for i := 0; i < len(seq); i++` with a body
// that never writes i, and returns the index name and sequence expression.
func countedLoopParts(loop *ast.ForStmt) (string, ast.Expr, bool) {
	init, ok := loop.Init.(*ast.AssignStmt)
	if !ok || init.Tok != token.DEFINE || len(init.Lhs) != 1 || len(init.Rhs) != 1 {
		return "", nil, false
	}
	idx, ok := init.Lhs[0].(*ast.Ident)
	if !ok {
		return "", nil, false
	}
	zero, ok := init.Rhs[0].(*ast.BasicLit)
	if !ok || zero.Kind != token.INT || zero.Value != "0" {
		return "", nil, false
	}

	cond, ok := loop.Cond.(*ast.BinaryExpr)
	if !ok || cond.Op != token.LSS {
		return "", nil, false
	}
	condIdx, ok := cond.X.(*ast.Ident)
	if !ok || condIdx.Name != idx.Name {
		return "", nil, false
	}
	lenCall, ok := cond.Y.(*ast.CallExpr)
	if !ok || len(lenCall.Args) != 1 {
		return "", nil, false
	}
	lenIdent, ok := lenCall.Fun.(*ast.Ident)
	if !ok || lenIdent.Name != "len" {
		return "", nil, false
	}

	post, ok := loop.Post.(*ast.IncDecStmt)
	if !ok || post.Tok != token.INC {
		return "", nil, false
	}
	postIdx, ok := post.X.(*ast.Ident)
	if !ok || postIdx.Name != idx.Name {
		return "", nil, false
	}

	if loop.Body == nil || writesTo(loop.Body, idx.Name) {
		return "", nil, false
	}
	return idx.Name, lenCall.Args[0], true
}

func firstCountedLoop(f *ast.File) *ast.ForStmt {
	var found *ast.ForStmt
	ast.Inspect(f, func(n ast.Node) bool {
		if loop, ok := n.(*ast.ForStmt); ok {
			if _, _, ok := countedLoopParts(loop); ok {
				found = loop
			}
		}
		return found == nil
	})
	return found
}

func writesTo(block *ast.BlockStmt, name string) bool {
	written := false
	ast.Inspect(block, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.AssignStmt:
			for _, lhs := range node.Lhs {
				if ident, ok := lhs.(*ast.Ident); ok && ident.Name == name {
					written = true
				}
			}
		case *ast.IncDecStmt:
			if ident, ok := node.X.(*ast.Ident); ok && ident.Name == name {
				written = true
			}
		case *ast.UnaryExpr:
			if node.Op == token.AND {
				if ident, ok := node.X.(*ast.Ident); ok && ident.Name == name {
					written = true
				}
			}
		}
		return !written
	})
	return written
}

// ---------------------------------------------------------------------------
// increment-stmt: `i = i + 1` and `i += 1` become `i++` when the canon uses
// the increment form.

func incrementStmt() *Rule {
	return &Rule{
		ID:                 "increment-stmt",
		TargetProperty:     props.PropStatementOrder,
		Category:           analyze.CategoryStatementOrder,
		Priority:           50,
		PreservesSemantics: true,
		Match: func(ctx *Context) bool {
			return hasIncrementAssign(ctx.File) && hasIncDec(ctx.CanonFile)
		},
		Sites: func(ctx *Context) []Span {
			var spans []Span
			ast.Inspect(ctx.File, func(n ast.Node) bool {
				if assign, ok := n.(*ast.AssignStmt); ok && incrementTarget(assign) != "" {
					spans = append(spans, Span{Start: assign.Pos(), End: assign.End()})
				}
				return true
			})
			return spans
		},
		Rewrite: func(ctx *Context) (string, error) {
			fset, file, err := reparse(ctx.Source)
			if err != nil {
				return "", err
			}
			changed := false
			astutil.Apply(file, nil, func(c *astutil.Cursor) bool {
				assign, ok := c.Node().(*ast.AssignStmt)
				if !ok {
					return true
				}
				if name := incrementTarget(assign); name != "" {
					c.Replace(&ast.IncDecStmt{X: ast.NewIdent(name), Tok: token.INC})
					changed = true
				}
				return true
			})
			if !changed {
				return "", fmt.Errorf("no increment assignment found")
			}
			return render(fset, file)
		},
	}
}

// incrementTarget returns the variable name when the assignment is
// `x = x + 1` or `x += 1`, else "".
func incrementTarget(assign *ast.AssignStmt) string {
	if len(assign.Lhs) != 1 || len(assign.Rhs) != 1 {
		return ""
	}
	lhs, ok := assign.Lhs[0].(*ast.Ident)
	if !ok {
		return ""
	}

	if assign.Tok == token.ADD_ASSIGN {
		if lit, ok := assign.Rhs[0].(*ast.BasicLit); ok && lit.Kind == token.INT && lit.Value == "1" {
			return lhs.Name
		}
		return ""
	}

	if assign.Tok != token.ASSIGN {
		return ""
	}
	be, ok := assign.Rhs[0].(*ast.BinaryExpr)
	if !ok || be.Op != token.ADD {
		return ""
	}
	x, xok := be.X.(*ast.Ident)
	lit, lok := be.Y.(*ast.BasicLit)
	if xok && lok && x.Name == lhs.Name && lit.Kind == token.INT && lit.Value == "1" {
		return lhs.Name
	}
	return ""
}

func hasIncrementAssign(f *ast.File) bool {
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		if assign, ok := n.(*ast.AssignStmt); ok && incrementTarget(assign) != "" {
			found = true
		}
		return !found
	})
	return found
}

func hasIncDec(f *ast.File) bool {
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		if _, ok := n.(*ast.IncDecStmt); ok {
			found = true
		}
		return !found
	})
	return found
}

// ---------------------------------------------------------------------------
// short-var-decl: `var x = e` inside a function body becomes `x := e` when
// the canon declares with the short form.

func shortVarDecl() *Rule {
	return &Rule{
		ID:                 "short-var-decl",
		TargetProperty:     props.PropStatementOrder,
		Category:           analyze.CategoryStatementOrder,
		Priority:           45,
		PreservesSemantics: true,
		Match: func(ctx *Context) bool {
			return hasLongVarDecl(ctx.File) && !hasLongVarDecl(ctx.CanonFile)
		},
		Sites: func(ctx *Context) []Span {
			var spans []Span
			forEachLongVarDecl(ctx.File, func(decl *ast.DeclStmt, _ *ast.ValueSpec) {
				spans = append(spans, Span{Start: decl.Pos(), End: decl.End()})
			})
			return spans
		},
		Rewrite: func(ctx *Context) (string, error) {
			fset, file, err := reparse(ctx.Source)
			if err != nil {
				return "", err
			}
			changed := false
			astutil.Apply(file, nil, func(c *astutil.Cursor) bool {
				decl, ok := c.Node().(*ast.DeclStmt)
				if !ok {
					return true
				}
				spec := longVarSpec(decl)
				if spec == nil {
					return true
				}
				lhs := make([]ast.Expr, len(spec.Names))
				for i, name := range spec.Names {
					lhs[i] = ast.NewIdent(name.Name)
				}
				c.Replace(&ast.AssignStmt{
					Lhs: lhs,
					Tok: token.DEFINE,
					Rhs: spec.Values,
				})
				changed = true
				return true
			})
			if !changed {
				return "", fmt.Errorf("no var declaration to shorten")
			}
			return render(fset, file)
		},
	}
}

// longVarSpec returns the single untyped, initialized value spec of a var
// DeclStmt, or nil when the statement is not convertible.
func longVarSpec(decl *ast.DeclStmt) *ast.ValueSpec {
	gen, ok := decl.Decl.(*ast.GenDecl)
	if !ok || gen.Tok != token.VAR || len(gen.Specs) != 1 {
		return nil
	}
	spec, ok := gen.Specs[0].(*ast.ValueSpec)
	if !ok || spec.Type != nil || len(spec.Values) == 0 {
		return nil
	}
	return spec
}

func forEachLongVarDecl(f *ast.File, fn func(*ast.DeclStmt, *ast.ValueSpec)) {
	ast.Inspect(f, func(n ast.Node) bool {
		if decl, ok := n.(*ast.DeclStmt); ok {
			if spec := longVarSpec(decl); spec != nil {
				fn(decl, spec)
			}
		}
		return true
	})
}

func hasLongVarDecl(f *ast.File) bool {
	found := false
	forEachLongVarDecl(f, func(*ast.DeclStmt, *ast.ValueSpec) { found = true })
	return found
}
