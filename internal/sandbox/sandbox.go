// Package sandbox executes candidate code in an embedded yaegi interpreter
// instead of compiling it: no toolchain invocation, no binaries, no
// dependency resolution. Only allowlisted stdlib imports load, every
// invocation carries a wall-clock timeout, and any anomaly (compile failure,
// panic, timeout) folds into a deterministic Result rather than a host
// fault.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"canonize/internal/logging"
)

// Outcome kinds. A declared expected-error kind in a contract matches
// case-insensitively against ErrKind or a substring of Detail.
const (
	KindOK      = ""
	KindError   = "error"
	KindPanic   = "panic"
	KindTimeout = "timeout"
	KindInvalid = "invalid"
)

// Result is the deterministic outcome of one sandboxed invocation.
type Result struct {
	Value   string
	ErrKind string
	Detail  string
}

// OK reports whether the invocation returned a value without signaling.
func (r Result) OK() bool { return r.ErrKind == KindOK }

// Signature is a compact behavioral fingerprint: the outcome kind plus a
// short hash of the value, stable across runs.
func (r Result) Signature() string {
	if !r.OK() {
		return "err:" + r.ErrKind
	}
	sum := sha256.Sum256([]byte(r.Value))
	return "ok:" + hex.EncodeToString(sum[:4])
}

// Runner executes entry functions of shape func(string) (string, error).
type Runner struct {
	allowed map[string]bool
	timeout time.Duration
	log     *zap.Logger
}

// DefaultTimeout bounds a single oracle or boundary invocation.
const DefaultTimeout = 2 * time.Second

// NewRunner returns a runner with the stdlib allowlist and the given
// per-invocation timeout (DefaultTimeout when zero or negative).
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		allowed: allowedPackages(),
		timeout: timeout,
		log:     logging.Named(logging.SubsystemSandbox),
	}
}

// allowedPackages is the import allowlist: pure-computation stdlib only.
// Filesystem, network, exec, unsafe, and reflection stay out.
func allowedPackages() map[string]bool {
	pkgs := []string{
		"bytes", "bufio", "errors", "fmt", "math", "math/big", "regexp",
		"sort", "strconv", "strings", "unicode", "unicode/utf8",
		"encoding/json", "encoding/base64", "encoding/hex",
	}
	m := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		m[p] = true
	}
	return m
}

var packageDecl = regexp.MustCompile(`(?m)^package\s+\w+`)

// Run invokes entry(input) inside a fresh interpreter. When entry is empty
// the runner discovers the entry point itself.
func (r *Runner) Run(ctx context.Context, code, entry, input string) Result {
	if err := r.checkImports(code); err != nil {
		return Result{ErrKind: KindInvalid, Detail: err.Error()}
	}

	if entry == "" {
		found, err := FindEntry(code)
		if err != nil {
			return Result{ErrKind: KindInvalid, Detail: err.Error()}
		}
		entry = found
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return Result{ErrKind: KindInvalid, Detail: fmt.Sprintf("load stdlib symbols: %v", err)}
	}

	if _, err := i.EvalWithContext(ctx, normalizePackage(code)); err != nil {
		if ctx.Err() != nil {
			return Result{ErrKind: KindTimeout, Detail: "evaluation timed out"}
		}
		return Result{ErrKind: KindInvalid, Detail: fmt.Sprintf("evaluate code: %v", err)}
	}

	v, err := i.Eval("main." + entry)
	if err != nil {
		return Result{ErrKind: KindInvalid, Detail: fmt.Sprintf("entry %q not found: %v", entry, err)}
	}
	fn, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return Result{ErrKind: KindInvalid, Detail: fmt.Sprintf("entry %q is not func(string) (string, error)", entry)}
	}

	// The call runs in its own goroutine so a hang converts to a timeout and
	// a panic converts to a result instead of unwinding the host.
	type callResult struct {
		value string
		err   error
		panic string
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- callResult{panic: fmt.Sprintf("%v", rec)}
			}
		}()
		value, err := fn(input)
		done <- callResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		switch {
		case res.panic != "":
			return Result{ErrKind: KindPanic, Detail: res.panic}
		case res.err != nil:
			return Result{ErrKind: KindError, Detail: res.err.Error()}
		default:
			return Result{Value: res.value}
		}
	case <-ctx.Done():
		r.log.Debug("sandboxed call timed out", zap.String("entry", entry))
		return Result{ErrKind: KindTimeout, Detail: "call exceeded wall-clock limit"}
	}
}

// Profile implements the extractor's Profiler: one behavioral signature per
// input, in input order.
func (r *Runner) Profile(source string, inputs []string) []string {
	sigs := make([]string, 0, len(inputs))
	for _, input := range inputs {
		res := r.Run(context.Background(), source, "", input)
		sigs = append(sigs, res.Signature())
	}
	return sigs
}

// checkImports rejects code importing anything off the allowlist.
func (r *Runner) checkImports(code string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", code, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse imports: %w", err)
	}
	var forbidden []string
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !r.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// normalizePackage forces the code into package main so symbol lookup has a
// fixed root regardless of what the generator called the package.
func normalizePackage(code string) string {
	if match := packageDecl.FindString(code); match != "" {
		if strings.HasSuffix(match, " main") {
			return code
		}
		return packageDecl.ReplaceAllString(code, "package main")
	}
	return "package main\n\n" + code
}

// FindEntry locates the candidate's entry function by scoring every declared
// function for closeness to func(string) (string, error); exported names and
// solver-ish names score higher.
func FindEntry(code string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", code, parser.SkipObjectResolution)
	if err != nil {
		return "", fmt.Errorf("parse candidate: %w", err)
	}

	best := ""
	bestScore := 0
	ast.Inspect(file, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			return true
		}
		name := fn.Name.Name
		if name == "main" || name == "init" {
			return true
		}

		score := 0
		if fn.Name.IsExported() {
			score += 10
		}
		if params := fn.Type.Params; params != nil && params.NumFields() == 1 && isString(params.List[0].Type) {
			score += 15
		}
		if results := fn.Type.Results; results != nil && results.NumFields() == 2 {
			if isString(results.List[0].Type) {
				score += 5
			}
			if isError(results.List[len(results.List)-1].Type) {
				score += 10
			}
		}
		lower := strings.ToLower(name)
		for _, hint := range []string{"solve", "run", "execute", "process", "handle"} {
			if strings.Contains(lower, hint) {
				score += 5
				break
			}
		}

		if score > bestScore {
			bestScore = score
			best = name
		}
		return true
	})

	if best == "" {
		return "", fmt.Errorf("no entry function found")
	}
	return best, nil
}

func isString(e ast.Expr) bool {
	ident, ok := e.(*ast.Ident)
	return ok && ident.Name == "string"
}

func isError(e ast.Expr) bool {
	ident, ok := e.(*ast.Ident)
	return ok && ident.Name == "error"
}
