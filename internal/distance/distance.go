// Package distance computes the scalar structural distance between two
// programs as normalized edit distance over their name-invariant
// serializations. It is the only aggregate signal the repair loop's
// monotonicity check consumes; it never drives rule selection.
package distance

import (
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Engine wraps a diff-match-patch instance. It is safe for concurrent use:
// the underlying diff computation is pure and results for repeated pairs are
// memoized.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type pairKey struct {
	a, b string
}

// NewEngine returns an engine with diff timeouts disabled for exact results.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp}
}

// Distance returns a value in [0,1]: Levenshtein distance between the two
// serializations divided by the longer length. Zero when both are empty or
// identical; symmetric by construction. The triangle inequality is neither
// guaranteed nor needed.
func (e *Engine) Distance(serialA, serialB string) float64 {
	if serialA == serialB {
		return 0
	}

	key := pairKey{serialA, serialB}
	if serialB < serialA {
		key = pairKey{serialB, serialA}
	}
	if cached, ok := e.cache.Load(key); ok {
		return cached.(float64)
	}

	longest := len(serialA)
	if len(serialB) > longest {
		longest = len(serialB)
	}
	if longest == 0 {
		return 0
	}

	diffs := e.dmp.DiffMain(serialA, serialB, false)
	lev := e.dmp.DiffLevenshtein(diffs)

	d := float64(lev) / float64(longest)
	if d > 1 {
		d = 1
	}
	e.cache.Store(key, d)
	return d
}
