// Package canon manages the immutable reference program per contract. The
// first oracle-passing, constraint-adherent candidate in the arrival order
// becomes canon; the choice is deliberately pragmatic rather than
// quality-optimal, and later candidates never displace it.
package canon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"canonize/internal/contract"
	"canonize/internal/logging"
	"canonize/internal/props"
)

// ErrCanonAbsent is returned when repair is requested before any canon
// exists for the contract.
var ErrCanonAbsent = errors.New("no canon established for contract")

// Canon is the established reference for one contract.
type Canon struct {
	ContractID    string
	Source        string
	Props         props.Set
	EstablishedAt time.Time
	Seq           uint64
}

// Oracle abstracts the validator's oracle check so the manager does not
// depend on the full validation stack.
type Oracle interface {
	CheckOracle(ctx context.Context, code string, c contract.Contract) (passed int, failures []string)
}

// Manager is the single shared mutation point of the engine: an atomic
// first-writer-wins install keyed by the candidate sequence number. A canon
// can only ever be replaced by a candidate that precedes it in the fixed
// arrival order, so concurrent establishment attempts converge on the same
// winner regardless of interleaving; a candidate later in the order never
// displaces an installed canon.
type Manager struct {
	mu     sync.RWMutex
	canons map[string]*Canon
	oracle Oracle
	sink   Sink
	now    func() time.Time
	log    *zap.Logger
}

// NewManager returns a manager that validates candidates through oracle and
// persists snapshots to sink (a nil sink disables persistence).
func NewManager(oracle Oracle, sink Sink) *Manager {
	if sink == nil {
		sink = discardSink{}
	}
	return &Manager{
		canons: make(map[string]*Canon),
		oracle: oracle,
		sink:   sink,
		now:    time.Now,
		log:    logging.Named(logging.SubsystemCanon),
	}
}

// TryEstablish attempts to install the candidate as canon for the contract.
// It returns nil with no error when a better-ordered canon already exists or
// the candidate does not qualify. The oracle runs outside the lock; only the
// compare-and-set holds it.
func (m *Manager) TryEstablish(ctx context.Context, c contract.Contract, seq uint64, source string, set props.Set) (*Canon, error) {
	if existing := m.get(c.ID); existing != nil && existing.Seq <= seq {
		return nil, nil
	}
	if set.ParseError {
		return nil, nil
	}
	if err := checkConstraints(c.Constraints, source); err != nil {
		m.log.Debug("candidate fails domain constraints",
			zap.String("contract", c.ID), zap.Uint64("seq", seq), zap.Error(err))
		return nil, nil
	}

	passed, failures := m.oracle.CheckOracle(ctx, source, c)
	if len(failures) > 0 {
		m.log.Debug("candidate fails oracle, not canon material",
			zap.String("contract", c.ID), zap.Uint64("seq", seq),
			zap.Int("passed", passed), zap.Int("failed", len(failures)))
		return nil, nil
	}

	candidate := &Canon{
		ContractID:    c.ID,
		Source:        source,
		Props:         set,
		EstablishedAt: m.now(),
		Seq:           seq,
	}

	m.mu.Lock()
	existing := m.canons[c.ID]
	if existing != nil && existing.Seq <= seq {
		m.mu.Unlock()
		return nil, nil
	}
	m.canons[c.ID] = candidate
	m.mu.Unlock()

	m.log.Info("canon established",
		zap.String("contract", c.ID), zap.Uint64("seq", seq))

	if err := m.sink.Persist(ctx, SnapshotOf(candidate)); err != nil {
		// Persistence is best-effort; the in-memory canon is authoritative
		// for the run.
		m.log.Warn("canon snapshot not persisted", zap.String("contract", c.ID), zap.Error(err))
	}
	return candidate, nil
}

// Get returns the canon for a contract, or ErrCanonAbsent.
func (m *Manager) Get(contractID string) (*Canon, error) {
	if c := m.get(contractID); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrCanonAbsent, contractID)
}

// Established reports whether a canon exists for the contract.
func (m *Manager) Established(contractID string) bool {
	return m.get(contractID) != nil
}

func (m *Manager) get(contractID string) *Canon {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canons[contractID]
}

// checkConstraints enforces the contract's optional domain constraints.
func checkConstraints(cs contract.Constraints, source string) error {
	if cs.MaxSourceBytes > 0 && len(source) > cs.MaxSourceBytes {
		return fmt.Errorf("source is %d bytes, limit %d", len(source), cs.MaxSourceBytes)
	}
	for _, tok := range cs.ForbidTokens {
		if tok != "" && strings.Contains(source, tok) {
			return fmt.Errorf("source contains forbidden token %q", tok)
		}
	}
	return nil
}
