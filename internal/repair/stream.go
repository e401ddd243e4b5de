package repair

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"canonize/internal/contract"
	"canonize/internal/logging"
	"canonize/internal/props"
)

// DefaultParallelism bounds concurrent candidate repairs. Each in-flight
// candidate may hold a yaegi interpreter, so this stays modest.
const DefaultParallelism = 4

// Stream processes batches of candidates for one contract. Canon
// establishment happens in strict seq order before any repair starts, so the
// winner is deterministic regardless of how the repair phase schedules.
type Stream struct {
	orch        *Orchestrator
	parallelism int
	log         *zap.Logger
}

// NewStream wraps an orchestrator. Parallelism defaults when non-positive.
func NewStream(orch *Orchestrator, parallelism int) *Stream {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Stream{
		orch:        orch,
		parallelism: parallelism,
		log:         logging.Named(logging.SubsystemRepair),
	}
}

// Process runs all candidates to a terminal state and returns their reports
// in seq order. A failing candidate never aborts its siblings; only context
// cancellation or total canon absence ends the batch early.
func (s *Stream) Process(ctx context.Context, c contract.Contract, candidates []Candidate) ([]Report, error) {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	if err := s.establish(ctx, c, ordered); err != nil {
		return nil, err
	}

	reports := make([]Report, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, cand := range ordered {
		i, cand := i, cand
		g.Go(func() error {
			report, err := s.orch.Process(gctx, c, cand)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// establish walks candidates in seq order until one qualifies as canon.
// Running this phase sequentially keeps the anchor independent of repair
// scheduling: the earliest qualifying seq always wins.
func (s *Stream) establish(ctx context.Context, c contract.Contract, ordered []Candidate) error {
	if s.orch.Manager().Established(c.ID) {
		return nil
	}
	extractor := props.NewExtractor().WithProfiler(s.orch.runner, oracleInputs(c))
	for _, cand := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		set := extractor.Extract(cand.Source)
		anchor, err := s.orch.Manager().TryEstablish(ctx, c, cand.Seq, cand.Source, set)
		if err != nil {
			return err
		}
		if anchor != nil {
			s.log.Debug("anchor selected for batch",
				zap.String("contract", c.ID), zap.Uint64("seq", cand.Seq))
			return nil
		}
	}
	// No candidate qualified; Process will surface canon absence per
	// candidate that needed it.
	return nil
}
