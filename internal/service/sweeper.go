package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/gemstudio/internal/metrics"
)

const sweepBatch = 100

// Sweeper refunds jobs whose worker never finished.
type Sweeper struct {
	engine     *GenerationService
	staleAfter time.Duration
	log        *slog.Logger
	now        func() time.Time
}

func NewSweeper(engine *GenerationService, staleAfter time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{engine: engine, staleAfter: staleAfter, log: log, now: time.Now}
}

// Sweep rolls back pending or running jobs with no progress for the stale
// threshold and returns how many were refunded. A job that reports progress
// between listing and refund is left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}
	before := s.now().UTC().Add(-s.staleAfter)

	jobs, err := s.engine.jobs.ListStale(ctx, before, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	// One batch per run; the schedule picks up the rest.
	refunded := 0
	for i := range jobs {
		if s.engine.rollback(ctx, &jobs[i], "stale job", before) {
			refunded++
		}
	}

	metrics.RecordSwept(refunded)
	if refunded > 0 {
		s.log.Info("stale jobs refunded", "count", refunded)
	}
	return refunded, nil
}
