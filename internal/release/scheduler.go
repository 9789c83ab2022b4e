package release

import (
	"context"
	"time"

	"escrowpay/internal/escrow"

	"go.uber.org/zap"
)

const defaultSweepBatch = 50

// Scheduler releases auto-release escrows whose deadline has passed.
type Scheduler struct {
	svc      *Service
	store    escrow.Store
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewScheduler(svc *Service, interval time.Duration, batch int) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &Scheduler{
		svc:      svc,
		store:    svc.store,
		interval: interval,
		batch:    batch,
		log:      svc.log.Named("scheduler"),
	}
}

// Run sweeps immediately and then on every tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("release sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep releases one batch of due escrows and returns how many were paid out.
// A failure on one escrow does not stop the rest of the batch.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	due, err := s.store.ListDueForRelease(ctx, s.svc.now(), s.batch)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		_, ok, err := s.svc.Release(ctx, rec.ID, escrow.ReleasedByTimer)
		if err != nil {
			s.log.Warn("auto-release skipped", zap.String("escrow_id", rec.ID), zap.Error(err))
			continue
		}
		if ok {
			released++
		}
	}
	if len(due) > 0 {
		s.log.Info("release sweep complete", zap.Int("due", len(due)), zap.Int("released", released))
	}
	return released, nil
}
