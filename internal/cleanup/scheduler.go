// Package cleanup runs blacklist sweeps periodically inside the API process
// and backs the one-shot cleanup command.
package cleanup

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Sweeper is the subset of auth.Blacklist the scheduler drives.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
	SweepOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Result reports rows removed by one pass.
type Result struct {
	Expired int64
	Old     int64
}

// Scheduler sweeps expired entries every Interval and, when Retention is set,
// entries revoked longer ago than Retention.
type Scheduler struct {
	sweeper   Sweeper
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
}

// NewScheduler constructs a Scheduler. A nil logger disables logging.
func NewScheduler(s Sweeper, interval, retention time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{sweeper: s, interval: interval, retention: retention, logger: logger}
}

// RunOnce performs a single pass. Both sweeps are attempted even if the first fails.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	n, err := s.sweeper.SweepExpired(ctx)
	res.Expired = n
	if err != nil {
		errs = append(errs, err)
	}
	if s.retention > 0 {
		n, err = s.sweeper.SweepOlderThan(ctx, s.retention)
		res.Old = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("cleanup interval must be positive")
	}
	s.logger.Info("blacklist cleanup scheduled",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retention),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		res, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("blacklist cleanup failed", zap.Error(err))
		} else if res.Expired+res.Old > 0 {
			s.logger.Info("blacklist cleanup", zap.Int64("expired", res.Expired), zap.Int64("old", res.Old))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
