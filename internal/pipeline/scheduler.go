package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Runner is anything that can drain one batch of the outbox.
type Runner interface {
	Run(ctx context.Context, limit int) (Result, error)
}

// Scheduler triggers a Runner on a fixed interval. Runs never overlap within
// one Scheduler; ticks that fire during a run are dropped.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	limit    int
	logger   *slog.Logger
}

func NewScheduler(runner Runner, interval time.Duration, limit int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		limit:    limit,
		logger:   logger.With("component", "Scheduler"),
	}
}

// Start blocks until ctx is cancelled. A run in flight when ctx is cancelled
// still finishes its batch before Start returns.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started", "interval", s.interval, "limit", s.limit)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			res, err := s.runner.Run(context.WithoutCancel(ctx), s.limit)
			if err != nil {
				s.logger.Error("Scheduled dispatch failed", "err", err)
				continue
			}
			if res.Claimed > 0 {
				s.logger.Debug("Scheduled dispatch done", "claimed", res.Claimed, "errors", len(res.Errors))
			}
		}
	}
}
