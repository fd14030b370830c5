package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jwalitptl/homecare-billing/pkg/logger"
)

// Scheduler runs each job on its own ticker until the context ends. Runs of
// the same job never overlap: the runner's lock turns a concurrent tick into
// a no-op, here or on another replica.
type Scheduler struct {
	runner    *Runner
	intervals map[string]time.Duration
	logger    *logger.Logger
}

func NewScheduler(runner *Runner, intervals map[string]time.Duration, logger *logger.Logger) *Scheduler {
	return &Scheduler{
		runner:    runner,
		intervals: intervals,
		logger:    logger,
	}
}

// Start blocks until ctx is cancelled and every in-flight run has returned.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for name, every := range s.intervals {
		if !s.runner.Has(name) {
			s.logger.Warn("Ignoring schedule for unknown job", "job", name)
			continue
		}
		if every <= 0 {
			continue
		}

		wg.Add(1)
		go func(name string, every time.Duration) {
			defer wg.Done()
			s.loop(ctx, name, every)
		}(name, every)
	}

	s.logger.Info("Starting scheduler", "jobs", len(s.intervals))
	wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := s.runner.Run(ctx, name, Options{})
			switch {
			case errors.Is(err, ErrJobRunning):
				s.logger.Debug("Skipping tick, job still running", "job", name)
			case err != nil:
				s.logger.Error(err, "Scheduled job failed", "job", name)
			default:
				s.logger.Info(summary.Headline(), "job", name)
			}
		}
	}
}
