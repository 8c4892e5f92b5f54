package ingest

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler triggers incremental sweeps of every registered ingestor on a
// fixed interval.
type Scheduler struct {
	pipeline  *Pipeline
	interval  time.Duration
	log       *slog.Logger
	onResults func(map[string]RunResult)
	stop      chan struct{}
	done      chan struct{}
}

// NewScheduler builds a scheduler; interval must be positive.
func NewScheduler(p *Pipeline, interval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		pipeline: p,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnResults registers a callback invoked after every sweep. Must be set
// before Start.
func (s *Scheduler) OnResults(fn func(map[string]RunResult)) {
	s.onResults = fn
}

func (s *Scheduler) runAll(ctx context.Context) {
	results := s.pipeline.RunAll(ctx, false)
	if s.onResults != nil {
		s.onResults(results)
	}
}

// Start sweeps immediately, then on every tick until Stop or cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

// Stop signals the loop and waits for the current sweep to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}
