package emergency

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler ticks the Engine's indicator recomputation on a fixed
// interval, the way the teacher's deposit watcher polls for new blocks.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewScheduler creates a Scheduler driving engine's Tick at interval.
func NewScheduler(engine *Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the poll loop in a background goroutine. cellIDs is called
// fresh on every tick, so cells created after Start still get polled.
// Start returns immediately; call Stop to shut it down.
func (s *Scheduler) Start(ctx context.Context, cellIDs func() []string) {
	go s.pollLoop(ctx, cellIDs)
}

// Stop ends the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) pollLoop(ctx context.Context, cellIDs func() []string) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			for _, cellID := range cellIDs() {
				if _, err := s.engine.Tick(ctx, cellID); err != nil {
					s.logger.Error("emergency tick failed", "cell_id", cellID, "error", err)
				}
			}
		}
	}
}
