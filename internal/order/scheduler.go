package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Scheduler periodically sweeps for delivered orders whose grace window has
// elapsed and auto-releases them.
//
// The schedule is the store itself: a delivered order's deliveredAt plus the
// grace window IS its fire time, so there is nothing in memory to lose on
// restart. A sweep that runs twice, or races a buyer's confirm, is harmless
// because the release goes through the same compare-and-set as every other
// transition.
type Scheduler struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewScheduler creates the auto-release scheduler.
func NewScheduler(service *Service, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in auto-release sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	released, err := s.service.ReleaseExpired(ctx, s.batch)
	if err != nil {
		s.logger.Warn("auto-release sweep failed", "error", err)
		return
	}
	if released > 0 {
		s.logger.Info("auto-released expired orders", "count", released)
	}
}
