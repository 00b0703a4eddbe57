package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"market_watcher/internal/domain"
)

// Sweeper runs one full pass over all subscriptions.
type Sweeper interface {
	Sweep(ctx context.Context) (*domain.SweepStats, error)
}

type State int32

const (
	StateIdle State = iota
	StateSweeping
)

func (s State) String() string {
	if s == StateSweeping {
		return "sweeping"
	}
	return "idle"
}

// Scheduler drives sweeps one after another, sleeping for the interval after
// each sweep completes, so sweeps never overlap.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	state atomic.Int32

	mu        sync.RWMutex
	lastStats *domain.SweepStats
	lastErr   error
}

func NewScheduler(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
	}
}

// Start blocks until ctx is cancelled. A sweep in progress when ctx is
// cancelled is allowed to wind down before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-timer.C:
			s.runSweep(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	s.state.Store(int32(StateSweeping))
	defer s.state.Store(int32(StateIdle))

	stats, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
	}

	s.mu.Lock()
	s.lastStats, s.lastErr = stats, err
	s.mu.Unlock()
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// LastSweep returns the outcome of the most recent sweep, if any.
func (s *Scheduler) LastSweep() (*domain.SweepStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStats, s.lastErr
}
