/*
scheduler.go - Periodic refresh scheduler

PURPOSE:
  Runs Engine.Refresh on a fixed interval so the country data stays
  current without an operator calling the refresh endpoint.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Optionally refreshes once immediately on start
  - Stop cancels the context of an in-flight refresh
  - Refreshes never overlap: the engine serializes them

CONFIGURATION:
  - Interval:  How often to refresh (0 disables the scheduler)
  - OnStartup: Whether to refresh immediately on Start

USAGE:
  scheduler := NewScheduler(engine, time.Hour, true, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - engine.go: Engine.Refresh
  - api/handlers.go: Manual refresh endpoint
*/
package refresh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/country-engine/country"
)

// Refresher runs one refresh.
type Refresher interface {
	Refresh(ctx context.Context) (*country.RefreshResult, error)
}

// Scheduler handles periodic refreshes.
type Scheduler struct {
	refresher Refresher
	Interval  time.Duration
	OnStartup bool
	log       *zap.Logger

	cancel  context.CancelFunc
	ticker  *time.Ticker
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
	runs    int
}

// NewScheduler creates a new scheduler.
func NewScheduler(refresher Refresher, interval time.Duration, onStartup bool, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		refresher: refresher,
		Interval:  interval,
		OnStartup: onStartup,
		log:       log.Named("scheduler"),
	}
}

// Start begins the scheduler. It is a no-op when disabled or already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	if s.Interval <= 0 && !s.OnStartup {
		s.log.Info("scheduler disabled, not starting")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.Interval > 0 {
		s.ticker = time.NewTicker(s.Interval)
	}
	s.wg.Add(1)
	go s.run(ctx, s.ticker)

	s.log.Info("scheduler started",
		zap.Duration("interval", s.Interval),
		zap.Bool("on_startup", s.OnStartup),
	)
}

// Stop stops the scheduler and waits for an in-flight refresh to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	ticker := s.ticker
	s.cancel = nil
	s.ticker = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	if ticker != nil {
		ticker.Stop()
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	if s.OnStartup {
		s.RunNow(ctx)
	}
	if ticker == nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow triggers one refresh immediately and logs its outcome.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.log.Info("scheduled refresh starting")

	result, err := s.refresher.Refresh(ctx)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.runs++
	s.mu.Unlock()

	if err != nil || result == nil {
		s.log.Warn("scheduled refresh failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled refresh completed",
		zap.Int("processed", result.CountriesProcessed),
		zap.Int("warnings", len(result.Warnings)),
	)
}

// Runs reports how many refreshes the scheduler has triggered.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// NextRunTime returns when the next scheduled refresh will occur.
// Zero if the scheduler has no interval.
func (s *Scheduler) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		return time.Time{}
	}
	if s.lastRun.IsZero() {
		return time.Now().Add(s.Interval)
	}
	return s.lastRun.Add(s.Interval)
}
