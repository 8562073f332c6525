package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// MinInterval is the shortest allowed background period.
	MinInterval = 15 * time.Second
	// DefaultInterval is used when no period is configured.
	DefaultInterval = 60 * time.Second
	// maxBackoff caps the delay after repeated catalog failures.
	maxBackoff = 10 * time.Minute
)

// Syncer runs a single cycle.
type Syncer interface {
	Sync(ctx context.Context, trigger Trigger) (*Result, error)
}

// Scheduler triggers background cycles on a fixed period. The period and
// the enabled flag can change while it runs.
type Scheduler struct {
	syncer Syncer
	logger *slog.Logger
	min    time.Duration

	mu       sync.Mutex
	interval time.Duration
	enabled  bool
	failures int
	wake     chan struct{}
}

// NewScheduler creates a scheduler. The interval is clamped to MinInterval.
func NewScheduler(syncer Syncer, interval time.Duration, enabled bool, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		syncer:  syncer,
		logger:  logger,
		min:     MinInterval,
		enabled: enabled,
		wake:    make(chan struct{}, 1),
	}
	s.interval = s.clamp(interval)
	return s
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultInterval
	}
	if d < s.min {
		return s.min
	}
	return d
}

// SetInterval changes the period and restarts the current wait.
// It returns the effective interval.
func (s *Scheduler) SetInterval(d time.Duration) time.Duration {
	s.mu.Lock()
	s.interval = s.clamp(d)
	got := s.interval
	s.mu.Unlock()
	s.poke()
	return got
}

// SetEnabled turns background cycles on or off.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
	s.poke()
}

// Status returns the enabled flag and configured interval.
func (s *Scheduler) Status() (enabled bool, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, s.interval
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next returns the delay before the following cycle. Consecutive catalog
// failures double it up to maxBackoff, never going below the interval.
func (s *Scheduler) next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.interval
	for i := 0; i < s.failures && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff && s.interval < maxBackoff {
		d = maxBackoff
	}
	return d
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	enabled, interval := s.Status()
	s.logger.Info("Background scheduler started", "enabled", enabled, "interval", interval.String())

	for {
		timer := time.NewTimer(s.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Background scheduler stopped")
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if enabled, _ := s.Status(); !enabled {
			continue
		}
		s.tick(ctx)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.syncer.Sync(ctx, TriggerBackground)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
		s.logger.Warn("Background cycle failed", "error", err, "consecutive_failures", s.failures)
		return
	}
	s.failures = 0
	if res != nil && res.Skipped {
		s.logger.Debug("Background cycle skipped, another cycle in progress")
	}
}
