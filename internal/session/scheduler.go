package session

import (
	"sync"
	"time"
)

// Scheduler delivers the ticks that drive the cycle loop. The loop runs one
// cycle per received tick and does not receive again until that cycle is
// done, so a Scheduler whose channel holds at most one pending tick
// coalesces everything that fires during a slow cycle.
type Scheduler interface {
	// C returns the tick channel. The tick value is used as the cycle's
	// timestamp.
	C() <-chan time.Time

	// Stop releases the scheduler. No ticks are delivered afterwards.
	Stop()
}

// NewSchedulerFunc builds a scheduler for the configured cycle interval.
type NewSchedulerFunc func(interval time.Duration) Scheduler

// TickerScheduler returns a [Scheduler] backed by a [time.Ticker].
func TickerScheduler(interval time.Duration) Scheduler {
	return &tickerScheduler{t: time.NewTicker(interval)}
}

type tickerScheduler struct {
	t *time.Ticker
}

func (s *tickerScheduler) C() <-chan time.Time { return s.t.C }
func (s *tickerScheduler) Stop()               { s.t.Stop() }

// ManualScheduler is a [Scheduler] driven by explicit [ManualScheduler.Tick]
// calls, for tests and for hosts that own their own frame clock.
type ManualScheduler struct {
	c chan time.Time

	mu      sync.Mutex
	stopped bool
}

// NewManualScheduler returns a ManualScheduler with room for one pending
// tick.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{c: make(chan time.Time, 1)}
}

// Factory returns a [NewSchedulerFunc] that always hands out s, ignoring the
// interval.
func (s *ManualScheduler) Factory() NewSchedulerFunc {
	return func(time.Duration) Scheduler { return s }
}

// Tick offers one tick stamped now. It reports false when the tick was
// dropped, either because one is already pending or because the scheduler
// was stopped.
func (s *ManualScheduler) Tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.c <- now:
		return true
	default:
		return false
	}
}

// C implements [Scheduler].
func (s *ManualScheduler) C() <-chan time.Time { return s.c }

// Stop implements [Scheduler].
func (s *ManualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether Stop has been called.
func (s *ManualScheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Reset re-arms a stopped scheduler so a test can reuse it across sessions.
func (s *ManualScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	select {
	case <-s.c:
	default:
	}
}

var (
	_ Scheduler = (*tickerScheduler)(nil)
	_ Scheduler = (*ManualScheduler)(nil)
)
