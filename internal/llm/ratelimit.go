package llm

import (
	"context"
	"sync"
	"time"
)

// SlidingWindowLimiter caps the number of calls within a rolling time
// window. Unlike a token bucket there is no refill rate: a call slot frees
// up exactly when the oldest call in the window ages out.
//
// One limiter instance is shared process-wide by every generation gateway
// call site; all access to the window state is serialized by the mutex.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewSlidingWindowLimiter creates a limiter allowing limit calls per window.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Wait blocks until a call slot is available or the context is done.
// Callers that would exceed the cap sleep until the oldest recorded call
// falls outside the window, then re-check.
func (l *SlidingWindowLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.calls) < l.limit {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.calls[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow reports whether a call slot is available right now, consuming it
// if so. Non-blocking companion to Wait, used by tests and health checks.
func (l *SlidingWindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.calls) >= l.limit {
		return false
	}
	l.calls = append(l.calls, now)
	return true
}

// InFlight returns the number of calls currently inside the window.
func (l *SlidingWindowLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.calls)
}

// prune drops timestamps that have aged out of the window.
// Caller must hold the mutex.
func (l *SlidingWindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
