package embedding

import (
	"context"
	"sync"
	"time"
)

// SlidingWindowLimiter admits at most limit requests per window. Wait blocks
// until a slot frees or the context is cancelled; Allow is the non-blocking
// variant.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time
}

// NewSlidingWindowLimiter creates a limiter admitting limit requests per
// window. A non-positive limit disables limiting.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindowLimiter{limit: limit, window: window}
}

// Allow reports whether a request may proceed now, recording it if so.
func (l *SlidingWindowLimiter) Allow() bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.evict(now)
	if len(l.times) >= l.limit {
		return false
	}
	l.times = append(l.times, now)
	return true
}

// Wait blocks until a slot is available or ctx is done.
func (l *SlidingWindowLimiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		delay := l.nextFree()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextFree returns how long until the oldest recorded request leaves the
// window.
func (l *SlidingWindowLimiter) nextFree() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.times) == 0 {
		return time.Millisecond
	}
	d := l.window - time.Since(l.times[0])
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (l *SlidingWindowLimiter) evict(now time.Time) {
	cut := 0
	for cut < len(l.times) && now.Sub(l.times[cut]) > l.window {
		cut++
	}
	if cut > 0 {
		l.times = append(l.times[:0], l.times[cut:]...)
	}
}
