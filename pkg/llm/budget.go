package llm

import (
	"errors"
	"sync"
	"time"
)

// ErrBudgetExceeded is returned when the budget counter denies a call.
// Callers downgrade to rule-based behaviour rather than failing the request.
var ErrBudgetExceeded = errors.New("llm budget exceeded")

// Budget admits LLM calls against rolling hourly and daily limits, with a
// reserve held back for user-facing requests. Process-wide and safe for
// concurrent use.
type Budget struct {
	mu          sync.Mutex
	hourlyLimit int // 0 = unlimited
	dailyLimit  int
	reserve     int

	hourly []time.Time
	daily  []time.Time
	used   int
}

// NewBudget creates a budget counter. Zero limits disable the corresponding
// cap.
func NewBudget(hourly, daily, reserve int) *Budget {
	return &Budget{hourlyLimit: hourly, dailyLimit: daily, reserve: reserve}
}

// Admit records one call if it fits the limits, or returns
// ErrBudgetExceeded. Background callers should use AdmitBackground so the
// reserve stays available for user-facing requests.
func (b *Budget) Admit() error { return b.admit(false) }

/// AdmitBackground is Admit for background analyzers: it refuses once only
// the reserve slice of the hourly budget remains.
func (b *Budget) AdmitBackground() error { return b.admit(true) }

func (b *Budget) admit(background bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.hourly = evictBefore(b.hourly, now.Add(-time.Hour))
	b.daily = evictBefore(b.daily, now.Add(-24*time.Hour))

	if b.hourlyLimit > 0 {
		limit := b.hourlyLimit
		if background {
			limit -= b.reserve
		}
		if len(b.hourly) >= limit {
			return ErrBudgetExceeded
		}
	}
	if b.dailyLimit > 0 && len(b.daily) >= b.dailyLimit {
		return ErrBudgetExceeded
	}

	b.hourly = append(b.hourly, now)
	b.daily = append(b.daily, now)
	b.used++
	return nil
}

// Used returns the total calls admitted since creation.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Remaining returns how many hourly calls are left, or -1 when unlimited.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hourlyLimit <= 0 {
		return -1
	}
	b.hourly = evictBefore(b.hourly, time.Now().Add(-time.Hour))
	return b.hourlyLimit - len(b.hourly)
}

func evictBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
