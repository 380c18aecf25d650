package ratelimit

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests substitute a fake one.
type Clock func() time.Time

// Result describes the outcome of a single consumption
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long a caller should wait before trying again
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

type window struct {
	count   int
	resetAt time.Time
}

// Window is a fixed-window counter keyed by an arbitrary string
// (owner ID, account ID, ...). It is process-local.
type Window struct {
	limit  int
	period time.Duration
	now    Clock

	mu      sync.Mutex
	windows map[string]*window
}

// NewWindow creates a fixed-window limiter allowing limit events per period
func NewWindow(limit int, period time.Duration) *Window {
	return NewWindowWithClock(limit, period, time.Now)
}

// NewWindowWithClock creates a fixed-window limiter using the given clock
func NewWindowWithClock(limit int, period time.Duration, clock Clock) *Window {
	if clock == nil {
		clock = time.Now
	}
	return &Window{
		limit:   limit,
		period:  period,
		now:     clock,
		windows: make(map[string]*window),
	}
}

// Consume records one event for key and reports whether it is allowed.
// A rejected attempt does not count against the window.
func (w *Window) Consume(key string) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	win, ok := w.windows[key]
	if !ok || !now.Before(win.resetAt) {
		win = &window{count: 1, resetAt: now.Add(w.period)}
		w.windows[key] = win
		return Result{
			Allowed:   w.limit >= 1,
			Remaining: max(w.limit-1, 0),
			ResetAt:   win.resetAt,
		}
	}

	if win.count+1 > w.limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: win.resetAt}
	}

	win.count++
	return Result{
		Allowed:   true,
		Remaining: w.limit - win.count,
		ResetAt:   win.resetAt,
	}
}

// Reset forgets any window recorded for key
func (w *Window) Reset(key string) {
	w.mu.Lock()
	delete(w.windows, key)
	w.mu.Unlock()
}

// Prune drops expired windows so long-lived processes don't accumulate keys
func (w *Window) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	removed := 0
	for key, win := range w.windows {
		if !now.Before(win.resetAt) {
			delete(w.windows, key)
			removed++
		}
	}
	return removed
}
