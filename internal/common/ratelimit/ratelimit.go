// Package ratelimit implements an in-memory fixed-window request counter.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults for a Limiter built with zero values.
const (
	DefaultWindow      = time.Minute
	DefaultMaxRequests = 100
)

// Status describes a key's current window.
type Status struct {
	Remaining int
	ResetIn   time.Duration
}

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per key. State is not persisted.
type Limiter struct {
	mu          sync.Mutex
	windows     map[string]*window
	size        time.Duration
	maxRequests int
	now         func() time.Time
}

// New creates a limiter allowing maxRequests per window for each key.
func New(size time.Duration, maxRequests int) *Limiter {
	if size <= 0 {
		size = DefaultWindow
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	return &Limiter{
		windows:     make(map[string]*window),
		size:        size,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

// current returns key's window, resetting it if it has elapsed. Caller holds mu.
func (l *Limiter) current(key string, now time.Time) *window {
	w, ok := l.windows[key]
	if !ok || now.After(w.start.Add(l.size)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	return w
}

// TryAcquire counts one request for key and reports whether it is allowed.
func (l *Limiter) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.current(key, l.now())
	w.count++
	return w.count <= l.maxRequests
}

// Status returns the remaining budget for key without counting a request.
func (l *Limiter) Status(key string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.After(w.start.Add(l.size)) {
		return Status{Remaining: l.maxRequests, ResetIn: l.size}
	}
	return Status{
		Remaining: max(l.maxRequests-w.count, 0),
		ResetIn:   max(w.start.Add(l.size).Sub(now), 0),
	}
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Sweep removes keys whose window has elapsed and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if now.After(w.start.Add(l.size)) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Window returns the window length.
func (l *Limiter) Window() time.Duration {
	return l.size
}
