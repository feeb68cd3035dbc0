// Package ratelimit implements the scan debounce: one allowance per window.
// It exists to stop double-submission from rapid repeated UI triggers, not
// to enforce backend quota (that is server-side and surfaces as 429/402).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Debounce admits at most one event per window. Checking and recording are
// one operation so concurrent triggers cannot both slip through.
type Debounce struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

// New creates a debounce with the given minimum inter-request interval.
func New(window time.Duration) *Debounce {
	return &Debounce{
		lim: rate.NewLimiter(rate.Every(window), 1),
	}
}

// Allow reports whether an event at now is admitted, recording it if so.
func (d *Debounce) Allow(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lim.AllowN(now, 1)
}
