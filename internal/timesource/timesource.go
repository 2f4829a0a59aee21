package timesource

import (
	"context"
	"sync"
	"time"
)

// Source returns the current time and whether it was obtained from the
// network.
type Source interface {
	Now(ctx context.Context) (t time.Time, fromNetwork bool)
}

// Label names the origin of a timestamp in logs and decisions.
func Label(fromNetwork bool) string {
	if fromNetwork {
		return "network"
	}
	return "local"
}

// LocalClock always reports the host clock.
type LocalClock struct{}

// Now implements Source
func (LocalClock) Now(context.Context) (time.Time, bool) {
	return time.Now(), false
}

// Fixed is a settable Source for tests and offline tools.
type Fixed struct {
	mu      sync.Mutex
	t       time.Time
	network bool
}

// NewFixed returns a Source pinned to t.
func NewFixed(t time.Time, fromNetwork bool) *Fixed {
	return &Fixed{t: t, network: fromNetwork}
}

// Now implements Source
func (f *Fixed) Now(context.Context) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t, f.network
}

// Set moves the clock.
func (f *Fixed) Set(t time.Time, fromNetwork bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
	f.network = fromNetwork
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}
