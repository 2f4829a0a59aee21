package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"licensecore/internal/infrastructure"
)

// AttemptGuard blocks identifiers (client addresses, devices) after too many
// failed activation attempts inside a sliding window. Each identifier is
// also paced by a token bucket so that bursts of guesses are slowed before
// the block engages.
type AttemptGuard struct {
	mutex         sync.Mutex
	attemptCounts map[string]int
	lastAttempts  map[string]time.Time
	blocked       map[string]time.Time
	limiters      map[string]*rate.Limiter

	maxAttempts     int
	windowDuration  time.Duration
	blockDuration   time.Duration
	cleanupInterval time.Duration
	perSecond       rate.Limit
	burst           int

	now      func() time.Time
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewAttemptGuard creates a guard and starts its cleanup loop. Call Stop to
// end it.
func NewAttemptGuard(maxAttempts int, windowDuration, blockDuration time.Duration) *AttemptGuard {
	g := newAttemptGuard(maxAttempts, windowDuration, blockDuration)
	go g.cleanup()
	return g
}

func newAttemptGuard(maxAttempts int, windowDuration, blockDuration time.Duration) *AttemptGuard {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &AttemptGuard{
		attemptCounts:   make(map[string]int),
		lastAttempts:    make(map[string]time.Time),
		blocked:         make(map[string]time.Time),
		limiters:        make(map[string]*rate.Limiter),
		maxAttempts:     maxAttempts,
		windowDuration:  windowDuration,
		blockDuration:   blockDuration,
		cleanupInterval: 5 * time.Minute,
		perSecond:       rate.Every(time.Second),
		burst:           maxAttempts,
		now:             time.Now,
		stopChan:        make(chan struct{}),
	}
}

// Allow reports whether identifier may attempt now, and if not, how long it
// must wait.
func (g *AttemptGuard) Allow(identifier string) (bool, time.Duration) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.now()
	if blockedAt, ok := g.blocked[identifier]; ok {
		if remaining := g.blockDuration - now.Sub(blockedAt); remaining > 0 {
			return false, remaining
		}
		delete(g.blocked, identifier)
		delete(g.attemptCounts, identifier)
	}

	limiter, ok := g.limiters[identifier]
	if !ok {
		limiter = rate.NewLimiter(g.perSecond, g.burst)
		g.limiters[identifier] = limiter
	}
	if !limiter.AllowN(now, 1) {
		return false, time.Second
	}
	return true, 0
}

// IsBlocked checks if an identifier is currently blocked
func (g *AttemptGuard) IsBlocked(identifier string) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	blockedAt, ok := g.blocked[identifier]
	return ok && g.now().Sub(blockedAt) < g.blockDuration
}

// RecordAttempt records the outcome of an attempt. It returns false when the
// failure caused identifier to be blocked.
func (g *AttemptGuard) RecordAttempt(ctx context.Context, identifier string, success bool) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.now()

	if success {
		delete(g.attemptCounts, identifier)
		delete(g.lastAttempts, identifier)
		return true
	}

	if last, ok := g.lastAttempts[identifier]; ok && now.Sub(last) <= g.windowDuration {
		g.attemptCounts[identifier]++
	} else {
		g.attemptCounts[identifier] = 1
	}
	g.lastAttempts[identifier] = now

	if g.attemptCounts[identifier] >= g.maxAttempts {
		g.blocked[identifier] = now

		infrastructure.LoggerWithContext(ctx).WarnContext(ctx, "Identifier blocked due to too many failed attempts",
			slog.String("action", "security_violation"),
			slog.String("identifier", identifier),
			slog.Int("attempt_count", g.attemptCounts[identifier]),
			slog.Int("max_attempts", g.maxAttempts),
			slog.Duration("block_duration", g.blockDuration),
		)
		return false
	}
	return true
}

// GetStats returns guard statistics
func (g *AttemptGuard) GetStats() map[string]interface{} {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return map[string]interface{}{
		"active_attempts": len(g.attemptCounts),
		"blocked":         len(g.blocked),
		"max_attempts":    g.maxAttempts,
		"block_duration":  g.blockDuration.String(),
		"window_duration": g.windowDuration.String(),
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (g *AttemptGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
}

func (g *AttemptGuard) cleanup() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stopChan:
			return
		}
	}
}

func (g *AttemptGuard) sweep() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.now()
	for id, last := range g.lastAttempts {
		if now.Sub(last) > g.windowDuration {
			delete(g.attemptCounts, id)
			delete(g.lastAttempts, id)
		}
	}
	for id, limiter := range g.limiters {
		if limiter.TokensAt(now) >= float64(g.burst) {
			delete(g.limiters, id)
		}
	}
	for id, blockedAt := range g.blocked {
		if now.Sub(blockedAt) > g.blockDuration {
			delete(g.blocked, id)
		}
	}
}
