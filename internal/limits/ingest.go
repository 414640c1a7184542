// Package limits throttles ingestion per API key with token buckets.
package limits

import (
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ongoingai/tooltelemetry/internal/auth"
)

type Policy struct {
	RequestsPerSecond float64
	Burst             int
}

type Config struct {
	PerKey Policy
}

const (
	limiterSweepInterval = 2 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IngestLimiter keeps one token bucket per key. Buckets idle for longer than
// limiterIdleTTL are dropped on the next sweep.
type IngestLimiter struct {
	cfg   Config
	nowFn func() time.Time

	mu        sync.Mutex
	keys      map[string]*keyLimiter
	lastSweep time.Time
}

func NewIngestLimiter(cfg Config) *IngestLimiter {
	if cfg.PerKey.RequestsPerSecond > 0 && cfg.PerKey.Burst <= 0 {
		cfg.PerKey.Burst = int(math.Max(1, math.Ceil(cfg.PerKey.RequestsPerSecond)))
	}
	return &IngestLimiter{
		cfg:   cfg,
		nowFn: time.Now,
		keys:  map[string]*keyLimiter{},
	}
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.cfg.PerKey.RequestsPerSecond > 0
}

// CheckRequest takes one token for the caller's key. It returns nil when the
// request may proceed.
func (l *IngestLimiter) CheckRequest(_ *http.Request, identity *auth.Identity) *auth.LimitResult {
	if !l.Enabled() || identity == nil {
		return nil
	}
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweep(now)

	key := rateKey(identity)
	entry, ok := l.keys[key]
	if !ok {
		entry = &keyLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.PerKey.RequestsPerSecond), l.cfg.PerKey.Burst)}
		l.keys[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return &auth.LimitResult{Message: "ingest rate limit exceeded for key", RetryAfterSeconds: 1}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return &auth.LimitResult{
			Message:           "ingest rate limit exceeded for key",
			RetryAfterSeconds: retryAfterSeconds(delay),
		}
	}
	return nil
}

func (l *IngestLimiter) maybeSweep(now time.Time) {
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < limiterSweepInterval {
		return
	}
	for key, entry := range l.keys {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.keys, key)
		}
	}
	l.lastSweep = now
}

func (l *IngestLimiter) trackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func retryAfterSeconds(delay time.Duration) int {
	seconds := int(math.Ceil(delay.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func rateKey(identity *auth.Identity) string {
	return strings.TrimSpace(identity.CustomerID) + "|" + strings.TrimSpace(identity.KeyID)
}
