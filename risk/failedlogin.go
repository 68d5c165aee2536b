package risk

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// FailedLoginTracker keeps two independent counters:
// one keyed by normalized identifier (reset on success), one keyed by
// client IP (never reset, ages out). The identifier counter is an
// ordered timestamp log pruned to the sliding window on every access;
// the IP counter is a golang.org/x/time/rate.Limiter whose natural
// token refill gives the ages-out-instead-of-reset behavior.
//
// Clock is injected via clockwork; tests run against
// clockwork.NewFakeClock().
type FailedLoginTracker struct {
	mu         sync.Mutex
	byID       map[string][]time.Time
	ipLimiters map[string]*rate.Limiter
	window     time.Duration
	ipRate     rate.Limit
	ipBurst    int
	clock      clockwork.Clock
}

// NewFailedLoginTracker builds a tracker. window bounds the
// identifier's sliding log; ipBurst is the number of failures an IP
// may accumulate before every subsequent failure is rate-limited
// (denying the limiter's token), refilling at ipRate per second.
func NewFailedLoginTracker(window time.Duration, ipBurst int, ipRatePerSecond float64) *FailedLoginTracker {
	return &FailedLoginTracker{
		byID:       make(map[string][]time.Time),
		ipLimiters: make(map[string]*rate.Limiter),
		window:     window,
		ipRate:     rate.Limit(ipRatePerSecond),
		ipBurst:    ipBurst,
		clock:      clockwork.NewRealClock(),
	}
}

// WithClock overrides the clock, for deterministic tests.
func (t *FailedLoginTracker) WithClock(c clockwork.Clock) *FailedLoginTracker {
	t.clock = c
	return t
}

// RecordFailure logs one failed attempt against both counters.
func (t *FailedLoginTracker) RecordFailure(identifier, ip string) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[identifier] = prune(append(t.byID[identifier], now), now, t.window)
	t.limiterFor(ip).Allow()
}

// CountIdentifier reports how many failures are currently within the
// window for identifier.
func (t *FailedLoginTracker) CountIdentifier(identifier string) int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	log := prune(t.byID[identifier], now, t.window)
	t.byID[identifier] = log
	return len(log)
}

// ResetIdentifier clears the identifier's failure log, called on
// successful authentication
func (t *FailedLoginTracker) ResetIdentifier(identifier string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, identifier)
}

// IPExhausted reports whether ip has exhausted its failure burst and
// has not yet aged back under it.
func (t *FailedLoginTracker) IPExhausted(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiterFor(ip).Tokens() < 1
}

// limiterFor requires t.mu held.
func (t *FailedLoginTracker) limiterFor(ip string) *rate.Limiter {
	l, ok := t.ipLimiters[ip]
	if !ok {
		l = rate.NewLimiter(t.ipRate, t.ipBurst)
		t.ipLimiters[ip] = l
	}
	return l
}

func prune(log []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(log) && log[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append([]time.Time(nil), log[i:]...)
}
