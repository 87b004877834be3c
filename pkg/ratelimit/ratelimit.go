// Package ratelimit implements the per-remote-address rate limiting named
// in §5 and §6: an in-process token bucket by default, with an optional
// Redis-backed bucket for deployments running more than one server
// instance behind a shared limit.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a request identified by key (typically a remote
// address) may proceed right now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InProcessLimiter maintains one token bucket per key in process memory,
// grounded on the teacher's GlobalRateLimiter: a mutex-protected map of
// visitors with a background goroutine evicting stale entries so the map
// does not grow without bound across the lifetime of a long-running
// server.
type InProcessLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	stop     chan struct{}
}

// NewInProcessLimiter builds a limiter allowing rps sustained requests per
// second per key, with burst allowed above that rate. maxPerWindow and
// windowSecs (RATE_LIMIT_MAX / RATE_LIMIT_WINDOW_SECS) are translated into
// an equivalent rate.Limit by the caller.
func NewInProcessLimiter(rps float64, burst int) *InProcessLimiter {
	l := &InProcessLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *InProcessLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.visitorFor(key).Allow(), nil
}

func (l *InProcessLimiter) visitorFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: time.Now()}
		l.visitors[key] = v
		return v.limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupLoop evicts visitors not seen in the last three minutes, checked
// once a minute.
func (l *InProcessLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, v := range l.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(l.visitors, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the background cleanup goroutine.
func (l *InProcessLimiter) Close() { close(l.stop) }
