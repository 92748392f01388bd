package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter implements Limiter with per-user token buckets in process
// memory. It does not survive restarts or span replicas; use RedisLimiter
// for shared deployments.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	rps     rate.Limit
	burst   int
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter allows rpm requests per minute per user with the given
// burst, and evicts idle buckets in the background.
func NewLocalLimiter(rpm, burst int) *LocalLimiter {
	l := &LocalLimiter{
		buckets: make(map[string]*localBucket),
		rps:     rate.Limit(float64(rpm) / 60.0),
		burst:   burst,
	}
	go l.evictLoop()
	return l
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	_ = ctx
	l.mu.Lock()
	b, ok := l.buckets[userID]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow(), nil
}

func (l *LocalLimiter) evictLoop() {
	for {
		time.Sleep(time.Minute)
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for id, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, id)
			}
		}
		l.mu.Unlock()
	}
}
