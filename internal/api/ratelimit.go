package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/outcome-exchange/internal/metrics"
)

// Buckets idle for longer than staleAfter are evicted on the next sweep.
const (
	sweepEvery = 5 * time.Minute
	staleAfter = 10 * time.Minute
)

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter keeps one token bucket per caller.
type userLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*userBucket
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newUserLimiter(rps float64, burst int) *userLimiter {
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		buckets:   make(map[string]*userBucket),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (l *userLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= sweepEvery {
		cutoff := now.Add(-staleAfter)
		for k, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &userBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// rateLimit rejects callers that exceed their token bucket with 429.
// A nil limiter lets everything through.
func rateLimit(l *userLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(userID(r.Context())) {
				metrics.TradeRejections.WithLabelValues("rate_limited").Inc()
				writeError(w, "too many requests, slow down", "rate_limited", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
