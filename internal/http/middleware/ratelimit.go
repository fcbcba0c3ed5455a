package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimitRPS   = 20
	defaultRateLimitBurst = 40

	bucketSweepInterval = time.Minute
	bucketIdleTTL       = 3 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// buckets holds one token bucket per client IP.
type buckets struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	byIP  map[string]*bucket
}

func (b *buckets) allow(ip string, now time.Time) bool {
	b.mu.Lock()
	entry, ok := b.byIP[ip]
	if !ok {
		entry = &bucket{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.byIP[ip] = entry
	}
	entry.lastSeen = now
	b.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func (b *buckets) evictIdle(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ip, entry := range b.byIP {
		if now.Sub(entry.lastSeen) > bucketIdleTTL {
			delete(b.byIP, ip)
		}
	}
}

func (b *buckets) sweepUntil(ctx context.Context) {
	ticker := time.NewTicker(bucketSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.evictIdle(now)
		}
	}
}

// RateLimit applies a token bucket per client IP. Idle buckets are swept until ctx is done.
func RateLimit(ctx context.Context, rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	clients := &buckets{limit: rate.Limit(rps), burst: burst, byIP: make(map[string]*bucket)}
	go clients.sweepUntil(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if clients.allow(extractIP(r.RemoteAddr), time.Now()) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", "1")
			WriteError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
		})
	}
}

func extractIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
		return host
	}
	return remoteAddr
}
