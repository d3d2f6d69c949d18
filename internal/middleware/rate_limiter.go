// Package middleware carries the cross-cutting HTTP layers of the API:
// ingest rate limiting, request logging, CORS, and panic recovery.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimiter enforces a per-client requests-per-minute ceiling on the
// ingest endpoints using fixed one-minute windows per key. Expired
// windows are garbage-collected in the background.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	perMin  int
	logger  *zap.Logger
	now     func() time.Time
	done    chan struct{}
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter builds a limiter allowing perMin requests per key per
// minute. perMin <= 0 disables limiting.
func NewRateLimiter(perMin int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		perMin:  perMin,
		logger:  logger.Named("ratelimit"),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if perMin > 0 {
		go rl.cleanup()
	}
	return rl
}

// Allow reports whether the key may proceed and, when refused, how long
// until its window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl.perMin <= 0 {
		return true, 0
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.windows[key]
	if w == nil || now.Sub(w.start) >= time.Minute {
		rl.windows[key] = &window{count: 1, start: now}
		return true, 0
	}
	w.count++
	if w.count > rl.perMin {
		return false, time.Minute - now.Sub(w.start)
	}
	return true, 0
}

// Middleware keys requests on the client address and answers refused
// ones with 429 and a Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl.perMin <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			key = r.RemoteAddr
		}
		ok, retryIn := rl.Allow(key)
		if !ok {
			seconds := int(retryIn.Seconds()) + 1
			rl.logger.Warn("rate limit exceeded", zap.String("client", key))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop ends the background cleanup.
func (rl *RateLimiter) Stop() { close(rl.done) }

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		now := rl.now()
		for key, w := range rl.windows {
			if now.Sub(w.start) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
