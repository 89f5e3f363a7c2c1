package webhook

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// RateLimiter blocks clients whose webhook requests keep getting rejected.
// Only 4xx responses spend tokens, so accepted GitHub deliveries are never
// throttled however bursty they are.
//
// Clients are keyed by r.RemoteAddr. Forwarding headers are honoured only when
// a proxy-aware middleware such as chi's RealIP runs first.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// NewRateLimiter allows rejectedPerMin rejected requests per minute from each
// client before answering 429.
func NewRateLimiter(rejectedPerMin int) *RateLimiter {
	burst := rejectedPerMin / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](1000, nil, 5*time.Minute),
		rate:     rate.Limit(float64(rejectedPerMin) / 60.0),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters.Add(key, l)
	}
	return l
}

// Allow spends a token for key and reports whether one was available.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiter(key).Allow()
}

// Blocked reports whether key has no tokens left.
func (rl *RateLimiter) Blocked(key string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters.Get(key)
	rl.mu.Unlock()
	return ok && l.Tokens() < 1
}

// Middleware answers 429 to blocked clients and charges them for every
// rejected request.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if rl.Blocked(key) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if status := ww.Status(); status >= 400 && status < 500 {
			rl.Allow(key)
		}
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
