package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vhost-proxy/metrics"
)

const (
	limiterIdleTTL   = 3 * time.Minute
	limiterSweepSize = 1024 // Sweep idle limiters once the table grows past this
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware 按客户端 IP 做令牌桶限流
// Each client IP gets its own bucket of size burst refilled at r tokens per second.
// r <= 0 disables limiting.
func RateLimitMiddleware(r float64, burst int) Middleware {
	if r <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*clientLimiter)
	)
	allow := func(ip string) bool {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if len(clients) > limiterSweepSize {
			for k, c := range clients {
				if now.Sub(c.lastSeen) > limiterIdleTTL {
					delete(clients, k)
				}
			}
		}
		c, ok := clients[ip]
		if !ok {
			c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(r), burst)}
			clients[ip] = c
		}
		c.lastSeen = now
		return c.limiter.Allow()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !allow(clientIP(req)) {
				metrics.RecordRouted(metrics.OutcomeRateLimited)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
