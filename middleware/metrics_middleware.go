package middleware

import (
	"fmt"
	"net/http"
	"time"

	"vhost-proxy/metrics"
)

// Metrics records request latency labelled by status class ("2xx", "5xx", ...).
func Metrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)
			metrics.RecordRequestDuration(statusClass(rec.Status()), time.Since(start))
		})
	}
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
