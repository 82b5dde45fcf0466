package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"impersonation-detector/internal/telemetry"
)

// Middleware rejects requests beyond limit per window for each client IP + User-Agent.
// Limiter errors fail open so a Redis outage does not take the API down.
func Middleware(limiter *FixedWindow, limit int, window time.Duration, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.CheckLimit(r.Context(), ClientKey(r), limit, window)
			if err != nil {
				log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
			if !res.Allowed {
				telemetry.RateLimitRejects.WithLabelValues("api").Inc()
				retry := time.Until(res.ResetTime).Seconds()
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies a caller by IP and User-Agent. Only the connection address is used;
// deployments behind a proxy rewrite it first with chi's RealIP middleware.
func ClientKey(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return "api:" + ip + ":" + r.UserAgent()
}
