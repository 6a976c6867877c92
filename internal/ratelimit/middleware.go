package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/profile-refresh/internal/metrics"
)

// ExceededMessage is the message of a rejected request
const ExceededMessage = "Rate limit exceeded. Please try again later."

type exceededBody struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error_code"`
	RetryAfter int    `json:"retry_after"`
	Limit      int    `json:"limit"`
	Window     int    `json:"window"`
}

// Middleware limits requests of a category. Counter store failures let the
// request through.
func Middleware(l *Limiter, category string, m *metrics.Tracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(ExtractIP(r), r.UserAgent())
			d, err := l.Allow(r.Context(), category, key)
			if err != nil {
				logrus.WithError(err).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				m.IncrementRateLimited(category)
				retryAfter := int(d.RetryAfter.Seconds())
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(exceededBody{
					Success:    false,
					Message:    ExceededMessage,
					ErrorCode:  "RATE_LIMIT_EXCEEDED",
					RetryAfter: retryAfter,
					Limit:      d.Limit,
					Window:     d.WindowSeconds,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractIP returns the first X-Forwarded-For address or the remote host
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
