package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/campusiot/backend/internal/monitoring"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument records request counts, latency and a structured access log line
// under a stable route label.
func Instrument(metrics *monitoring.Metrics, route string, next http.HandlerFunc) http.HandlerFunc {
	logger := slog.With("component", "http")
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		elapsed := time.Since(start)

		if metrics != nil {
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status/100*100)).Inc()
			metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		logger.Debug("request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"elapsed", elapsed,
		)
	}
}
