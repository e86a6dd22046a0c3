package metrics

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records the status and latency of every response under route,
// the pattern the handler was registered with. Server errors are logged.
func Middleware(next http.Handler, route string, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		EndpointResponses.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		EndpointDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		if rec.status >= http.StatusInternalServerError {
			logger.Warn("request failed",
				zap.String("route", route),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status))
		}
	})
}
