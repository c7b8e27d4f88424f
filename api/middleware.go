package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gofrs/uuid"
)

type loggerKey struct{}

// statusRecorder remembers the status code for the requests metric
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// route gives every request an ID, a logger carrying it, and a line in the
// requests metric
func (s *service) route(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := newRequestID()
		w.Header().Set("X-Request-Id", requestID)
		logger := s.logger.With("request_id", requestID)
		if r.Method != http.MethodPost {
			// POST bodies are logged once they've been parsed
			logger.Info(r.Method + " " + r.URL.Path)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(context.WithValue(r.Context(), loggerKey{}, logger)))
		metricRequestsTotal.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
	})
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

func newRequestID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// should practically never happen
		return "unknown"
	}
	return id.String()
}
