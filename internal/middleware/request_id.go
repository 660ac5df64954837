package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/S1riyS/jffs2-server/pkg/logging"
)

const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestContext puts logger and a request id into every request context.
// The id is taken from the X-Request-ID header when the client sent one and
// echoed back in the response.
func RequestContext(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logging.MakeContextWithLogger(r.Context(), logger)

			if requestID := r.Header.Get(RequestIDHeader); requestID != "" {
				ctx = logging.MakeContextWithRequestID(ctx, requestID)
			} else {
				ctx = logging.MakeContextWithNewRequestID(ctx)
			}
			w.Header().Set(RequestIDHeader, logging.GetRequestIDFromCtx(ctx))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r.WithContext(ctx))

			logging.GetLoggerFromContext(ctx).Debug("HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
