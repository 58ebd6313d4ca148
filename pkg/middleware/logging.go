package middleware

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// quietPaths are polled by orchestrators and never logged.
var quietPaths = map[string]bool{
	"/health": true,
	"/ping":   true,
}

// RequestLogger logs one line per completed request. Server errors are logged
// at WARN, everything else at DEBUG. A nil logger disables logging.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if quietPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int64("bytes", rec.bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", GetRequestID(r.Context())),
			}
			if rec.isStream() {
				fields = append(fields, zap.Int("flushes", rec.flushes))
			}

			if rec.status >= http.StatusInternalServerError {
				logger.Warn("HTTP request failed", fields...)
				return
			}
			logger.Debug("HTTP request", fields...)
		})
	}
}

// statusRecorder captures what the handler sent. Flush is forwarded so event
// streams reach the client as they are written.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	flushes     int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func (s *statusRecorder) Flush() {
	f, ok := s.ResponseWriter.(http.Flusher)
	if !ok {
		return
	}
	s.flushes++
	f.Flush()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) isStream() bool {
	return strings.HasPrefix(s.Header().Get("Content-Type"), "text/event-stream")
}
