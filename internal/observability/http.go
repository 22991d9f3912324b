package observability

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxTraceIdLen bounds trace ids accepted from callers.
const maxTraceIdLen = 128

// Middleware holds configuration for HTTP Observability
type Middleware struct {
	// TraceIdHeader carries the request trace id, in and out.
	// Empty disables header propagation, a fresh id is still logged.
	TraceIdHeader string

	// Logger is the base Logger, nil uses the context one
	Logger *slog.Logger

	Metrics *Metrics
}

// traceId returns the caller trace id if acceptable, or a new uuid.
func (self Middleware) traceId(r *http.Request) string {
	if "" != self.TraceIdHeader {
		tId := r.Header.Get(self.TraceIdHeader)
		if "" != tId && len(tId) <= maxTraceIdLen && printable(tId) {
			return tId
		}
	}
	return uuid.New().String()
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// Wrap returns an Handler that serves next with a request scoped
// Observability, then logs and meters the request.
//
// 5xx responses are logged at WARN level.
func (self Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()

		tId := self.traceId(r)
		if "" != self.TraceIdHeader {
			w.Header().Set(self.TraceIdHeader, tId)
		}

		base := self.Logger
		if nil == base {
			base = GetObservability(r.Context()).Log()
		}
		obs := &Observability{Logger: base.With("tId", tId), Metrics: self.Metrics}

		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(SetObservability(r.Context(), obs)))

		status := rec.statusCode()
		elapsed := time.Since(t0)
		self.Metrics.HTTPRequest(r.Method, status, elapsed)

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		obs.Logger.Log(
			r.Context(),
			level,
			"processed HTTP request",
			"method", r.Method,
			"uri", r.RequestURI,
			"status", status,
			"bytes", rec.written,
			"duration", elapsed,
		)
	})
}

// responseRecorder captures the status and size of a response.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (self *responseRecorder) WriteHeader(statusCode int) {
	if 0 == self.status {
		self.status = statusCode
	}
	self.ResponseWriter.WriteHeader(statusCode)
}

func (self *responseRecorder) Write(p []byte) (int, error) {
	if 0 == self.status {
		self.status = http.StatusOK
	}
	n, err := self.ResponseWriter.Write(p)
	self.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the inner writer.
func (self *responseRecorder) Unwrap() http.ResponseWriter {
	return self.ResponseWriter
}

func (self *responseRecorder) statusCode() int {
	if 0 == self.status {
		return http.StatusOK
	}
	return self.status
}

var _ http.ResponseWriter = &responseRecorder{}
