package middleware

import (
	"net/http"
	"time"

	"stream2dvr/work/logger"
)

// statusWriter records the status a handler sent so the request log line
// can carry it
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush keeps stream routes flushable through the wrapper
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLog logs every request at debug level with method, path, status
// and duration. Registered router-wide, so it wraps stream routes too and
// has to stay cheap when debug is off.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		logger.Debug("{middleware/logging.go - RequestLog} %s %s -> %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start))
	})
}
