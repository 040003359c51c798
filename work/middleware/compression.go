package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"stream2dvr/work/logger"

	"github.com/klauspost/compress/gzip"
)

// gzipPool reuses writers across responses. BestSpeed: guide bodies are big
// and DVR clients sit on the same LAN, so latency beats ratio.
var gzipPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipWriter wraps a ResponseWriter so handler writes pass through a pooled
// gzip writer. Status handling mirrors net/http: the first Write implies 200.
type gzipWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

func (w *gzipWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush drains the gzip buffer before flushing the underlying writer, so
// incrementally written bodies actually reach the client
func (w *gzipWriter) Flush() {
	if gz, ok := w.Writer.(*gzip.Writer); ok {
		gz.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Gzip compresses responses for clients that advertise gzip support. Meant
// for the text surfaces (lineups, guides, playlist exports, config dumps);
// stream and segment routes must not be wrapped, their bytes are already
// compressed video.
func Gzip(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}

		// compressed size is unknown until the body is fully written
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		gz := gzipPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware/compression.go - Gzip} closing gzip writer for %s %s: %v", r.Method, r.URL.Path, err)
			}
			gzipPool.Put(gz)
		}()

		next(&gzipWriter{Writer: gz, ResponseWriter: w}, r)
	}
}
