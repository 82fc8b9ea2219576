package middleware

import (
	"context"
	"net/http"
)

// statusRecorder remembers the status and body size written through it.
// Logging and HTTPMetrics each wrap the writer with one.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool

	// ctx is the innermost request context a handler reported back through
	// UpdateResponseContext.
	ctx context.Context
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader records the first status only, as net/http sends only that one.
func (rec *statusRecorder) WriteHeader(code int) {
	if rec.wroteHeader {
		return
	}
	rec.status = code
	rec.wroteHeader = true
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	n, err := rec.ResponseWriter.Write(b)
	rec.size += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// UpdateResponseContext hands a handler's enriched context (user id, error
// code) back to every recorder wrapping w, so request logs and metrics see
// what the handler learned. Writers without recorders are left alone.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for w != nil {
		if rec, ok := w.(*statusRecorder); ok {
			rec.ctx = ctx
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = u.Unwrap()
	}
}

// requestContext is the handler-reported context if any, else r's.
func (rec *statusRecorder) requestContext(r *http.Request) context.Context {
	if rec.ctx != nil {
		return rec.ctx
	}
	return r.Context()
}
