package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceResponseHeaders echoes the trace and span IDs so a visitor-reported
// attribution problem can be matched to its trace. The headers are set when
// the response is committed, replacing any copies an upstream response
// carried in (the proxy adds upstream headers rather than setting them).
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	if traceHeader == "" {
		traceHeader = "X-Trace-Id"
	}
	if spanHeader == "" {
		spanHeader = "X-Span-Id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := trace.SpanFromContext(r.Context()).SpanContext()
			if !sc.IsValid() {
				next.ServeHTTP(w, r)
				return
			}
			tw := &traceHeaderWriter{
				ResponseWriter: w,
				set: func(h http.Header) {
					h.Set(traceHeader, sc.TraceID().String())
					h.Set(spanHeader, sc.SpanID().String())
				},
			}
			next.ServeHTTP(tw, r)
			tw.commit()
		})
	}
}

type traceHeaderWriter struct {
	http.ResponseWriter
	set  func(http.Header)
	done bool
}

func (w *traceHeaderWriter) commit() {
	if !w.done {
		w.done = true
		w.set(w.ResponseWriter.Header())
	}
}

func (w *traceHeaderWriter) WriteHeader(code int) {
	w.commit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *traceHeaderWriter) Write(b []byte) (int, error) {
	w.commit()
	return w.ResponseWriter.Write(b)
}

func (w *traceHeaderWriter) Flush() {
	w.commit()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *traceHeaderWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
