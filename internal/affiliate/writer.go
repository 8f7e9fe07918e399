package affiliate

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// cookieWriter adds the attribution Set-Cookie headers right before the
// downstream handler commits its headers.
type cookieWriter struct {
	http.ResponseWriter
	cookies []*http.Cookie
	done    bool
}

func (w *cookieWriter) writeCookies() {
	if w.done {
		return
	}
	w.done = true
	for _, c := range w.cookies {
		http.SetCookie(w.ResponseWriter, c)
	}
}

func (w *cookieWriter) WriteHeader(code int) {
	w.writeCookies()
	w.ResponseWriter.WriteHeader(code)
}

func (w *cookieWriter) Write(b []byte) (int, error) {
	w.writeCookies()
	return w.ResponseWriter.Write(b)
}

func (w *cookieWriter) Flush() {
	w.writeCookies()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *cookieWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *cookieWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
