package proxy

import "net/http"

// guardedWriter remembers whether the response status line has gone out, so the error
// handler never tries to write a second response.
type guardedWriter struct {
	http.ResponseWriter
	wroteHeader bool
	failed      bool
}

func (w *guardedWriter) WriteHeader(code int) {
	// 1xx informational responses (other than 101) may precede the final one
	if code >= 200 || code == http.StatusSwitchingProtocols {
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *guardedWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush and Hijack on the underlying writer.
func (w *guardedWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
