package proxyengine

import (
	"net/http"
	"strings"
)

// streamingRecorder wraps the real ResponseWriter, capturing the status
// code while passing writes straight through (and flushing immediately when
// the underlying writer supports it), so Server-Sent-Events and other
// long-lived responses stream byte-for-byte to the client (spec.md §8
// scenario 7) instead of being buffered.
type streamingRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	ntlm        bool
}

func newStreamingRecorder(w http.ResponseWriter, ntlm bool) *streamingRecorder {
	return &streamingRecorder{ResponseWriter: w, ntlm: ntlm}
}

func (s *streamingRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.status = code
	if s.ntlm {
		rewriteNTLMHeader(s.Header())
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *streamingRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	n, err := s.ResponseWriter.Write(b)
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

// Written reports whether headers have already been sent, used by
// DefaultErrorHandler to decide whether it may still write a status code.
func (s *streamingRecorder) Written() bool {
	return s.wroteHeader
}

// rewriteNTLMHeader splits a comma-joined www-authenticate value into
// distinct header values, per spec.md §4.4's NTLM option, so each challenge
// occupies its own header line instead of a single comma-joined one.
func rewriteNTLMHeader(h http.Header) {
	values := h.Values("Www-Authenticate")
	if len(values) != 1 || !strings.Contains(values[0], ",") {
		return
	}
	parts := strings.Split(values[0], ",")
	h.Del("Www-Authenticate")
	for _, p := range parts {
		h.Add("Www-Authenticate", strings.TrimSpace(p))
	}
}

// copyRecorded copies a buffered httptest.ResponseRecorder's headers, status,
// and body onto the real ResponseWriter, applying the NTLM header rewrite if
// enabled.
func copyRecorded(w http.ResponseWriter, rec interface {
	Result() *http.Response
	Header() http.Header
}, ntlm bool) {
	resp := rec.Result()
	defer resp.Body.Close()

	dst := w.Header()
	for k, v := range rec.Header() {
		dst[k] = v
	}
	if ntlm {
		rewriteNTLMHeader(dst)
	}
	w.WriteHeader(resp.StatusCode)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
}
