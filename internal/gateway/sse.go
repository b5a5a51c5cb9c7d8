package gateway

import (
	"net/http"
	"sync"
)

// sseWriter serializes server-sent-event frames to one client. The
// keep-alive goroutine in fake-stream mode shares it with the request
// handler, so every write goes through the mutex.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// newSSEWriter sends the streaming headers and returns the writer. The
// status is promised to the client from this point on.
func newSSEWriter(w http.ResponseWriter, status int) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	sw := &sseWriter{w: w, flusher: flusher}
	sw.flush()
	return sw
}

// newPassthroughWriter commits already-staged headers for a native
// pass-through stream without overriding what the upstream declared.
// Content-Type falls back to text/event-stream only when absent.
func newPassthroughWriter(w http.ResponseWriter, status int) *sseWriter {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	sw := &sseWriter{w: w, flusher: flusher}
	sw.flush()
	return sw
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Data writes one `data:` frame.
func (s *sseWriter) Data(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(payload)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flush()
}

// Comment writes a no-op keep-alive frame.
func (s *sseWriter) Comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_, _ = s.w.Write([]byte(": " + text + "\n\n"))
	s.flush()
}

// Done writes the terminal [DONE] sentinel and stops further output.
func (s *sseWriter) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_, _ = s.w.Write([]byte("data: [DONE]\n\n"))
	s.flush()
}

// Raw writes upstream bytes unchanged (native pass-through streaming).
func (s *sseWriter) Raw(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_, _ = s.w.Write(payload)
	s.flush()
}
