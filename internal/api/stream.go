package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// SSEWriter frames chunks of sandbox output as Server-Sent Events. The
// executor treats it as a plain io.Writer sink, so stdout and stderr each
// get their own writer tagged with a distinct event name, and every chunk
// is flushed as it arrives to keep long-running commands streaming live.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	event   string
	mu      sync.Mutex
}

// NewSSEWriter wraps the response writer for the named event stream, such
// as "stdout" or "stderr". Returns nil when the underlying connection
// cannot flush, which callers must treat as streaming being unavailable.
func NewSSEWriter(w http.ResponseWriter, event string) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{
		w:       w,
		flusher: flusher,
		event:   event,
	}
}

// Write emits one event carrying p and flushes it. Command output is
// untrusted and routinely multi-line, and a bare newline would end the
// event early and let output forge events of its own, so every line is
// framed with its own "data:" prefix.
func (s *SSEWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var frame strings.Builder
	frame.WriteString("event: ")
	frame.WriteString(s.event)
	frame.WriteByte('\n')
	for _, line := range strings.Split(string(p), "\n") {
		frame.WriteString("data: ")
		frame.WriteString(line)
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')

	if _, err := fmt.Fprint(s.w, frame.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// sendSSEDone closes out a stream with the JSON execution summary.
func sendSSEDone(w http.ResponseWriter, data string) {
	if flusher, ok := w.(http.Flusher); ok {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

// sendSSEError reports a failure that produced no output to stream.
func sendSSEError(w http.ResponseWriter, errMsg string) {
	if flusher, ok := w.(http.Flusher); ok {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", errMsg)
		flusher.Flush()
	}
}
