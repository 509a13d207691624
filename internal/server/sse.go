package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jonathan/creator-pipeline/internal/stream"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.wrote = true
	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment sends an SSE comment line, which clients ignore
func (s *SSEWriter) WriteComment(text string) error {
	s.wrote = true
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Started reports whether anything has been written to the stream.
func (s *SSEWriter) Started() bool {
	return s.wrote
}

// Send implements stream.Sink.
func (s *SSEWriter) Send(ctx context.Context, ev stream.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.WriteEvent(ev.Name, ev.Data)
}

// Ping implements stream.Sink.
func (s *SSEWriter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.WriteComment("ping")
}
