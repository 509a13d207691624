package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/jonathan/creator-pipeline/internal/stream"
)

// lineSink writes stream events to a terminal or pipe, one per line.
type lineSink struct {
	mu     sync.Mutex
	w      io.Writer
	asJSON bool
	last   stream.Event
}

func (s *lineSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = ev

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if s.asJSON {
		_, err = fmt.Fprintf(s.w, "{\"event\":%q,\"data\":%s}\n", ev.Name, data)
	} else {
		_, err = fmt.Fprintf(s.w, "%-15s %s\n", ev.Name, summarize(ev, data))
	}
	return err
}

// Ping is a no-op; a local terminal needs no keep-alive.
func (s *lineSink) Ping(context.Context) error {
	return nil
}

// Last returns the most recent event sent.
func (s *lineSink) Last() stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// summarize shortens large payloads for human output.
func summarize(ev stream.Event, data []byte) string {
	switch d := ev.Data.(type) {
	case stream.CompleteData:
		total := 0
		for _, st := range d.Stages {
			total += len(st.Items)
		}
		return fmt.Sprintf("run %s %s: %d stages, %d items", d.RunID, d.Status, len(d.Stages), total)
	case stream.ProgressData:
		stage := "-"
		if d.CurrentStage != nil {
			stage = string(*d.CurrentStage)
		}
		return fmt.Sprintf("%3d%% %s stage=%s", d.OverallProgress, d.Status, stage)
	case stream.BatchCompleteData:
		return fmt.Sprintf("%s batch %d: %d items (%d total)", d.Stage, d.Seq, d.ItemCount, d.Total)
	case stream.StageCompleteData:
		return fmt.Sprintf("%s: %d items", d.Stage, d.ItemCount)
	default:
		return string(data)
	}
}
