// Package stream translates state-store changes of one run into the ordered
// event stream sent to one connected client.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/creator-pipeline/internal/types"
)

// Event names.
const (
	EventAck           = "ack"
	EventProgress      = "progress"
	EventStageComplete = "stage_complete"
	EventBatchComplete = "batch_complete"
	EventFlowMetrics   = "flow_metrics"
	EventComplete      = "complete"
	EventError         = "error"
	EventCancelled     = "cancelled"
)

// Error reasons carried by error events.
const (
	ReasonStageFailed = "stage_failed"
	ReasonTimeout     = "timeout"
	ReasonWatchEnded  = "watch_ended"
	ReasonInternal    = "internal"
)

// Event is one named message to the client.
type Event struct {
	Name string
	Data any
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Name == EventComplete || e.Name == EventError || e.Name == EventCancelled
}

// Sink delivers events to one client.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	// Ping writes a heartbeat that carries no event.
	Ping(ctx context.Context) error
}

type AckData struct {
	RunID string `json:"run_id"`
}

type ProgressData struct {
	RunID           string          `json:"run_id"`
	Status          types.RunStatus `json:"status"`
	CurrentStage    *types.Stage    `json:"current_stage"`
	OverallProgress int             `json:"overall_progress"`
	CompletedStages []types.Stage   `json:"completed_stages"`
	CancelRequested bool            `json:"cancel_requested"`
}

type StageCompleteData struct {
	RunID     string              `json:"run_id"`
	Stage     types.Stage         `json:"stage"`
	ItemCount int                 `json:"item_count"`
	Metadata  types.StageMetadata `json:"metadata"`
}

type BatchCompleteData struct {
	RunID     string      `json:"run_id"`
	Stage     types.Stage `json:"stage"`
	Seq       int         `json:"seq"`
	ItemCount int         `json:"item_count"`
	Total     int         `json:"total"`
}

// StageFlow is the per-stage counter set of a flow_metrics event.
type StageFlow struct {
	Stage      types.Stage       `json:"stage"`
	Status     types.StageStatus `json:"status"`
	ItemCount  int               `json:"item_count"`
	Batches    int               `json:"batches"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

type FlowMetricsData struct {
	RunID     string      `json:"run_id"`
	ElapsedMs int64       `json:"elapsed_ms"`
	Stages    []StageFlow `json:"stages"`
}

// StageOutput is one stage's full result in a complete event.
type StageOutput struct {
	Stage     types.Stage            `json:"stage"`
	Status    types.StageStatus      `json:"status"`
	ItemCount int                    `json:"item_count"`
	Metadata  types.StageMetadata    `json:"metadata"`
	Items     []types.CreatorProfile `json:"items"`
}

type CompleteData struct {
	RunID  string          `json:"run_id"`
	Status types.RunStatus `json:"status"`
	Stages []StageOutput   `json:"stages"`
}

type ErrorData struct {
	RunID   string       `json:"run_id"`
	Reason  string       `json:"reason"`
	Message string       `json:"message"`
	Stage   *types.Stage `json:"stage,omitempty"`
}

type CancelledData struct {
	RunID           string        `json:"run_id"`
	CompletedStages []types.Stage `json:"completed_stages"`
}

// TransportError means the connection to the client broke. It ends only the
// stream; the run keeps executing.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// WatchdogTimeout means no state change was observed within the window.
type WatchdogTimeout struct {
	RunID  string
	Window time.Duration
}

func (e *WatchdogTimeout) Error() string {
	return fmt.Sprintf("no progress on run %s within %s", e.RunID, e.Window)
}
