package stream

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jonathan/creator-pipeline/internal/metrics"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/types"
)

// Bridge defaults.
const (
	DefaultHeartbeat = 15 * time.Second
	DefaultWatchdog  = 5 * time.Minute
)

// Watcher is the part of the state store the bridge reads from.
type Watcher interface {
	Watch(ctx context.Context, runID string) (<-chan store.Snapshot, error)
}

// ResultReader loads a stage's full result list for the complete event.
type ResultReader interface {
	Read(ctx context.Context, runID string, stage types.Stage) ([]types.CreatorProfile, error)
}

// Config configures a Bridge.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Watcher Watcher
	Results ResultReader
	// Heartbeat is the interval between pings.
	Heartbeat time.Duration
	// Watchdog is how long the bridge waits for a state change before
	// giving up on the run.
	Watchdog time.Duration
}

func (c *Config) Validate() error {
	if c.Watcher == nil {
		return errors.New("watcher is required")
	}
	if c.Results == nil {
		return errors.New("result reader is required")
	}
	if c.Heartbeat < 0 || c.Watchdog < 0 {
		return errors.New("heartbeat and watchdog must not be negative")
	}
	return nil
}

// Bridge serves run event streams. One Bridge is shared by all connections;
// each Serve call is independent.
type Bridge struct {
	log       *slog.Logger
	clock     clockwork.Clock
	watcher   Watcher
	results   ResultReader
	heartbeat time.Duration
	watchdog  time.Duration
}

// New creates a Bridge.
func New(cfg Config) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Watchdog == 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	return &Bridge{
		log:       cfg.Logger,
		clock:     cfg.Clock,
		watcher:   cfg.Watcher,
		results:   cfg.Results,
		heartbeat: cfg.Heartbeat,
		watchdog:  cfg.Watchdog,
	}, nil
}

// Serve streams the run's events to sink until a terminal event was sent,
// the watchdog fired, or the sink failed. It returns nil after a terminal
// event that reflects the run's own state, *WatchdogTimeout after a timeout,
// and *TransportError when the client went away. Errors opening the watch
// (such as store.NotFoundError) are returned before anything is sent.
func (b *Bridge) Serve(ctx context.Context, runID string, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshots, err := b.watcher.Watch(ctx, runID)
	if err != nil {
		return err
	}

	metrics.StreamsOpen.Inc()
	defer metrics.StreamsOpen.Dec()

	s := &session{
		bridge:  b,
		log:     b.log.With("run_id", runID),
		runID:   runID,
		sink:    sink,
		started: b.clock.Now(),
		batches: make(map[types.Stage]map[int]types.BatchRef),
		done:    make(map[types.Stage]bool),
	}
	err = s.run(ctx, snapshots)
	metrics.StreamOutcomes.WithLabelValues(s.outcome).Inc()
	return err
}

// session is the state of one Serve call.
type session struct {
	bridge  *Bridge
	log     *slog.Logger
	runID   string
	sink    Sink
	started time.Time
	outcome string

	lastProgress *ProgressData
	batches      map[types.Stage]map[int]types.BatchRef
	done         map[types.Stage]bool
}

func (s *session) run(ctx context.Context, snapshots <-chan store.Snapshot) error {
	if err := s.send(ctx, Event{Name: EventAck, Data: AckData{RunID: s.runID}}); err != nil {
		return err
	}

	heartbeat := s.bridge.clock.NewTicker(s.bridge.heartbeat)
	defer heartbeat.Stop()
	watchdog := s.bridge.clock.NewTimer(s.bridge.watchdog)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			s.outcome = "transport"
			return &TransportError{Err: ctx.Err()}

		case <-heartbeat.Chan():
			if err := s.sink.Ping(ctx); err != nil {
				s.outcome = "transport"
				return &TransportError{Err: err}
			}

		case <-watchdog.Chan():
			s.log.Warn("stream watchdog fired", "window", s.bridge.watchdog)
			s.outcome = "timeout"
			if err := s.send(ctx, Event{Name: EventError, Data: ErrorData{
				RunID:   s.runID,
				Reason:  ReasonTimeout,
				Message: "no progress observed within " + s.bridge.watchdog.String(),
			}}); err != nil {
				return err
			}
			return &WatchdogTimeout{RunID: s.runID, Window: s.bridge.watchdog}

		case snap, ok := <-snapshots:
			if !ok {
				return s.watchEnded(ctx)
			}
			snap, open := coalesce(snap, snapshots)
			watchdog.Reset(s.bridge.watchdog)

			terminal, err := s.observe(ctx, snap)
			if err != nil || terminal {
				return err
			}
			if !open {
				return s.watchEnded(ctx)
			}
		}
	}
}

// coalesce skips ahead to the newest snapshot already queued, stopping at a
// terminal one. Diffing against the newest state still yields every stage
// and batch transition; only intermediate progress values are dropped.
func coalesce(snap store.Snapshot, snapshots <-chan store.Snapshot) (store.Snapshot, bool) {
	for !snap.Run.Status.IsTerminal() {
		select {
		case next, ok := <-snapshots:
			if !ok {
				return snap, false
			}
			snap = next
		default:
			return snap, true
		}
	}
	return snap, true
}

func (s *session) watchEnded(ctx context.Context) error {
	if ctx.Err() != nil {
		s.outcome = "transport"
		return &TransportError{Err: ctx.Err()}
	}
	s.outcome = "watch_ended"
	return s.send(ctx, Event{Name: EventError, Data: ErrorData{
		RunID:   s.runID,
		Reason:  ReasonWatchEnded,
		Message: "run subscription ended unexpectedly",
	}})
}

// observe emits the events implied by a snapshot and reports whether a
// terminal event was sent.
func (s *session) observe(ctx context.Context, snap store.Snapshot) (bool, error) {
	run := snap.Run

	if p := progressOf(run); s.lastProgress == nil || !sameProgress(*s.lastProgress, p) {
		s.lastProgress = &p
		if err := s.send(ctx, Event{Name: EventProgress, Data: p}); err != nil {
			return false, err
		}
	}

	changed := false
	for _, res := range snap.Stages {
		seen := s.batches[res.Stage]
		if seen == nil {
			seen = make(map[int]types.BatchRef)
			s.batches[res.Stage] = seen
		}
		for _, ref := range res.Batches {
			if last, ok := seen[ref.Seq]; ok && last.Version == ref.Version && last.Length == ref.Length {
				continue
			}
			seen[ref.Seq] = ref
			changed = true
			if err := s.send(ctx, Event{Name: EventBatchComplete, Data: BatchCompleteData{
				RunID:     s.runID,
				Stage:     res.Stage,
				Seq:       ref.Seq,
				ItemCount: ref.Length,
				Total:     res.ItemCount,
			}}); err != nil {
				return false, err
			}
		}

		if res.Status == types.StageStatusCompleted && !s.done[res.Stage] {
			s.done[res.Stage] = true
			changed = true
			if err := s.send(ctx, Event{Name: EventStageComplete, Data: StageCompleteData{
				RunID:     s.runID,
				Stage:     res.Stage,
				ItemCount: res.ItemCount,
				Metadata:  res.Metadata,
			}}); err != nil {
				return false, err
			}
		}
	}

	if changed {
		if err := s.send(ctx, Event{Name: EventFlowMetrics, Data: s.flowMetrics(snap)}); err != nil {
			return false, err
		}
	}

	if !run.Status.IsTerminal() {
		return false, nil
	}
	return true, s.finish(ctx, snap)
}

func (s *session) finish(ctx context.Context, snap store.Snapshot) error {
	run := snap.Run
	s.outcome = string(run.Status)

	switch run.Status {
	case types.RunStatusCompleted:
		data, err := s.complete(ctx, snap)
		if err != nil {
			s.log.Error("failed to load results for complete event", "error", err)
			s.outcome = "error"
			return s.send(ctx, Event{Name: EventError, Data: ErrorData{
				RunID:   s.runID,
				Reason:  ReasonInternal,
				Message: "run completed but its results could not be loaded",
			}})
		}
		return s.send(ctx, Event{Name: EventComplete, Data: data})

	case types.RunStatusCancelled:
		return s.send(ctx, Event{Name: EventCancelled, Data: CancelledData{
			RunID:           s.runID,
			CompletedStages: run.CompletedStages,
		}})

	default:
		data := ErrorData{RunID: s.runID, Reason: ReasonStageFailed, Message: "run failed"}
		if run.ErrorMessage != nil {
			data.Message = *run.ErrorMessage
		}
		for _, res := range snap.Stages {
			if res.Status == types.StageStatusError {
				stage := res.Stage
				data.Stage = &stage
				break
			}
		}
		return s.send(ctx, Event{Name: EventError, Data: data})
	}
}

func (s *session) complete(ctx context.Context, snap store.Snapshot) (CompleteData, error) {
	data := CompleteData{RunID: s.runID, Status: snap.Run.Status, Stages: []StageOutput{}}
	for _, res := range snap.Stages {
		items, err := s.bridge.results.Read(ctx, s.runID, res.Stage)
		if err != nil {
			return CompleteData{}, err
		}
		if items == nil {
			items = []types.CreatorProfile{}
		}
		data.Stages = append(data.Stages, StageOutput{
			Stage:     res.Stage,
			Status:    res.Status,
			ItemCount: res.ItemCount,
			Metadata:  res.Metadata,
			Items:     items,
		})
	}
	return data, nil
}

func (s *session) flowMetrics(snap store.Snapshot) FlowMetricsData {
	data := FlowMetricsData{
		RunID:     s.runID,
		ElapsedMs: s.bridge.clock.Since(s.started).Milliseconds(),
		Stages:    make([]StageFlow, 0, len(snap.Stages)),
	}
	for _, res := range snap.Stages {
		data.Stages = append(data.Stages, StageFlow{
			Stage:      res.Stage,
			Status:     res.Status,
			ItemCount:  res.ItemCount,
			Batches:    len(res.Batches),
			DurationMs: res.Metadata.DurationMs,
		})
	}
	return data
}

func (s *session) send(ctx context.Context, ev Event) error {
	if err := s.sink.Send(ctx, ev); err != nil {
		s.outcome = "transport"
		return &TransportError{Err: err}
	}
	metrics.StreamEvents.WithLabelValues(ev.Name).Inc()
	return nil
}

func progressOf(run *types.PipelineRun) ProgressData {
	return ProgressData{
		RunID:           run.ID,
		Status:          run.Status,
		CurrentStage:    run.CurrentStage,
		OverallProgress: run.OverallProgress,
		CompletedStages: slices.Clone(run.CompletedStages),
		CancelRequested: run.CancelRequested,
	}
}

func sameProgress(a, b ProgressData) bool {
	sameStage := (a.CurrentStage == nil && b.CurrentStage == nil) ||
		(a.CurrentStage != nil && b.CurrentStage != nil && *a.CurrentStage == *b.CurrentStage)
	return sameStage &&
		a.Status == b.Status &&
		a.OverallProgress == b.OverallProgress &&
		a.CancelRequested == b.CancelRequested &&
		slices.Equal(a.CompletedStages, b.CompletedStages)
}
