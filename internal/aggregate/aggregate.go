// Package aggregate merges numbered partial batches of stage results into one
// ordered list per (run, stage), moving the list to blob storage once it
// grows past a size threshold.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonathan/creator-pipeline/internal/blob"
	"github.com/jonathan/creator-pipeline/internal/metrics"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/types"
)

// DefaultOverflowThreshold keeps inline lists well below the 1 MiB document
// limit of managed document stores.
const DefaultOverflowThreshold = 512 * 1024

// StageStore is the part of the state store the aggregator writes to.
type StageStore interface {
	GetStageResult(ctx context.Context, runID string, stage types.Stage) (*types.StageResult, error)
	UpdateStage(ctx context.Context, runID string, stage types.Stage, fields store.StageFields) (*types.StageResult, error)
}

// Config configures an Aggregator.
type Config struct {
	Logger *slog.Logger
	Store  StageStore
	Blobs  blob.Store
	// OverflowThreshold is the serialized size in bytes above which the list
	// is written to Blobs instead of the stage record.
	OverflowThreshold int
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Blobs == nil {
		return errors.New("blob store is required")
	}
	if c.OverflowThreshold < 0 {
		return errors.New("overflow threshold must not be negative")
	}
	return nil
}

// BatchResult describes the effect of one ApplyBatch call.
type BatchResult struct {
	Seq        int  `json:"seq"`
	Version    int  `json:"version"`
	Length     int  `json:"length"`
	Total      int  `json:"total"`
	Replaced   bool `json:"replaced"`
	Overflowed bool `json:"overflowed"`
}

// Aggregator applies batches to stage records.
type Aggregator struct {
	log       *slog.Logger
	store     StageStore
	blobs     blob.Store
	threshold int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OverflowThreshold == 0 {
		cfg.OverflowThreshold = DefaultOverflowThreshold
	}
	return &Aggregator{
		log:       cfg.Logger,
		store:     cfg.Store,
		blobs:     cfg.Blobs,
		threshold: cfg.OverflowThreshold,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// lock serializes writers of one (run, stage) list within this process.
func (a *Aggregator) lock(runID string, stage types.Stage) func() {
	key := runID + "/" + string(stage)
	a.mu.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Release drops the per-stage lock of a finished run.
func (a *Aggregator) Release(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range types.StageOrder {
		delete(a.locks, runID+"/"+string(s))
	}
}

// ApplyBatch splices items in as batch seq of the stage's result list and
// persists the list inline or as an overflow blob.
func (a *Aggregator) ApplyBatch(ctx context.Context, runID string, stage types.Stage, seq int, items []types.CreatorProfile) (BatchResult, error) {
	if seq < 0 {
		return BatchResult{}, fmt.Errorf("batch seq must not be negative: %d", seq)
	}
	unlock := a.lock(runID, stage)
	defer unlock()

	res, err := a.store.GetStageResult(ctx, runID, stage)
	if err != nil {
		return BatchResult{}, err
	}
	var current []types.CreatorProfile
	var index []types.BatchRef
	version := 1
	if res != nil {
		current, err = Load(ctx, a.blobs, res)
		if err != nil {
			return BatchResult{}, err
		}
		index = res.Batches
		version = res.BatchVersion + 1
	}

	list, index, replaced := Splice(current, index, seq, version, items)

	data, err := json.Marshal(list)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to marshal result list: %w", err)
	}

	fields := store.StageFields{
		ItemCount:    store.Ptr(len(list)),
		Batches:      &index,
		BatchVersion: &version,
	}
	overflowed := len(data) > a.threshold
	previousBlob := ""
	if res != nil {
		previousBlob = res.BlobPath
	}

	if overflowed {
		path := blob.StagePath(runID, string(stage))
		if err := a.blobs.Put(ctx, path, data); err != nil {
			return BatchResult{}, err
		}
		metrics.OverflowWrites.WithLabelValues(string(stage)).Inc()
		fields.Items = &[]types.CreatorProfile{}
		fields.BlobPath = &path
	} else {
		fields.Items = &list
		fields.BlobPath = store.Ptr("")
	}

	if _, err := a.store.UpdateStage(ctx, runID, stage, fields); err != nil {
		return BatchResult{}, err
	}

	if !overflowed && previousBlob != "" {
		if err := a.blobs.Delete(ctx, previousBlob); err != nil {
			a.log.Warn("failed to delete stale overflow blob", "run_id", runID, "stage", stage, "path", previousBlob, "error", err)
		}
	}

	kind := "new"
	if replaced {
		kind = "replace"
	}
	metrics.BatchesApplied.WithLabelValues(string(stage), kind).Inc()
	a.log.Debug("applied batch", "run_id", runID, "stage", stage, "seq", seq,
		"length", len(items), "total", len(list), "replaced", replaced, "overflowed", overflowed)

	return BatchResult{
		Seq:        seq,
		Version:    version,
		Length:     len(items),
		Total:      len(list),
		Replaced:   replaced,
		Overflowed: overflowed,
	}, nil
}

// Blobs returns the overflow blob store.
func (a *Aggregator) Blobs() blob.Store {
	return a.blobs
}

// Read returns the stage's full ordered result list.
func (a *Aggregator) Read(ctx context.Context, runID string, stage types.Stage) ([]types.CreatorProfile, error) {
	res, err := a.store.GetStageResult(ctx, runID, stage)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return Load(ctx, a.blobs, res)
}

// Load returns the items of a stage record, dereferencing its overflow blob.
func Load(ctx context.Context, blobs blob.Store, res *types.StageResult) ([]types.CreatorProfile, error) {
	if !res.Overflowed() {
		return res.Items, nil
	}
	data, err := blobs.Get(ctx, res.BlobPath)
	if err != nil {
		return nil, err
	}
	var items []types.CreatorProfile
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to decode overflow blob %s: %w", res.BlobPath, err)
	}
	return items, nil
}
