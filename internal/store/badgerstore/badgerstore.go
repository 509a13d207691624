// Package badgerstore implements the state store on an embedded Badger database.
// It is used for single-node deployments, the CLI and tests.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/types"
	"github.com/jonboulle/clockwork"
)

const (
	runPrefix   = "run/"
	stagePrefix = "stage/"

	maxConflictRetries = 10
)

// Config configures the Badger store.
type Config struct {
	Dir      string
	InMemory bool
	Logger   *slog.Logger
	Clock    clockwork.Clock
	// ResyncInterval is how often watchers re-read state in case a change
	// notification was missed. Defaults to one second.
	ResyncInterval time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.InMemory && c.Dir == "" {
		return errors.New("badger dir is required unless running in memory")
	}
	return nil
}

// Store is a store.Store backed by Badger.
type Store struct {
	db     *badger.DB
	log    *slog.Logger
	clock  clockwork.Clock
	resync time.Duration
}

var _ store.Store = (*Store)(nil)

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Warningf(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Infof(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = time.Second
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts.Logger = &badgerLogger{logger: cfg.Logger.With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{
		db:     db,
		log:    cfg.Logger,
		clock:  cfg.Clock,
		resync: cfg.ResyncInterval,
	}, nil
}

// OpenInMemory opens a throwaway in-memory store.
func OpenInMemory(logger *slog.Logger, clock clockwork.Clock) (*Store, error) {
	return Open(Config{InMemory: true, Logger: logger, Clock: clock})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runKey(runID string) []byte {
	return []byte(runPrefix + runID)
}

func stageKey(runID string, stage types.Stage) []byte {
	return []byte(stagePrefix + runID + "/" + string(stage))
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func loadRun(txn *badger.Txn, runID string) (*types.PipelineRun, error) {
	var run types.PipelineRun
	if err := getJSON(txn, runKey(runID), &run); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &store.NotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	return &run, nil
}

// CreateRun persists a new pending run.
func (s *Store) CreateRun(_ context.Context, run *types.PipelineRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	store.PrepareRun(run, s.clock.Now().UTC())

	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(run.ID)); err == nil {
			return fmt.Errorf("run already exists: %s", run.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, runKey(run.ID), run)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return run.ID, nil
}

// GetRun returns the run.
func (s *Store) GetRun(_ context.Context, runID string) (*types.PipelineRun, error) {
	var run *types.PipelineRun
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		run, err = loadRun(txn, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListActiveRuns scans every run record and keeps the non-terminal ones.
func (s *Store) ListActiveRuns(_ context.Context) ([]*types.PipelineRun, error) {
	var runs []*types.PipelineRun
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var run types.PipelineRun
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return err
			}
			if !run.Status.IsTerminal() {
				runs = append(runs, &run)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	slices.SortFunc(runs, func(a, b *types.PipelineRun) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return runs, nil
}

// UpdateRun merges upd into the run.
func (s *Store) UpdateRun(_ context.Context, runID string, upd store.RunUpdate) (*types.PipelineRun, error) {
	var run *types.PipelineRun
	err := s.update(func(txn *badger.Txn) error {
		var err error
		run, err = loadRun(txn, runID)
		if err != nil {
			return err
		}
		changed, err := store.ApplyRunUpdate(run, upd, s.clock.Now().UTC())
		if err != nil || !changed {
			return err
		}
		return setJSON(txn, runKey(runID), run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RequestCancel sets cancel_requested on a non-terminal run.
func (s *Store) RequestCancel(_ context.Context, runID string) (*types.PipelineRun, error) {
	var run *types.PipelineRun
	err := s.update(func(txn *badger.Txn) error {
		var err error
		run, err = loadRun(txn, runID)
		if err != nil {
			return err
		}
		if !store.ApplyCancel(run, s.clock.Now().UTC()) {
			return nil
		}
		return setJSON(txn, runKey(runID), run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// SetStageStatus writes a status change and fields into the stage record.
func (s *Store) SetStageStatus(_ context.Context, runID string, stage types.Stage, status types.StageStatus, fields store.StageFields) (*types.StageResult, error) {
	return s.writeStage(runID, stage, &status, fields)
}

// UpdateStage merges fields into the stage record.
func (s *Store) UpdateStage(_ context.Context, runID string, stage types.Stage, fields store.StageFields) (*types.StageResult, error) {
	return s.writeStage(runID, stage, nil, fields)
}

func (s *Store) writeStage(runID string, stage types.Stage, status *types.StageStatus, fields store.StageFields) (*types.StageResult, error) {
	var res *types.StageResult
	err := s.update(func(txn *badger.Txn) error {
		run, err := loadRun(txn, runID)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()

		res = &types.StageResult{}
		if err := getJSON(txn, stageKey(runID, stage), res); err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("failed to read stage: %w", err)
			}
			res = store.NewStageResult(runID, stage, now)
		}
		store.ApplyStageFields(res, status, fields, now)
		store.Touch(run, now)

		if err := setJSON(txn, stageKey(runID, stage), res); err != nil {
			return err
		}
		return setJSON(txn, runKey(runID), run)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetStageResult returns the stage record or nil.
func (s *Store) GetStageResult(_ context.Context, runID string, stage types.Stage) (*types.StageResult, error) {
	var res *types.StageResult
	err := s.db.View(func(txn *badger.Txn) error {
		var r types.StageResult
		if err := getJSON(txn, stageKey(runID, stage), &r); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		res = &r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get stage result: %w", err)
	}
	return res, nil
}

// ListStageResults returns the run's stage records in stage order.
func (s *Store) ListStageResults(_ context.Context, runID string) ([]types.StageResult, error) {
	var results []types.StageResult
	err := s.db.View(func(txn *badger.Txn) error {
		for _, stage := range types.StageOrder {
			var r types.StageResult
			if err := getJSON(txn, stageKey(runID, stage), &r); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}
	return results, nil
}
