package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/types"
)

const runColumns = `id, user_id, campaign_id, status, current_stage, completed_stages,
	overall_progress, cancel_requested, error_message, stop_at_stage, request,
	version, created_at, updated_at, started_at, ended_at`

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.PipelineRun, error) {
	var (
		run          types.PipelineRun
		campaignID   *string
		status       string
		currentStage *string
		completed    []string
		stopAt       *string
		requestJSON  []byte
	)
	err := row.Scan(&run.ID, &run.UserID, &campaignID, &status, &currentStage, &completed,
		&run.OverallProgress, &run.CancelRequested, &run.ErrorMessage, &stopAt, &requestJSON,
		&run.Version, &run.CreatedAt, &run.UpdatedAt, &run.StartedAt, &run.EndedAt)
	if err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	if campaignID != nil {
		run.CampaignID = *campaignID
	}
	if currentStage != nil {
		s := types.Stage(*currentStage)
		run.CurrentStage = &s
	}
	if stopAt != nil {
		s := types.Stage(*stopAt)
		run.StopAtStage = &s
	}
	run.CompletedStages = make([]types.Stage, 0, len(completed))
	for _, c := range completed {
		run.CompletedStages = append(run.CompletedStages, types.Stage(c))
	}
	if requestJSON != nil {
		var req types.RunRequest
		if err := json.Unmarshal(requestJSON, &req); err == nil {
			run.Request = &req
		}
	}
	return &run, nil
}

func stageNames(stages []types.Stage) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, string(s))
	}
	return out
}

func stagePtr(s *types.Stage) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateRun inserts a new pending run and returns its ID
func (db *DB) CreateRun(ctx context.Context, run *types.PipelineRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	store.PrepareRun(run, db.now())

	var requestJSON []byte
	if run.Request != nil {
		var err error
		requestJSON, err = json.Marshal(run.Request)
		if err != nil {
			return "", fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, user_id, campaign_id, status, completed_stages,
		     overall_progress, cancel_requested, stop_at_stage, request, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, FALSE, $6, $7, $8, $9, $9)`,
		run.ID, run.UserID, nullIfEmpty(run.CampaignID), string(run.Status), stageNames(run.CompletedStages),
		stagePtr(run.StopAtStage), requestJSON, run.Version, run.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return run.ID, nil
}

// ListActiveRuns retrieves the pending and running runs, oldest first
func (db *DB) ListActiveRuns(ctx context.Context) ([]*types.PipelineRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE status IN ('pending', 'running')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	return runs, nil
}

// GetRun retrieves a run by ID
func (db *DB) GetRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &store.NotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// lockRun reads the run row FOR UPDATE inside tx.
func lockRun(ctx context.Context, tx pgx.Tx, runID string) (*types.PipelineRun, error) {
	run, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1 FOR UPDATE`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &store.NotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("failed to lock run: %w", err)
	}
	return run, nil
}

// UpdateRun merges upd into the run. Only orchestration columns are written,
// so a concurrent cancel request is never overwritten.
func (db *DB) UpdateRun(ctx context.Context, runID string, upd store.RunUpdate) (*types.PipelineRun, error) {
	var run *types.PipelineRun
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		run, err = lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		changed, err := store.ApplyRunUpdate(run, upd, db.now())
		if err != nil || !changed {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE pipeline_runs
			 SET status = $1, current_stage = $2, completed_stages = $3, overall_progress = $4,
			     error_message = $5, started_at = $6, ended_at = $7, version = $8, updated_at = $9
			 WHERE id = $10`,
			string(run.Status), stagePtr(run.CurrentStage), stageNames(run.CompletedStages),
			run.OverallProgress, run.ErrorMessage, run.StartedAt, run.EndedAt, run.Version,
			run.UpdatedAt, runID,
		)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RequestCancel sets cancel_requested while the run is pending or running.
func (db *DB) RequestCancel(ctx context.Context, runID string) (*types.PipelineRun, error) {
	_, err := db.pool.Exec(ctx,
		`UPDATE pipeline_runs
		 SET cancel_requested = TRUE, version = version + 1, updated_at = $2
		 WHERE id = $1 AND status IN ('pending', 'running') AND NOT cancel_requested`,
		runID, db.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to request cancel: %w", err)
	}
	return db.GetRun(ctx, runID)
}

// Watch polls the run and emits a snapshot whenever its version changes.
func (db *DB) Watch(ctx context.Context, runID string) (<-chan store.Snapshot, error) {
	return store.PollWatch(ctx, db, runID, store.PollConfig{
		Logger:   db.log,
		Clock:    db.clock,
		Interval: db.pollInterval,
	})
}
