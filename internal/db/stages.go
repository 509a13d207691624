package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/types"
)

const stageColumns = `run_id, stage, status, item_count, items, blob_path, batches, batch_version,
	metadata, debug, error_message, started_at, completed_at, updated_at`

func scanStage(row rowScanner) (*types.StageResult, error) {
	var (
		res          types.StageResult
		stage        string
		status       string
		blobPath     *string
		itemsJSON    []byte
		batchesJSON  []byte
		metadataJSON []byte
		debugJSON    []byte
	)
	err := row.Scan(&res.RunID, &stage, &status, &res.ItemCount, &itemsJSON, &blobPath,
		&batchesJSON, &res.BatchVersion, &metadataJSON, &debugJSON, &res.ErrorMessage,
		&res.StartedAt, &res.CompletedAt, &res.UpdatedAt)
	if err != nil {
		return nil, err
	}
	res.Stage = types.Stage(stage)
	res.Status = types.StageStatus(status)
	if blobPath != nil {
		res.BlobPath = *blobPath
	}
	if itemsJSON != nil {
		if err := json.Unmarshal(itemsJSON, &res.Items); err != nil {
			return nil, fmt.Errorf("failed to decode items: %w", err)
		}
	}
	if batchesJSON != nil {
		_ = json.Unmarshal(batchesJSON, &res.Batches)
	}
	if metadataJSON != nil {
		_ = json.Unmarshal(metadataJSON, &res.Metadata)
	}
	if debugJSON != nil {
		_ = json.Unmarshal(debugJSON, &res.Debug)
	}
	return &res, nil
}

// SetStageStatus writes a status change and fields into the stage record
func (db *DB) SetStageStatus(ctx context.Context, runID string, stage types.Stage, status types.StageStatus, fields store.StageFields) (*types.StageResult, error) {
	return db.writeStage(ctx, runID, stage, &status, fields)
}

// UpdateStage merges fields into the stage record
func (db *DB) UpdateStage(ctx context.Context, runID string, stage types.Stage, fields store.StageFields) (*types.StageResult, error) {
	return db.writeStage(ctx, runID, stage, nil, fields)
}

func (db *DB) writeStage(ctx context.Context, runID string, stage types.Stage, status *types.StageStatus, fields store.StageFields) (*types.StageResult, error) {
	var res *types.StageResult
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		run, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		now := db.now()

		res, err = scanStage(tx.QueryRow(ctx,
			`SELECT `+stageColumns+` FROM stage_results WHERE run_id = $1 AND stage = $2 FOR UPDATE`,
			runID, string(stage)))
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to read stage: %w", err)
			}
			res = store.NewStageResult(runID, stage, now)
		}
		store.ApplyStageFields(res, status, fields, now)

		if err := upsertStage(ctx, tx, res); err != nil {
			return err
		}

		store.Touch(run, now)
		_, err = tx.Exec(ctx,
			`UPDATE pipeline_runs SET version = $1, updated_at = $2 WHERE id = $3`,
			run.Version, run.UpdatedAt, runID)
		if err != nil {
			return fmt.Errorf("failed to touch run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func upsertStage(ctx context.Context, tx pgx.Tx, res *types.StageResult) error {
	var itemsJSON, batchesJSON, debugJSON []byte
	var err error
	if res.Items != nil {
		if itemsJSON, err = json.Marshal(res.Items); err != nil {
			return fmt.Errorf("failed to marshal items: %w", err)
		}
	}
	if res.Batches != nil {
		if batchesJSON, err = json.Marshal(res.Batches); err != nil {
			return fmt.Errorf("failed to marshal batches: %w", err)
		}
	}
	if res.Debug != nil {
		if debugJSON, err = json.Marshal(res.Debug); err != nil {
			return fmt.Errorf("failed to marshal debug: %w", err)
		}
	}
	metadataJSON, err := json.Marshal(res.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO stage_results (run_id, stage, status, item_count, items, blob_path, batches,
		     batch_version, metadata, debug, error_message, started_at, completed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (run_id, stage) DO UPDATE
		 SET status = EXCLUDED.status, item_count = EXCLUDED.item_count, items = EXCLUDED.items,
		     blob_path = EXCLUDED.blob_path, batches = EXCLUDED.batches,
		     batch_version = EXCLUDED.batch_version, metadata = EXCLUDED.metadata,
		     debug = EXCLUDED.debug, error_message = EXCLUDED.error_message,
		     started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
		     updated_at = EXCLUDED.updated_at`,
		res.RunID, string(res.Stage), string(res.Status), res.ItemCount, itemsJSON,
		nullIfEmpty(res.BlobPath), batchesJSON, res.BatchVersion, metadataJSON, debugJSON,
		res.ErrorMessage, res.StartedAt, res.CompletedAt, res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save stage result: %w", err)
	}
	return nil
}

// GetStageResult retrieves a stage record, or nil when the stage has not been written
func (db *DB) GetStageResult(ctx context.Context, runID string, stage types.Stage) (*types.StageResult, error) {
	res, err := scanStage(db.pool.QueryRow(ctx,
		`SELECT `+stageColumns+` FROM stage_results WHERE run_id = $1 AND stage = $2`,
		runID, string(stage)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get stage result: %w", err)
	}
	return res, nil
}

// ListStageResults retrieves every stage record for a run in stage order
func (db *DB) ListStageResults(ctx context.Context, runID string) ([]types.StageResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stageColumns+` FROM stage_results WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}
	defer rows.Close()

	byStage := make(map[types.Stage]types.StageResult)
	for rows.Next() {
		res, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		byStage[res.Stage] = *res
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}

	results := make([]types.StageResult, 0, len(byStage))
	for _, s := range types.StageOrder {
		if res, ok := byStage[s]; ok {
			results = append(results, res)
		}
	}
	return results, nil
}
