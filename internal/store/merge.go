package store

import (
	"time"

	"github.com/jonathan/creator-pipeline/internal/types"
)

// PrepareRun fills the bookkeeping fields of a run about to be created.
func PrepareRun(run *types.PipelineRun, now time.Time) {
	run.Status = types.RunStatusPending
	run.CurrentStage = nil
	run.CompletedStages = []types.Stage{}
	run.OverallProgress = 0
	run.CancelRequested = false
	run.ErrorMessage = nil
	run.Version = 1
	run.CreatedAt = now
	run.UpdatedAt = now
	run.StartedAt = nil
	run.EndedAt = nil
}

// ApplyRunUpdate merges upd into run in place. It reports whether anything
// changed; a terminal run is never changed. Version and UpdatedAt are bumped
// on change.
func ApplyRunUpdate(run *types.PipelineRun, upd RunUpdate, now time.Time) (bool, error) {
	if run.Status.IsTerminal() {
		return false, nil
	}

	changed := false

	if upd.Status != nil && *upd.Status != run.Status {
		to := *upd.Status
		if !allowedTransition(run.Status, to) {
			return false, &TransitionError{RunID: run.ID, From: run.Status, To: to}
		}
		run.Status = to
		changed = true
		switch {
		case to == types.RunStatusRunning && run.StartedAt == nil:
			run.StartedAt = &now
		case to.IsTerminal():
			run.EndedAt = &now
			run.CurrentStage = nil
			if to == types.RunStatusCompleted {
				run.OverallProgress = 100
			}
		}
	}

	if !run.Status.IsTerminal() {
		if upd.ClearCurrentStage && run.CurrentStage != nil {
			run.CurrentStage = nil
			changed = true
		}
		if upd.CurrentStage != nil && (run.CurrentStage == nil || *run.CurrentStage != *upd.CurrentStage) {
			s := *upd.CurrentStage
			run.CurrentStage = &s
			changed = true
		}
	}

	if len(upd.AppendCompleted) > 0 {
		merged := types.NormalizeCompletedStages(append(append([]types.Stage{}, run.CompletedStages...), upd.AppendCompleted...))
		if len(merged) != len(run.CompletedStages) {
			run.CompletedStages = merged
			changed = true
		}
	}

	if upd.Progress != nil {
		p := min(max(*upd.Progress, 0), 100)
		if p > run.OverallProgress {
			run.OverallProgress = p
			changed = true
		}
	}

	if upd.ErrorMessage != nil && run.Status == types.RunStatusError {
		msg := *upd.ErrorMessage
		run.ErrorMessage = &msg
		changed = true
	}

	if changed {
		run.Version++
		run.UpdatedAt = now
	}
	return changed, nil
}

// ApplyCancel sets cancel_requested on a non-terminal run. It reports whether
// the flag changed.
func ApplyCancel(run *types.PipelineRun, now time.Time) bool {
	if run.Status.IsTerminal() || run.CancelRequested {
		return false
	}
	run.CancelRequested = true
	run.Version++
	run.UpdatedAt = now
	return true
}

// Touch records that one of the run's stage records changed.
func Touch(run *types.PipelineRun, now time.Time) {
	run.Version++
	run.UpdatedAt = now
}

// NewStageResult returns an empty pending record for the stage.
func NewStageResult(runID string, stage types.Stage, now time.Time) *types.StageResult {
	return &types.StageResult{
		RunID:     runID,
		Stage:     stage,
		Status:    types.StageStatusPending,
		UpdatedAt: now,
	}
}

// ApplyStageFields merges a status change (optional) and fields into a stage
// record. Records already completed or errored keep their status.
func ApplyStageFields(res *types.StageResult, status *types.StageStatus, fields StageFields, now time.Time) {
	if status != nil && *status != res.Status && !stageSettled(res.Status) {
		res.Status = *status
		switch *status {
		case types.StageStatusRunning:
			if res.StartedAt == nil {
				res.StartedAt = &now
			}
		case types.StageStatusCompleted, types.StageStatusError:
			res.CompletedAt = &now
		}
	}
	if fields.Items != nil {
		res.Items = append([]types.CreatorProfile(nil), (*fields.Items)...)
	}
	if fields.BlobPath != nil {
		res.BlobPath = *fields.BlobPath
	}
	if fields.ItemCount != nil {
		res.ItemCount = *fields.ItemCount
	}
	if fields.Batches != nil {
		res.Batches = append([]types.BatchRef(nil), (*fields.Batches)...)
	}
	if fields.BatchVersion != nil {
		res.BatchVersion = *fields.BatchVersion
	}
	if fields.Metadata != nil {
		res.Metadata = *fields.Metadata
	}
	if fields.Debug != nil {
		res.Debug = types.SanitizeDebug(fields.Debug)
	}
	if fields.ErrorMessage != nil {
		msg := *fields.ErrorMessage
		res.ErrorMessage = &msg
	}
	res.UpdatedAt = now
}

func stageSettled(s types.StageStatus) bool {
	return s == types.StageStatusCompleted || s == types.StageStatusError
}

func allowedTransition(from, to types.RunStatus) bool {
	switch from {
	case types.RunStatusPending:
		return to == types.RunStatusRunning || to.IsTerminal()
	case types.RunStatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}
