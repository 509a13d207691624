// Package types provides type definitions for structured data used throughout the creator pipeline.
package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Stage names one phase of the creator search pipeline.
type Stage string

const (
	// StageSearch expands the query and runs the vector search
	StageSearch Stage = "SEARCH"
	// StageEnrich fetches third-party profile data for search candidates
	StageEnrich Stage = "ENRICH"
	// StageScore scores enriched profiles against the business brief
	StageScore Stage = "SCORE"
)

// StageOrder is the fixed order in which stages execute.
var StageOrder = []Stage{StageSearch, StageEnrich, StageScore}

// ParseStage converts a case-insensitive stage name into a Stage.
func ParseStage(name string) (Stage, error) {
	s := Stage(strings.ToUpper(strings.TrimSpace(name)))
	if StageIndex(s) < 0 {
		return "", fmt.Errorf("unknown stage: %q", name)
	}
	return s, nil
}

// StageIndex returns the position of a stage in StageOrder, or -1.
func StageIndex(s Stage) int {
	return slices.Index(StageOrder, s)
}

// StageProgress returns the overall progress reached once the given stage completes.
func StageProgress(s Stage) int {
	idx := StageIndex(s)
	if idx < 0 {
		return 0
	}
	if idx == len(StageOrder)-1 {
		return 100
	}
	step := 100 / len(StageOrder)
	return step * (idx + 1)
}

// NormalizeCompletedStages removes duplicates and unknown names and sorts by stage order.
func NormalizeCompletedStages(stages []Stage) []Stage {
	out := make([]Stage, 0, len(stages))
	for _, s := range StageOrder {
		if slices.Contains(stages, s) {
			out = append(out, s)
		}
	}
	return out
}

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusError || s == RunStatusCancelled
}

// PipelineRun is one creator-search execution.
type PipelineRun struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	CampaignID      string      `json:"campaign_id,omitempty"`
	Status          RunStatus   `json:"status"`
	CurrentStage    *Stage      `json:"current_stage"`
	CompletedStages []Stage     `json:"completed_stages"`
	OverallProgress int         `json:"overall_progress"`
	CancelRequested bool        `json:"cancel_requested"`
	ErrorMessage    *string     `json:"error_message"`
	StopAtStage     *Stage      `json:"stop_at_stage,omitempty"`
	Request         *RunRequest `json:"request,omitempty"`

	// Version increases by one on every write to the run or any of its stages.
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// HasCompleted reports whether the stage is in CompletedStages.
func (r *PipelineRun) HasCompleted(s Stage) bool {
	return slices.Contains(r.CompletedStages, s)
}

// PlannedStages returns the stages this run executes, honoring StopAtStage.
func (r *PipelineRun) PlannedStages() []Stage {
	if r.StopAtStage == nil {
		return StageOrder
	}
	idx := StageIndex(*r.StopAtStage)
	if idx < 0 {
		return StageOrder
	}
	return StageOrder[:idx+1]
}

// Clone returns a deep copy of the run.
func (r *PipelineRun) Clone() *PipelineRun {
	if r == nil {
		return nil
	}
	c := *r
	c.CompletedStages = slices.Clone(r.CompletedStages)
	if r.CurrentStage != nil {
		s := *r.CurrentStage
		c.CurrentStage = &s
	}
	if r.StopAtStage != nil {
		s := *r.StopAtStage
		c.StopAtStage = &s
	}
	if r.ErrorMessage != nil {
		m := *r.ErrorMessage
		c.ErrorMessage = &m
	}
	return &c
}
