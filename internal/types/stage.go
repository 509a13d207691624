package types

import (
	"slices"
	"time"
)

// StageStatus is the status of one stage record.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusError     StageStatus = "error"
)

// BatchRef records where a batch's items sit in a stage's logical result list.
// Version changes every time the batch is applied, including redeliveries.
type BatchRef struct {
	Seq     int `json:"seq"`
	Offset  int `json:"offset"`
	Length  int `json:"length"`
	Version int `json:"version"`
}

// StageResult is the record kept per (run, stage) pair.
type StageResult struct {
	RunID        string           `json:"run_id"`
	Stage        Stage            `json:"stage"`
	Status       StageStatus      `json:"status"`
	ItemCount    int              `json:"item_count"`
	Items        []CreatorProfile `json:"items,omitempty"`
	BlobPath     string           `json:"blob_path,omitempty"`
	Batches      []BatchRef       `json:"batches,omitempty"`
	// BatchVersion counts batch applications to the stage. It survives
	// result resets so every application gets a fresh BatchRef.Version.
	BatchVersion int              `json:"batch_version,omitempty"`
	Metadata     StageMetadata    `json:"metadata"`
	Debug        map[string]any   `json:"debug,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Overflowed reports whether the items live in an overflow blob.
func (r *StageResult) Overflowed() bool {
	return r.BlobPath != ""
}

// Summary returns a copy without inline items, used for watch snapshots.
func (r *StageResult) Summary() StageResult {
	c := *r
	c.Items = nil
	c.Batches = slices.Clone(r.Batches)
	return c
}

// SizeInfo describes the size of a profile list.
type SizeInfo struct {
	ProfileCount   int `json:"profile_count"`
	EstimatedBytes int `json:"estimated_bytes"`
}

// estimatedBytesPerProfile is the rough serialized size of one enriched profile.
const estimatedBytesPerProfile = 5000

// PayloadSize estimates the size of a list of n profiles.
func PayloadSize(n int) SizeInfo {
	return SizeInfo{ProfileCount: n, EstimatedBytes: n * estimatedBytesPerProfile}
}

// StageMetadata holds counters common to every stage plus exactly one
// stage-specific variant matching the stage name.
type StageMetadata struct {
	InputSize  *SizeInfo `json:"input_size,omitempty"`
	OutputSize *SizeInfo `json:"output_size,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`

	Search *SearchMetadata `json:"search,omitempty"`
	Enrich *EnrichMetadata `json:"enrich,omitempty"`
	Score  *ScoreMetadata  `json:"score,omitempty"`
}

// SearchMetadata is the SEARCH stage variant.
type SearchMetadata struct {
	Method     string   `json:"method"`
	Queries    []string `json:"queries"`
	Candidates int      `json:"candidates"`
}

// EnrichMetadata is the ENRICH stage variant.
type EnrichMetadata struct {
	Requested   int      `json:"requested"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	SuccessKeys []string `json:"success_keys,omitempty"`
}

// ScoreMetadata is the SCORE stage variant.
type ScoreMetadata struct {
	Model         string  `json:"model,omitempty"`
	Scored        int     `json:"scored"`
	Failed        int     `json:"failed"`
	AverageScore  float64 `json:"average_score"`
	SkippedReason string  `json:"skipped_reason,omitempty"`
}

// Matches reports whether the populated variant agrees with the stage.
func (m StageMetadata) Matches(s Stage) bool {
	switch s {
	case StageSearch:
		return m.Enrich == nil && m.Score == nil
	case StageEnrich:
		return m.Search == nil && m.Score == nil
	case StageScore:
		return m.Search == nil && m.Enrich == nil
	default:
		return false
	}
}
