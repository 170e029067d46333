package model

import "time"

// RunStatus tracks a run's lifecycle in the diagnostics ledger.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusAborted  RunStatus = "aborted"
)

// RunManifest is the immutable run descriptor plus mutable aggregate
// counters. The orchestrator owns it exclusively and decides when to flush.
type RunManifest struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	Units     []Unit    `json:"units" yaml:"units"`

	Aggregates Aggregates `json:"aggregates" yaml:"aggregates"`
}

// Aggregates are the run-level counters updated as units complete.
type Aggregates struct {
	UnitsProcessed    int             `json:"units_processed" yaml:"units_processed"`
	UnitsBlocked      int             `json:"units_blocked" yaml:"units_blocked"`
	CommentsCollected int             `json:"comments_collected" yaml:"comments_collected"`
	TranscriptChunks  int             `json:"transcript_chunks" yaml:"transcript_chunks"`
	Failures          []FailureRecord `json:"failures" yaml:"failures"`
}

// NewRunID returns a timestamp-based run identifier (UTC).
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z")
}
