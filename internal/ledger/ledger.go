// Package ledger persists run and provider-attempt diagnostics. The ledger
// is observational: pipeline progress lives in the checkpoint, and a run
// works fine with the ledger disabled.
package ledger

import (
	"context"
	"time"

	"github.com/vidlab-io/corpus-cli/internal/model"
)

// Run is one ledger row describing a pipeline run.
type Run struct {
	RunID      string           `json:"run_id"`
	Status     model.RunStatus  `json:"status"`
	Units      int              `json:"units"`
	Aggregates model.Aggregates `json:"aggregates"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Ledger defines the diagnostics persistence interface.
type Ledger interface {
	CreateRun(ctx context.Context, runID string, units int) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunAggregates(ctx context.Context, runID string, agg model.Aggregates) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	RecordAttempt(ctx context.Context, runID string, a model.ProviderAttempt) error
	ListAttempts(ctx context.Context, runID string) ([]model.ProviderAttempt, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Noop is the ledger used when diagnostics persistence is disabled.
type Noop struct{}

func (Noop) CreateRun(context.Context, string, int) error                       { return nil }
func (Noop) UpdateRunStatus(context.Context, string, model.RunStatus) error     { return nil }
func (Noop) UpdateRunAggregates(context.Context, string, model.Aggregates) error { return nil }
func (Noop) GetRun(context.Context, string) (*Run, error)                       { return nil, nil }
func (Noop) ListRuns(context.Context, RunFilter) ([]Run, error)                 { return nil, nil }
func (Noop) RecordAttempt(context.Context, string, model.ProviderAttempt) error { return nil }
func (Noop) ListAttempts(context.Context, string) ([]model.ProviderAttempt, error) {
	return nil, nil
}
func (Noop) Migrate(context.Context) error { return nil }
func (Noop) Close() error                  { return nil }
