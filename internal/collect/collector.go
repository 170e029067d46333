package collect

import (
	"context"
	"fmt"

	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/internal/model"
)

// Result holds what one provider collected for a unit.
type Result struct {
	Comments []model.Comment
	Segments []model.TranscriptSegment
	Provider string
	Capped   bool
}

// Items returns how many records the result carries.
func (r *Result) Items() int {
	if r == nil {
		return 0
	}
	return len(r.Comments) + len(r.Segments)
}

// Collector acquires one asset for one unit.
type Collector interface {
	Collect(ctx context.Context, unit model.Unit) (*Result, error)
	Name() string
	Supports(unit model.Unit) bool
}

// BlockError signals that a provider hit an anti-bot response rather than
// an ordinary failure. The chain reports it to the guard and moves on to
// the next provider without retrying.
type BlockError struct {
	Kind       guard.DetectionKind
	StatusCode int
}

func (e *BlockError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("collect: blocked (%s, status %d)", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("collect: blocked (%s)", e.Kind)
}
