package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/pkg/llm"
)

const triplesSystem = "You are a knowledge extraction assistant. Extract factual subject-predicate-object triples from the provided texts. Return ONLY valid JSON."

type triplesResponse struct {
	Triples []struct {
		Subject     string  `json:"subject"`
		Predicate   string  `json:"predicate"`
		Object      string  `json:"object"`
		Confidence  float64 `json:"confidence"`
		SourceIndex int     `json:"source_index"`
	} `json:"triples"`
}

// Triples extracts subject-predicate-object relations per batch. The stage
// has no heuristic fallback: without a model it is skipped with a warning
// rather than failed, matching its optional nature.
func (r *Runner) Triples(ctx context.Context, unit model.Unit, stage string, asset model.AssetType, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	if r.model == nil {
		zap.L().Warn("enrich: triples extraction requires a model backend, skipping",
			zap.String("video", unit.VideoID),
		)
		return nil
	}

	for i, batch := range batches(items, r.cfg.TriplesBatch) {
		key := callKey(i)
		if r.cp.CallDone(unit.VideoID, stage, key) {
			continue
		}

		var sb strings.Builder
		for j, it := range batch {
			fmt.Fprintf(&sb, "[%d] %s\n", j, r.clip(it.Text))
		}
		prompt := fmt.Sprintf(`Extract knowledge triples from these texts.

%s
Return JSON in this exact format:
{"triples": [
  {"subject": "entity", "predicate": "relation", "object": "entity", "confidence": 0.9, "source_index": 0}
]}

- subject: the subject entity
- predicate: the relationship
- object: the object entity
- confidence: 0.0-1.0 confidence score
- source_index: index of the source text`, sb.String())

		raw, err := r.complete(ctx, unit.VideoID, triplesSystem, prompt)
		if err != nil {
			return eris.Wrapf(err, "enrich: triples batch %d for %s", i, unit.VideoID)
		}
		var resp triplesResponse
		if err := llm.ParseJSON(raw, &resp); err != nil {
			return eris.Wrapf(err, "enrich: triples batch %d for %s", i, unit.VideoID)
		}

		for n, tr := range resp.Triples {
			source := ""
			itemID := ""
			if tr.SourceIndex >= 0 && tr.SourceIndex < len(batch) {
				source = excerpt(batch[tr.SourceIndex].Text)
				itemID = batch[tr.SourceIndex].ID
			}
			rec := model.EnrichmentRecord{
				VideoID:   unit.VideoID,
				AssetType: asset,
				Stage:     stage,
				ItemID:    fmt.Sprintf("triple_%d_%d", i, n),
				Fields: map[string]any{
					"subject":     tr.Subject,
					"predicate":   tr.Predicate,
					"object":      tr.Object,
					"confidence":  tr.Confidence,
					"source_text": source,
					"source_item": itemID,
				},
			}
			if err := r.writer.WriteEnrichment(rec); err != nil {
				return eris.Wrap(err, "enrich: write triple record")
			}
		}

		if err := r.cp.MarkCall(unit.VideoID, stage, key); err != nil {
			return eris.Wrap(err, "enrich: checkpoint triples batch")
		}
	}
	return nil
}
