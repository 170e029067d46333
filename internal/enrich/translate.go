package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/pkg/llm"
)

const translateSystem = "You are a translation assistant. Translate each text faithfully, preserving tone and meaning. Return ONLY valid JSON."

// ValidateTarget parses the configured translation target as a BCP 47 tag.
func ValidateTarget(target string) (language.Tag, error) {
	tag, err := language.Parse(target)
	if err != nil {
		return language.Und, eris.Wrapf(err, "enrich: invalid translation target %q", target)
	}
	return tag, nil
}

type translateResponse struct {
	Translations []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"translations"`
}

// Translate renders each item into the configured target language through
// the model, batch by batch with per-batch checkpoints. It requires both a
// target and a model; calling it without either is a stage failure.
func (r *Runner) Translate(ctx context.Context, unit model.Unit, stage string, asset model.AssetType, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	if r.cfg.TranslateTarget == "" {
		return eris.New("enrich: translation target not configured")
	}
	if r.model == nil {
		return eris.New("enrich: translation requires a model backend")
	}
	tag, err := ValidateTarget(r.cfg.TranslateTarget)
	if err != nil {
		return err
	}

	zap.L().Info("enrich: translating",
		zap.String("video", unit.VideoID),
		zap.String("target", tag.String()),
		zap.Int("items", len(items)),
	)

	for i, batch := range batches(items, r.cfg.TranslateBatch) {
		key := callKey(i)
		if r.cp.CallDone(unit.VideoID, stage, key) {
			continue
		}

		var sb strings.Builder
		for _, it := range batch {
			fmt.Fprintf(&sb, "[%s] %s\n", it.ID, r.clip(it.Text))
		}
		prompt := fmt.Sprintf(`Translate each text below into %s.

%s
Return JSON in this exact format:
{"translations": [
  {"id": "item_id", "text": "translated text"}
]}`, tag.String(), sb.String())

		raw, err := r.complete(ctx, unit.VideoID, translateSystem, prompt)
		if err != nil {
			return eris.Wrapf(err, "enrich: translate batch %d for %s", i, unit.VideoID)
		}
		var resp translateResponse
		if err := llm.ParseJSON(raw, &resp); err != nil {
			return eris.Wrapf(err, "enrich: translate batch %d for %s", i, unit.VideoID)
		}

		for _, tr := range resp.Translations {
			rec := model.EnrichmentRecord{
				VideoID:   unit.VideoID,
				AssetType: asset,
				Stage:     stage,
				ItemID:    tr.ID,
				Fields: map[string]any{
					"target": tag.String(),
					"text":   tr.Text,
				},
			}
			if err := r.writer.WriteEnrichment(rec); err != nil {
				return eris.Wrap(err, "enrich: write translation record")
			}
		}

		if err := r.cp.MarkCall(unit.VideoID, stage, key); err != nil {
			return eris.Wrap(err, "enrich: checkpoint translate batch")
		}
	}
	return nil
}
