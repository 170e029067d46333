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

const sentimentSystem = "You are a sentiment analysis assistant. Analyze the sentiment of each text. Return ONLY valid JSON."

type sentimentResponse struct {
	Results []struct {
		ID       string  `json:"id"`
		Polarity string  `json:"polarity"`
		Score    float64 `json:"score"`
	} `json:"results"`
}

// Sentiment classifies polarity per item. With a model configured it runs
// LLM batches with per-batch checkpoints; otherwise it scores every item
// through the lexicon heuristic in one pass.
func (r *Runner) Sentiment(ctx context.Context, unit model.Unit, stage string, asset model.AssetType, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	if r.model == nil {
		zap.L().Info("enrich: sentiment via lexicon heuristic",
			zap.String("video", unit.VideoID),
			zap.Int("items", len(items)),
		)
		return r.sentimentLexicon(unit, stage, asset, items)
	}

	for i, batch := range batches(items, r.cfg.SentimentBatch) {
		key := callKey(i)
		if r.cp.CallDone(unit.VideoID, stage, key) {
			continue
		}

		var sb strings.Builder
		for _, it := range batch {
			fmt.Fprintf(&sb, "[%s] %s\n", it.ID, r.clip(it.Text))
		}
		prompt := fmt.Sprintf(`Classify the sentiment of each text below.

%s
Return JSON in this exact format:
{"results": [
  {"id": "item_id", "polarity": "positive|negative|neutral", "score": 0.85}
]}

- polarity: positive, negative, or neutral
- score: confidence from -1.0 (most negative) to 1.0 (most positive)`, sb.String())

		raw, err := r.complete(ctx, unit.VideoID, sentimentSystem, prompt)
		if err != nil {
			return eris.Wrapf(err, "enrich: sentiment batch %d for %s", i, unit.VideoID)
		}
		var resp sentimentResponse
		if err := llm.ParseJSON(raw, &resp); err != nil {
			return eris.Wrapf(err, "enrich: sentiment batch %d for %s", i, unit.VideoID)
		}

		lookup := make(map[string]string, len(batch))
		for _, it := range batch {
			lookup[it.ID] = it.Text
		}
		for _, res := range resp.Results {
			rec := model.EnrichmentRecord{
				VideoID:   unit.VideoID,
				AssetType: asset,
				Stage:     stage,
				ItemID:    res.ID,
				Fields: map[string]any{
					"polarity":     normalizePolarity(res.Polarity),
					"score":        res.Score,
					"text_excerpt": excerpt(lookup[res.ID]),
					"method":       "llm",
				},
			}
			if err := r.writer.WriteEnrichment(rec); err != nil {
				return eris.Wrap(err, "enrich: write sentiment record")
			}
		}

		if err := r.cp.MarkCall(unit.VideoID, stage, key); err != nil {
			return eris.Wrap(err, "enrich: checkpoint sentiment batch")
		}
	}
	return nil
}

func (r *Runner) sentimentLexicon(unit model.Unit, stage string, asset model.AssetType, items []Item) error {
	for _, it := range items {
		score := lexiconScore(it.Text)
		rec := model.EnrichmentRecord{
			VideoID:   unit.VideoID,
			AssetType: asset,
			Stage:     stage,
			ItemID:    it.ID,
			Fields: map[string]any{
				"polarity":     polarityOf(score),
				"score":        score,
				"text_excerpt": excerpt(it.Text),
				"method":       "lexicon",
			},
		}
		if err := r.writer.WriteEnrichment(rec); err != nil {
			return eris.Wrap(err, "enrich: write sentiment record")
		}
	}
	return nil
}

func polarityOf(score float64) string {
	switch {
	case score > 0.1:
		return "positive"
	case score < -0.1:
		return "negative"
	default:
		return "neutral"
	}
}

func normalizePolarity(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "positive", "negative", "neutral":
		return strings.ToLower(strings.TrimSpace(p))
	default:
		return "neutral"
	}
}

var positiveWords = map[string]struct{}{
	"good": {}, "great": {}, "love": {}, "loved": {}, "awesome": {},
	"amazing": {}, "excellent": {}, "best": {}, "helpful": {}, "thanks": {},
	"thank": {}, "brilliant": {}, "perfect": {}, "wonderful": {}, "nice": {},
	"fantastic": {}, "enjoyed": {}, "clear": {}, "useful": {}, "informative": {},
}

var negativeWords = map[string]struct{}{
	"bad": {}, "worst": {}, "hate": {}, "hated": {}, "terrible": {},
	"awful": {}, "boring": {}, "wrong": {}, "waste": {}, "useless": {},
	"confusing": {}, "misleading": {}, "disappointing": {}, "poor": {},
	"stupid": {}, "annoying": {}, "clickbait": {}, "scam": {},
}

// lexiconScore is a crude polarity estimate: the signed fraction of
// sentiment-bearing words among all sentiment-bearing words found.
func lexiconScore(text string) float64 {
	pos, neg := 0, 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:'\"()")
		if _, ok := positiveWords[w]; ok {
			pos++
		} else if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}
