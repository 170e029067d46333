package enrich

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/pkg/llm"
)

const topicsSystem = "You are a topic extraction assistant. Analyze the provided texts and identify the main topics. Return ONLY valid JSON."

type topicsResponse struct {
	Topics []struct {
		Label                 string   `json:"label"`
		Keywords              []string `json:"keywords"`
		RepresentativeIndices []int    `json:"representative_indices"`
		Score                 float64  `json:"score"`
	} `json:"topics"`
}

// Topics summarizes the dominant themes of a unit's corpus. With a model
// configured it makes a single LLM call over a sample; otherwise it falls
// back to the keyword-frequency heuristic. Both paths produce the same
// record shape, distinguished by the method field.
func (r *Runner) Topics(ctx context.Context, unit model.Unit, stage string, asset model.AssetType, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	sampled := strideSample(items, r.cfg.TopicSampleMax)
	nTopics := topicCount(len(sampled))

	if r.model == nil {
		zap.L().Info("enrich: topics via sampling heuristic",
			zap.String("video", unit.VideoID),
			zap.Int("sampled", len(sampled)),
		)
		return r.topicsHeuristic(unit, stage, asset, sampled, nTopics)
	}

	const key = "call_0"
	if r.cp.CallDone(unit.VideoID, stage, key) {
		return nil
	}

	var sb strings.Builder
	for i, it := range sampled {
		fmt.Fprintf(&sb, "[%d] %s\n", i, r.clip(it.Text))
	}
	prompt := fmt.Sprintf(`Analyze these %d texts and identify up to %d main topics.

%s
Return JSON in this exact format:
{"topics": [
  {"label": "short topic label", "keywords": ["kw1", "kw2"], "representative_indices": [0, 1, 2], "score": 0.35}
]}

- label: a short descriptive name for the topic
- keywords: 3-10 relevant keywords
- representative_indices: indices of 1-3 most representative texts
- score: estimated proportion of texts belonging to this topic (0.0-1.0)
- scores should sum to approximately 1.0`, len(sampled), nTopics, sb.String())

	raw, err := r.complete(ctx, unit.VideoID, topicsSystem, prompt)
	if err != nil {
		return eris.Wrapf(err, "enrich: topics for %s", unit.VideoID)
	}
	var resp topicsResponse
	if err := llm.ParseJSON(raw, &resp); err != nil {
		return eris.Wrapf(err, "enrich: topics for %s", unit.VideoID)
	}

	for id, topic := range resp.Topics {
		var reps []string
		for _, idx := range topic.RepresentativeIndices {
			if idx >= 0 && idx < len(sampled) {
				reps = append(reps, excerpt(sampled[idx].Text))
			}
		}
		label := topic.Label
		if label == "" {
			label = fmt.Sprintf("Topic %d", id)
		}
		rec := model.EnrichmentRecord{
			VideoID:   unit.VideoID,
			AssetType: asset,
			Stage:     stage,
			ItemID:    fmt.Sprintf("topic_%d", id),
			Fields: map[string]any{
				"label":                label,
				"keywords":             topic.Keywords,
				"representative_texts": reps,
				"score":                topic.Score,
				"method":               "llm",
			},
		}
		if err := r.writer.WriteEnrichment(rec); err != nil {
			return eris.Wrap(err, "enrich: write topic record")
		}
	}

	if err := r.cp.MarkCall(unit.VideoID, stage, key); err != nil {
		return eris.Wrap(err, "enrich: checkpoint topics call")
	}
	return nil
}

// topicsHeuristic groups the corpus by keyword frequency. It is a rough
// stand-in for clustering when no model is available: top terms are split
// round-robin across topics, each topic scored by its term share.
func (r *Runner) topicsHeuristic(unit model.Unit, stage string, asset model.AssetType, items []Item, nTopics int) error {
	freq := make(map[string]int)
	firstSeen := make(map[string]string)
	total := 0
	for _, it := range items {
		for _, w := range tokenize(it.Text) {
			freq[w]++
			total++
			if _, ok := firstSeen[w]; !ok {
				firstSeen[w] = it.Text
			}
		}
	}
	if total == 0 {
		return nil
	}

	type term struct {
		word  string
		count int
	}
	terms := make([]term, 0, len(freq))
	for w, c := range freq {
		terms = append(terms, term{w, c})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].count != terms[j].count {
			return terms[i].count > terms[j].count
		}
		return terms[i].word < terms[j].word
	})

	perTopic := 10
	if len(terms) < nTopics*perTopic {
		nTopics = len(terms)/perTopic + 1
	}

	for id := 0; id < nTopics; id++ {
		var keywords []string
		count := 0
		for k := id; k < len(terms) && len(keywords) < perTopic; k += nTopics {
			keywords = append(keywords, terms[k].word)
			count += terms[k].count
		}
		if len(keywords) == 0 {
			break
		}
		var reps []string
		for _, kw := range keywords[:min(3, len(keywords))] {
			if src, ok := firstSeen[kw]; ok {
				reps = append(reps, excerpt(src))
			}
		}
		rec := model.EnrichmentRecord{
			VideoID:   unit.VideoID,
			AssetType: asset,
			Stage:     stage,
			ItemID:    fmt.Sprintf("topic_%d", id),
			Fields: map[string]any{
				"label":                strings.Join(keywords[:min(3, len(keywords))], ", "),
				"keywords":             keywords,
				"representative_texts": reps,
				"score":                float64(count) / float64(total),
				"method":               "sampling",
			},
		}
		if err := r.writer.WriteEnrichment(rec); err != nil {
			return eris.Wrap(err, "enrich: write topic record")
		}
	}
	return nil
}

// strideSample takes up to max items evenly spaced through the list, which
// preserves temporal order for transcript chunks.
func strideSample(items []Item, max int) []Item {
	if len(items) <= max {
		return items
	}
	out := make([]Item, 0, max)
	stride := float64(len(items)) / float64(max)
	for i := 0; i < max; i++ {
		out = append(out, items[int(float64(i)*stride)])
	}
	return out
}

func topicCount(n int) int {
	t := n/20 + 1
	if t > 10 {
		t = 10
	}
	if t < 1 {
		t = 1
	}
	return t
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "is": {},
	"are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "to": {}, "of": {},
	"in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "this": {}, "that": {},
	"it": {}, "its": {}, "i": {}, "you": {}, "he": {}, "she": {}, "we": {},
	"they": {}, "my": {}, "your": {}, "so": {}, "not": {}, "no": {}, "do": {},
	"does": {}, "did": {}, "have": {}, "has": {}, "had": {}, "just": {},
	"like": {}, "can": {}, "will": {}, "would": {}, "as": {}, "if": {},
	"what": {}, "when": {}, "how": {}, "all": {}, "out": {}, "up": {},
	"about": {}, "more": {}, "very": {}, "really": {}, "there": {}, "from": {},
	"one": {}, "get": {}, "got": {}, "me": {}, "his": {}, "her": {}, "them": {},
	"than": {}, "then": {},
}

func tokenize(text string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:'\"()[]{}")
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}
