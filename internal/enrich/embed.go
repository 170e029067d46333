package enrich

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vidlab-io/corpus-cli/internal/model"
)

// Embeddings computes vectors for every item in batches with per-batch
// checkpoints. The degraded return is true when the backend failed but the
// sampling fallback is enabled: the stage then counts as complete and topics
// must not rely on vectors.
func (r *Runner) Embeddings(ctx context.Context, unit model.Unit, stage string, asset model.AssetType, items []Item) (degraded bool, err error) {
	if len(items) == 0 {
		return false, nil
	}
	if r.embedder == nil {
		if r.cfg.EmbeddingsFallbackToSampling {
			zap.L().Info("enrich: no embeddings backend, topics will sample",
				zap.String("video", unit.VideoID),
			)
			return true, nil
		}
		return false, eris.New("enrich: embeddings backend not configured")
	}

	for i, batch := range batches(items, r.cfg.EmbedBatch) {
		key := callKey(i)
		if r.cp.CallDone(unit.VideoID, stage, key) {
			continue
		}

		texts := make([]string, len(batch))
		for j, it := range batch {
			texts[j] = r.clip(it.Text)
		}

		release, aerr := r.acquire(ctx, unit.VideoID)
		if aerr != nil {
			return false, aerr
		}
		vectors, eerr := r.embedder.Embed(ctx, texts)
		release()
		if eerr != nil {
			if r.cfg.EmbeddingsFallbackToSampling {
				zap.L().Warn("enrich: embeddings failed, falling back to sampling",
					zap.String("video", unit.VideoID),
					zap.Int("batch", i),
					zap.Error(eerr),
				)
				return true, nil
			}
			return false, eris.Wrapf(eerr, "enrich: embeddings batch %d for %s", i, unit.VideoID)
		}
		if len(vectors) != len(batch) {
			return false, eris.Errorf("enrich: embeddings batch %d returned %d vectors for %d texts", i, len(vectors), len(batch))
		}

		for j, it := range batch {
			rec := model.EnrichmentRecord{
				VideoID:   unit.VideoID,
				AssetType: asset,
				Stage:     stage,
				ItemID:    it.ID,
				Fields: map[string]any{
					"vector": vectors[j],
					"dim":    len(vectors[j]),
				},
			}
			if err := r.writer.WriteEnrichment(rec); err != nil {
				return false, eris.Wrap(err, "enrich: write embedding record")
			}
		}

		if err := r.cp.MarkCall(unit.VideoID, stage, key); err != nil {
			return false, eris.Wrap(err, "enrich: checkpoint embeddings batch")
		}
	}
	return false, nil
}
