package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vidlab-io/corpus-cli/internal/checkpoint"
	"github.com/vidlab-io/corpus-cli/internal/collect"
	"github.com/vidlab-io/corpus-cli/internal/enrich"
	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/internal/resilience"
	"github.com/vidlab-io/corpus-cli/internal/sink"
)

// UnitReport summarizes one unit's outcome, written as the final stage.
type UnitReport struct {
	VideoID  string                       `json:"video_id"`
	Title    string                       `json:"title,omitempty"`
	Comments int                          `json:"comments"`
	Chunks   int                          `json:"chunks"`
	Stages   map[string]checkpoint.Record `json:"stages"`
}

// processUnit runs the full stage sequence for one unit. Collection
// failures fail the unit; enrichment failures are isolated per stage.
func (o *Orchestrator) processUnit(ctx context.Context, unit model.Unit) error {
	if o.deps.Guard.Blocked(unit.VideoID) {
		return &RateLimitBlocked{VideoID: unit.VideoID, Err: guard.ErrUnitBlocked}
	}

	if err := o.collectComments(ctx, unit); err != nil {
		return err
	}
	if err := o.mergeComments(unit); err != nil {
		return err
	}
	if err := o.collectTranscript(ctx, unit); err != nil {
		return err
	}
	if err := o.chunkTranscript(unit); err != nil {
		return err
	}
	if err := o.enrichUnit(ctx, unit); err != nil {
		return err
	}
	return o.reportUnit(unit)
}

// collectComments runs the comment chain once per configured sort mode.
// Each sort is its own checkpoint stage, so a crash between sorts resumes
// with only the missing one.
func (o *Orchestrator) collectComments(ctx context.Context, unit model.Unit) error {
	for _, s := range o.cfg.Run.SortModes {
		sort := model.SortMode(s)
		stage := CommentsStage(sort)
		if o.cp.IsDone(unit.VideoID, stage) {
			continue
		}
		chain, ok := o.deps.Comments[sort]
		if !ok {
			return &ConfigError{Err: errors.New("pipeline: no comment chain for sort mode " + s)}
		}

		if err := o.cp.Begin(unit.VideoID, stage); err != nil {
			return err
		}
		res, attempts, err := chain.Collect(ctx, unit)
		o.recordAttempts(ctx, attempts)
		if err != nil {
			return o.collectFailed(unit, stage, err)
		}

		if err := o.out.WriteComments(unit.VideoID, sort, res.Comments); err != nil {
			return err
		}
		o.manifest.Aggregates.CommentsCollected += len(res.Comments)
		if err := o.cp.Mark(unit.VideoID, stage, checkpoint.StatusDone, ""); err != nil {
			return err
		}
		zap.L().Info("pipeline: comments collected",
			zap.String("video", unit.VideoID),
			zap.String("sort", s),
			zap.String("provider", res.Provider),
			zap.Int("count", len(res.Comments)),
			zap.Bool("capped", res.Capped),
		)
	}
	return nil
}

// mergeComments combines the per-sort sets into one deduplicated corpus.
// Inputs come back off disk so a resumed run works without re-collecting.
func (o *Orchestrator) mergeComments(unit model.Unit) error {
	if o.cp.IsDone(unit.VideoID, StageCommentsMerge) {
		return nil
	}
	if err := o.cp.Begin(unit.VideoID, StageCommentsMerge); err != nil {
		return err
	}

	sets := make([][]model.Comment, 0, len(o.cfg.Run.SortModes))
	for _, s := range o.cfg.Run.SortModes {
		set, err := sink.ReadComments(o.out.RunDir(), unit.VideoID, model.SortMode(s))
		if err != nil {
			return o.collectFailed(unit, StageCommentsMerge, err)
		}
		sets = append(sets, set)
	}

	merged := collect.MergeComments(sets...)
	if err := o.out.WriteMergedComments(unit.VideoID, merged); err != nil {
		return err
	}
	if err := o.cp.Mark(unit.VideoID, StageCommentsMerge, checkpoint.StatusDone, ""); err != nil {
		return err
	}
	zap.L().Debug("pipeline: comments merged",
		zap.String("video", unit.VideoID),
		zap.Int("merged", len(merged)),
	)
	return nil
}

func (o *Orchestrator) collectTranscript(ctx context.Context, unit model.Unit) error {
	if o.cp.IsDone(unit.VideoID, StageCollectTranscript) {
		return nil
	}
	if err := o.cp.Begin(unit.VideoID, StageCollectTranscript); err != nil {
		return err
	}

	res, attempts, err := o.deps.Transcript.Collect(ctx, unit)
	o.recordAttempts(ctx, attempts)
	if err != nil {
		return o.collectFailed(unit, StageCollectTranscript, err)
	}

	if err := o.out.WriteSegments(unit.VideoID, res.Segments); err != nil {
		return err
	}
	if err := o.cp.Mark(unit.VideoID, StageCollectTranscript, checkpoint.StatusDone, ""); err != nil {
		return err
	}
	zap.L().Info("pipeline: transcript collected",
		zap.String("video", unit.VideoID),
		zap.String("provider", res.Provider),
		zap.Int("segments", len(res.Segments)),
		zap.Bool("capped", res.Capped),
	)
	return nil
}

func (o *Orchestrator) chunkTranscript(unit model.Unit) error {
	if o.cp.IsDone(unit.VideoID, StageTranscriptChunk) {
		return nil
	}
	if err := o.cp.Begin(unit.VideoID, StageTranscriptChunk); err != nil {
		return err
	}

	segs, err := sink.ReadSegments(o.out.RunDir(), unit.VideoID)
	if err != nil {
		return o.collectFailed(unit, StageTranscriptChunk, err)
	}
	chunks := collect.ChunkSegments(segs, collect.ChunkConfig{
		WindowSeconds:  float64(o.cfg.Chunk.WindowSecs),
		OverlapSeconds: float64(o.cfg.Chunk.OverlapSecs),
		MaxChars:       o.cfg.Chunk.MaxChars,
	})
	if err := o.out.WriteChunks(unit.VideoID, chunks); err != nil {
		return err
	}
	o.manifest.Aggregates.TranscriptChunks += len(chunks)
	return o.cp.Mark(unit.VideoID, StageTranscriptChunk, checkpoint.StatusDone, "")
}

// collectFailed records a collection failure and classifies it: a guard
// block surfaces as RateLimitBlocked, anything else fails the unit.
func (o *Orchestrator) collectFailed(unit model.Unit, stage string, err error) error {
	if merr := o.cp.Mark(unit.VideoID, stage, checkpoint.StatusFailed, err.Error()); merr != nil {
		zap.L().Warn("pipeline: checkpoint mark failed", zap.Error(merr))
	}
	o.recordFailure(stage, unit.VideoID, resilience.ErrClass(err), err)

	if errors.Is(err, guard.ErrUnitBlocked) {
		return &RateLimitBlocked{VideoID: unit.VideoID, Err: err}
	}
	return &CollectionError{Stage: stage, VideoID: unit.VideoID, Err: err}
}

// enrichStageFn adapts the runner stage methods to one shape.
type enrichStageFn func(ctx context.Context, r *enrich.Runner, unit model.Unit, stage string, asset model.AssetType, items []enrich.Item) error

// enrichUnit runs every enabled enrichment stage over both corpora. A
// failed stage is marked FAILED and recorded, then its siblings still run.
func (o *Orchestrator) enrichUnit(ctx context.Context, unit model.Unit) error {
	if !o.cfg.Enrich.Comments && !o.cfg.Enrich.Transcripts {
		return nil
	}

	var commentItems, chunkItems []enrich.Item
	if o.cfg.Enrich.Comments {
		comments, err := sink.ReadMergedComments(o.out.RunDir(), unit.VideoID)
		if err != nil {
			return err
		}
		commentItems = enrich.ItemsFromComments(comments)
	}
	if o.cfg.Enrich.Transcripts {
		chunks, err := sink.ReadChunks(o.out.RunDir(), unit.VideoID)
		if err != nil {
			return err
		}
		chunkItems = enrich.ItemsFromChunks(chunks)
	}

	stages := []struct {
		name    string
		enabled bool
		run     enrichStageFn
	}{
		{StageTranslate, o.cfg.Enrich.Stages.Translate, func(ctx context.Context, r *enrich.Runner, unit model.Unit, stage string, asset model.AssetType, items []enrich.Item) error {
			return r.Translate(ctx, unit, stage, asset, items)
		}},
		{StageEmbeddings, o.cfg.Enrich.Stages.Embeddings, func(ctx context.Context, r *enrich.Runner, unit model.Unit, stage string, asset model.AssetType, items []enrich.Item) error {
			degraded, err := r.Embeddings(ctx, unit, stage, asset, items)
			if degraded {
				zap.L().Warn("pipeline: embeddings degraded to sampling",
					zap.String("video", unit.VideoID),
					zap.String("asset", string(asset)),
				)
			}
			return err
		}},
		{StageTopics, o.cfg.Enrich.Stages.Topics, func(ctx context.Context, r *enrich.Runner, unit model.Unit, stage string, asset model.AssetType, items []enrich.Item) error {
			return r.Topics(ctx, unit, stage, asset, items)
		}},
		{StageSentiment, o.cfg.Enrich.Stages.Sentiment, func(ctx context.Context, r *enrich.Runner, unit model.Unit, stage string, asset model.AssetType, items []enrich.Item) error {
			return r.Sentiment(ctx, unit, stage, asset, items)
		}},
		{StageTriples, o.cfg.Enrich.Stages.Triples, func(ctx context.Context, r *enrich.Runner, unit model.Unit, stage string, asset model.AssetType, items []enrich.Item) error {
			return r.Triples(ctx, unit, stage, asset, items)
		}},
	}

	for _, st := range stages {
		if !st.enabled || o.cp.IsDone(unit.VideoID, st.name) {
			continue
		}
		if err := o.cp.Begin(unit.VideoID, st.name); err != nil {
			return err
		}

		err := o.runEnrichStage(ctx, unit, st.name, st.run, commentItems, chunkItems)
		if err != nil {
			if errors.Is(err, guard.ErrUnitBlocked) {
				if merr := o.cp.Mark(unit.VideoID, st.name, checkpoint.StatusFailed, err.Error()); merr != nil {
					zap.L().Warn("pipeline: checkpoint mark failed", zap.Error(merr))
				}
				o.recordFailure(st.name, unit.VideoID, resilience.ErrClass(err), err)
				return &RateLimitBlocked{VideoID: unit.VideoID, Err: err}
			}
			if ctx.Err() != nil {
				return err
			}
			// Isolated: siblings of the failed stage still run.
			serr := &EnrichmentError{Stage: st.name, VideoID: unit.VideoID, Err: err}
			if merr := o.cp.Mark(unit.VideoID, st.name, checkpoint.StatusFailed, serr.Error()); merr != nil {
				zap.L().Warn("pipeline: checkpoint mark failed", zap.Error(merr))
			}
			o.recordFailure(st.name, unit.VideoID, resilience.ErrClass(err), serr)
			zap.L().Warn("pipeline: enrichment stage failed, continuing with siblings",
				zap.String("video", unit.VideoID),
				zap.String("stage", st.name),
				zap.Error(serr),
			)
			continue
		}

		if err := o.cp.Mark(unit.VideoID, st.name, checkpoint.StatusDone, ""); err != nil {
			return err
		}
	}
	return nil
}

// runEnrichStage applies one stage to both corpora through their
// prefix-namespaced runners. The corpora are independent, so they run
// concurrently; the guard still bounds total calls in flight.
func (o *Orchestrator) runEnrichStage(ctx context.Context, unit model.Unit, stage string, run enrichStageFn, commentItems, chunkItems []enrich.Item) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)

	if o.cfg.Enrich.Comments && len(commentItems) > 0 {
		g.Go(func() error {
			return run(gctx, o.enrichComments, unit, stage, model.AssetComments, commentItems)
		})
	}
	if o.cfg.Enrich.Transcripts && len(chunkItems) > 0 {
		g.Go(func() error {
			return run(gctx, o.enrichChunks, unit, stage, model.AssetTranscript, chunkItems)
		})
	}
	return g.Wait()
}

// reportUnit writes the per-unit stage summary. It always rewrites so a
// resumed unit ends with a report reflecting its final state.
func (o *Orchestrator) reportUnit(unit model.Unit) error {
	if err := o.cp.Begin(unit.VideoID, StageReport); err != nil {
		return err
	}

	comments, err := sink.ReadMergedComments(o.out.RunDir(), unit.VideoID)
	if err != nil {
		return err
	}
	chunks, err := sink.ReadChunks(o.out.RunDir(), unit.VideoID)
	if err != nil {
		return err
	}

	report := UnitReport{
		VideoID:  unit.VideoID,
		Title:    unit.Title,
		Comments: len(comments),
		Chunks:   len(chunks),
		Stages:   o.cp.Snapshot(unit.VideoID),
	}
	if err := o.out.WriteReport(unit.VideoID, report); err != nil {
		return err
	}
	return o.cp.Mark(unit.VideoID, StageReport, checkpoint.StatusDone, "")
}
