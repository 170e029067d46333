// Package pipeline drives the collection and enrichment run: unit
// discovery, the per-unit stage loop, failure policy, and aggregates.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vidlab-io/corpus-cli/internal/checkpoint"
	"github.com/vidlab-io/corpus-cli/internal/collect"
	"github.com/vidlab-io/corpus-cli/internal/config"
	"github.com/vidlab-io/corpus-cli/internal/discovery"
	"github.com/vidlab-io/corpus-cli/internal/enrich"
	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/internal/ledger"
	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/internal/sink"
)

// Stage keys in fixed per-unit order. Comment collection stages are derived
// per configured sort mode.
const (
	StageCommentsMerge     = "comments_merge"
	StageCollectTranscript = "collect_transcript"
	StageTranscriptChunk   = "transcript_chunk"
	StageTranslate         = "enrich_translate"
	StageEmbeddings        = "enrich_embeddings"
	StageTopics            = "enrich_topics"
	StageSentiment         = "enrich_sentiment"
	StageTriples           = "enrich_triples"
	StageReport            = "report"
)

// CommentsStage returns the collection stage key for one sort mode.
func CommentsStage(sort model.SortMode) string {
	return "collect_comments_" + string(sort)
}

// CollectChain is the slice of collect.Chain the orchestrator drives.
type CollectChain interface {
	Collect(ctx context.Context, unit model.Unit) (*collect.Result, []model.ProviderAttempt, error)
}

// Deps are the collaborators the orchestrator is wired with. Build
// assembles them from configuration; tests substitute their own.
type Deps struct {
	Guard      *guard.Guard
	Resolver   *discovery.Resolver
	Comments   map[model.SortMode]CollectChain
	Transcript CollectChain

	// Model and Embedder back the enrichment stages; either may be nil,
	// which enables the heuristic fallbacks.
	Model    enrich.TextModel
	Embedder enrich.Embedder

	Ledger ledger.Ledger
}

// Orchestrator runs the whole pipeline over the discovered unit list.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	now  func() time.Time

	// per-run state, set up by Run or Resume
	runID          string
	out            *sink.Sink
	cp             *checkpoint.Store
	manifest       model.RunManifest
	enrichComments *enrich.Runner
	enrichChunks   *enrich.Runner
}

// New creates an orchestrator. It performs no I/O until Run or Resume.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Ledger == nil {
		deps.Ledger = ledger.Noop{}
	}
	return &Orchestrator{cfg: cfg, deps: deps, now: time.Now}
}

// WithNow fixes the clock for tests.
func (o *Orchestrator) WithNow(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run starts a fresh run: validates configuration, resolves the unit list,
// writes the manifest, and drives the stage loop. It returns the run ID.
func (o *Orchestrator) Run(ctx context.Context) (string, error) {
	if err := o.cfg.Validate(); err != nil {
		return "", &ConfigError{Err: err}
	}
	if err := o.preflight(); err != nil {
		return "", &ConfigError{Err: err}
	}

	runID := model.NewRunID(o.now())
	if err := o.openRun(runID); err != nil {
		return "", err
	}
	defer o.out.Close()

	discovered, err := o.discover(ctx)
	if err != nil {
		return runID, err
	}

	units := make([]model.Unit, 0, len(discovered))
	for _, d := range discovered {
		if err := o.out.WriteDiscovered(d); err != nil {
			return runID, err
		}
		units = append(units, d.Unit)
	}

	o.manifest = model.RunManifest{
		RunID:     runID,
		StartedAt: o.now().UTC(),
		Units:     units,
	}
	if err := o.out.WriteManifest(o.manifest); err != nil {
		return runID, err
	}
	if err := o.out.WriteConfigSnapshot(o.cfg); err != nil {
		return runID, err
	}
	if err := o.deps.Ledger.CreateRun(ctx, runID, len(units)); err != nil {
		zap.L().Warn("pipeline: ledger create run failed", zap.Error(err))
	}

	zap.L().Info("pipeline: run starting",
		zap.String("run", runID),
		zap.Int("units", len(units)),
		zap.String("mode", o.cfg.Run.Mode),
	)
	return runID, o.drive(ctx)
}

var runIDPattern = regexp.MustCompile(`^\d{8}T\d{6}Z$`)

// Resume continues an interrupted run. Completed stages are skipped via the
// checkpoint; everything else reattaches to the same run directory.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	if !runIDPattern.MatchString(runID) {
		return &ConfigError{Err: eris.Errorf("pipeline: invalid run ID %q", runID)}
	}
	if err := o.openRun(runID); err != nil {
		return err
	}
	defer o.out.Close()

	m, err := sink.ReadManifest(o.out.RunDir())
	if err != nil {
		return eris.Wrapf(err, "pipeline: resume %s", runID)
	}
	o.manifest = m

	zap.L().Info("pipeline: resuming run",
		zap.String("run", runID),
		zap.Int("units", len(m.Units)),
	)
	return o.drive(ctx)
}

// openRun creates the sink, checkpoint, and enrichment runners for runID.
func (o *Orchestrator) openRun(runID string) error {
	runDir := filepath.Join(o.cfg.Run.OutputDir, runID)

	out, err := sink.New(runDir)
	if err != nil {
		return err
	}
	cp, err := checkpoint.Load(runDir)
	if err != nil {
		out.Close()
		return err
	}

	o.runID = runID
	o.out = out
	o.cp = cp

	ecfg := enrich.Config{
		TranslateTarget:              o.cfg.Enrich.TranslateTarget,
		TranslateBatch:               o.cfg.Enrich.TranslateBatch,
		EmbedBatch:                   o.cfg.Enrich.EmbedBatch,
		SentimentBatch:               o.cfg.Enrich.SentimentBatch,
		TriplesBatch:                 o.cfg.Enrich.TriplesBatch,
		TopicSampleMax:               o.cfg.Enrich.TopicSampleMax,
		MaxTextLen:                   o.cfg.Enrich.MaxTextLen,
		EmbeddingsFallbackToSampling: o.cfg.Enrich.EmbeddingsFallbackToSampling,
	}
	// Each corpus gets its own call-key namespace so both can resume
	// independently inside one checkpoint stage.
	o.enrichComments = enrich.NewRunner(ecfg, o.deps.Model, o.deps.Embedder, out,
		prefixedCheckpointer{cp: cp, prefix: "c_"}, o.deps.Guard)
	o.enrichChunks = enrich.NewRunner(ecfg, o.deps.Model, o.deps.Embedder, out,
		prefixedCheckpointer{cp: cp, prefix: "t_"}, o.deps.Guard)
	return nil
}

// preflight refuses runs whose explicit inputs already exceed the
// configured budget. Search and channel inputs are capped by dedupe
// instead, so an oversized product only warrants a warning.
func (o *Orchestrator) preflight() error {
	d := o.cfg.Discovery
	if len(d.VideoURLs) > d.MaxTotalVideos {
		return eris.Errorf("pipeline: %d video URLs exceed max_total_videos %d",
			len(d.VideoURLs), d.MaxTotalVideos)
	}
	if est := len(d.SearchTerms) * d.MaxVideosPerTerm; est > d.MaxTotalVideos {
		zap.L().Warn("pipeline: search terms may exceed total cap, extra results will be dropped",
			zap.Int("estimate", est),
			zap.Int("max_total", d.MaxTotalVideos),
		)
	}
	if est := len(d.Channels) * d.MaxSubVideos; est > d.MaxTotalVideos {
		zap.L().Warn("pipeline: channel listings may exceed total cap, extra results will be dropped",
			zap.Int("estimate", est),
			zap.Int("max_total", d.MaxTotalVideos),
		)
	}
	return nil
}

func (o *Orchestrator) discover(ctx context.Context) ([]discovery.Discovered, error) {
	d := o.cfg.Discovery
	switch {
	case len(d.VideoURLs) > 0:
		return o.deps.Resolver.FromURLs(d.VideoURLs)
	case len(d.SearchTerms) > 0:
		return o.deps.Resolver.FromSearchTerms(ctx, d.SearchTerms)
	case len(d.Channels) > 0:
		return o.deps.Resolver.FromChannels(ctx, d.Channels)
	}
	return nil, eris.New("pipeline: no discovery input configured")
}

// drive runs every unit through the stage loop, applying the failure
// policy, and flushes aggregates at safe points.
func (o *Orchestrator) drive(ctx context.Context) error {
	var driveErr error

	for _, unit := range o.manifest.Units {
		if ctx.Err() != nil {
			driveErr = eris.Wrap(ctx.Err(), "pipeline: run interrupted")
			break
		}

		if err := o.driveUnit(ctx, unit); err != nil {
			driveErr = err
			break
		}

		o.flush(ctx)

		if err := o.deps.Guard.InterUnitPause(ctx); err != nil {
			driveErr = eris.Wrap(err, "pipeline: run interrupted")
			break
		}
	}

	status := model.RunStatusComplete
	switch {
	case errors.Is(driveErr, context.Canceled) || errors.Is(driveErr, context.DeadlineExceeded):
		status = model.RunStatusAborted
	case driveErr != nil:
		status = model.RunStatusFailed
	}

	o.flush(ctx)
	if err := o.deps.Ledger.UpdateRunStatus(ctx, o.runID, status); err != nil {
		zap.L().Warn("pipeline: ledger status update failed", zap.Error(err))
	}

	zap.L().Info("pipeline: run finished",
		zap.String("run", o.runID),
		zap.String("status", string(status)),
		zap.Int("processed", o.manifest.Aggregates.UnitsProcessed),
		zap.Int("blocked", o.manifest.Aggregates.UnitsBlocked),
		zap.Int("failures", len(o.manifest.Aggregates.Failures)),
	)
	return driveErr
}

// driveUnit applies the unit failure policy around processUnit.
func (o *Orchestrator) driveUnit(ctx context.Context, unit model.Unit) error {
	// A resumed unit that already reported was counted by the previous
	// process; do not count it twice.
	counted := o.cp.IsDone(unit.VideoID, StageReport)

	retries := 0
	for {
		err := o.processUnit(ctx, unit)
		if err == nil {
			if !counted {
				o.manifest.Aggregates.UnitsProcessed++
			}
			return nil
		}

		var blocked *RateLimitBlocked
		if errors.As(err, &blocked) {
			o.manifest.Aggregates.UnitsBlocked++
			zap.L().Warn("pipeline: unit blocked, moving on",
				zap.String("video", unit.VideoID),
			)
			return nil
		}
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "pipeline: run interrupted")
		}

		switch o.cfg.Run.OnFailure {
		case "abort":
			return err
		case "retry":
			if retries < o.cfg.Run.MaxUnitRetries {
				retries++
				zap.L().Warn("pipeline: retrying unit",
					zap.String("video", unit.VideoID),
					zap.Int("retry", retries),
					zap.Error(err),
				)
				continue
			}
			zap.L().Warn("pipeline: unit retries exhausted, skipping",
				zap.String("video", unit.VideoID),
			)
			return nil
		default: // skip
			zap.L().Warn("pipeline: unit failed, skipping",
				zap.String("video", unit.VideoID),
				zap.Error(err),
			)
			return nil
		}
	}
}

// flush persists aggregates to the manifest and ledger. Flush failures are
// logged, not fatal: the checkpoint remains the source of truth.
func (o *Orchestrator) flush(ctx context.Context) {
	if err := o.out.WriteManifest(o.manifest); err != nil {
		zap.L().Warn("pipeline: manifest flush failed", zap.Error(err))
	}
	if err := o.deps.Ledger.UpdateRunAggregates(ctx, o.runID, o.manifest.Aggregates); err != nil {
		zap.L().Warn("pipeline: ledger aggregates flush failed", zap.Error(err))
	}
}

// recordFailure writes the immutable failure document and appends to the
// run aggregates.
func (o *Orchestrator) recordFailure(stage, videoID, errKind string, err error) {
	rec := model.FailureRecord{
		Stage:     stage,
		VideoID:   videoID,
		ErrKind:   errKind,
		Message:   err.Error(),
		Timestamp: o.now().UTC(),
	}
	if werr := o.out.WriteFailure(rec); werr != nil {
		zap.L().Warn("pipeline: failure record write failed", zap.Error(werr))
	}
	o.manifest.Aggregates.Failures = append(o.manifest.Aggregates.Failures, rec)
}

func (o *Orchestrator) recordAttempts(ctx context.Context, attempts []model.ProviderAttempt) {
	for _, a := range attempts {
		zap.L().Debug("pipeline: provider attempt",
			zap.String("provider", a.Provider),
			zap.String("unit", a.Unit),
			zap.String("asset", string(a.Asset)),
			zap.String("outcome", string(a.Outcome)),
			zap.Int("items", a.Items),
			zap.Duration("latency", a.Latency),
		)
		if err := o.deps.Ledger.RecordAttempt(ctx, o.runID, a); err != nil {
			zap.L().Warn("pipeline: ledger attempt record failed", zap.Error(err))
		}
	}
}

// prefixedCheckpointer namespaces call keys inside a checkpoint stage.
type prefixedCheckpointer struct {
	cp     *checkpoint.Store
	prefix string
}

func (p prefixedCheckpointer) MarkCall(unit, stage, call string) error {
	return p.cp.MarkCall(unit, stage, p.prefix+call)
}

func (p prefixedCheckpointer) CallDone(unit, stage, call string) bool {
	return p.cp.CallDone(unit, stage, p.prefix+call)
}
