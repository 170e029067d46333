package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidlab-io/corpus-cli/internal/collect"
	"github.com/vidlab-io/corpus-cli/internal/config"
	"github.com/vidlab-io/corpus-cli/internal/discovery"
	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/internal/resilience"
	"github.com/vidlab-io/corpus-cli/internal/sink"
)

const (
	vid1 = "dQw4w9WgXcQ"
	vid2 = "abcdefghijk"
)

// fakeChain counts Collect calls and serves canned results, optionally
// failing specific units.
type fakeChain struct {
	mu       sync.Mutex
	calls    map[string]int
	comments []model.Comment
	segments []model.TranscriptSegment
	errFor   map[string]error
}

func newFakeChain() *fakeChain {
	return &fakeChain{calls: map[string]int{}, errFor: map[string]error{}}
}

func (f *fakeChain) Collect(_ context.Context, unit model.Unit) (*collect.Result, []model.ProviderAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[unit.VideoID]++

	attempt := model.ProviderAttempt{Provider: "fake", Unit: unit.VideoID}
	if err := f.errFor[unit.VideoID]; err != nil {
		attempt.Outcome = model.AttemptFailed
		return nil, []model.ProviderAttempt{attempt}, err
	}

	attempt.Outcome = model.AttemptOK
	res := &collect.Result{Provider: "fake"}
	for _, c := range f.comments {
		c.VideoID = unit.VideoID
		res.Comments = append(res.Comments, c)
	}
	for _, s := range f.segments {
		s.VideoID = unit.VideoID
		res.Segments = append(res.Segments, s)
	}
	return res, []model.ProviderAttempt{attempt}, nil
}

func (f *fakeChain) callsFor(videoID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[videoID]
}

func newTestConfig(t *testing.T, urls ...string) *config.Config {
	t.Helper()
	return &config.Config{
		Run: config.RunConfig{
			OutputDir:      filepath.Join(t.TempDir(), "runs"),
			OnFailure:      "skip",
			MaxUnitRetries: 2,
			Mode:           "fast",
			SortModes:      []string{"top"},
		},
		Discovery: config.DiscoveryConfig{
			VideoURLs:      urls,
			MaxTotalVideos: 100,
		},
		Guard: config.GuardConfig{
			JitterMinMS: 1,
			JitterMaxMS: 2,
		},
		Collect: config.CollectConfig{
			MaxCommentsPerVideo: 500,
			MaxTranscriptChars:  200000,
		},
		Chunk: config.ChunkConfig{WindowSecs: 60, OverlapSecs: 10, MaxChars: 4000},
		Enrich: config.EnrichConfig{Provider: "none"},
		Ledger: config.LedgerConfig{Driver: "none"},
	}
}

func newTestGuard() *guard.Guard {
	return guard.New(guard.Config{
		RPS:           1000,
		Burst:         100,
		MaxConcurrent: 4,
		JitterMin:     time.Millisecond,
		JitterMax:     2 * time.Millisecond,
		Mode:          guard.ModeFast,
	})
}

func newTestOrchestrator(cfg *config.Config, comments, transcript *fakeChain) *Orchestrator {
	retry := resilience.FromConfig(1, time.Millisecond, time.Millisecond, 2.0)
	deps := Deps{
		Guard:      newTestGuard(),
		Resolver:   discovery.NewResolver(nil, discovery.Config{MaxTotalVideos: cfg.Discovery.MaxTotalVideos}, retry),
		Comments:   map[model.SortMode]CollectChain{model.SortTop: comments},
		Transcript: transcript,
	}
	o := New(cfg, deps)
	o.WithNow(func() time.Time {
		return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	})
	return o
}

func populatedChains() (*fakeChain, *fakeChain) {
	comments := newFakeChain()
	comments.comments = []model.Comment{
		{CommentID: "c1", Text: "great video", SortMode: model.SortTop},
		{CommentID: "c2", Text: "terrible audio", SortMode: model.SortTop},
	}
	transcript := newFakeChain()
	transcript.segments = []model.TranscriptSegment{
		{Text: "welcome back", Start: 0, Duration: 4, Source: "manual", Language: "en"},
		{Text: "today we look at", Start: 4, Duration: 4, Source: "manual", Language: "en"},
	}
	return comments, transcript
}

func TestRunProcessesAllUnits(t *testing.T) {
	cfg := newTestConfig(t, vid1, vid2)
	comments, transcript := populatedChains()
	o := newTestOrchestrator(cfg, comments, transcript)

	runID, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "20260102T030405Z", runID)

	runDir := filepath.Join(cfg.Run.OutputDir, runID)
	m, err := sink.ReadManifest(runDir)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Aggregates.UnitsProcessed)
	assert.Equal(t, 4, m.Aggregates.CommentsCollected)
	assert.Empty(t, m.Aggregates.Failures)
	require.Len(t, m.Units, 2)

	for _, id := range []string{vid1, vid2} {
		assert.Equal(t, 1, comments.callsFor(id))
		assert.Equal(t, 1, transcript.callsFor(id))
		assert.FileExists(t, filepath.Join(runDir, "reports", id+".json"))

		merged, err := sink.ReadMergedComments(runDir, id)
		require.NoError(t, err)
		assert.Len(t, merged, 2)
		chunks, err := sink.ReadChunks(runDir, id)
		require.NoError(t, err)
		assert.NotEmpty(t, chunks)
	}
}

func TestResumeSkipsCompletedCollection(t *testing.T) {
	cfg := newTestConfig(t, vid1, vid2)
	comments, transcript := populatedChains()
	o := newTestOrchestrator(cfg, comments, transcript)

	runID, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, comments.callsFor(vid1))

	o2 := newTestOrchestrator(cfg, comments, transcript)
	require.NoError(t, o2.Resume(context.Background(), runID))

	// Completed collection stages never touch the collectors again.
	assert.Equal(t, 1, comments.callsFor(vid1))
	assert.Equal(t, 1, comments.callsFor(vid2))
	assert.Equal(t, 1, transcript.callsFor(vid1))
	assert.Equal(t, 1, transcript.callsFor(vid2))

	m, err := sink.ReadManifest(filepath.Join(cfg.Run.OutputDir, runID))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Aggregates.UnitsProcessed)
}

func TestResumeRejectsBadRunID(t *testing.T) {
	cfg := newTestConfig(t, vid1)
	o := newTestOrchestrator(cfg, newFakeChain(), newFakeChain())

	var cfgErr *ConfigError
	err := o.Resume(context.Background(), "../../etc")
	require.Error(t, err)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestOnFailureSkipContinuesWithNextUnit(t *testing.T) {
	cfg := newTestConfig(t, vid1, vid2)
	comments, transcript := populatedChains()
	comments.errFor[vid1] = errors.New("fetch failed")
	o := newTestOrchestrator(cfg, comments, transcript)

	runID, err := o.Run(context.Background())
	require.NoError(t, err)

	runDir := filepath.Join(cfg.Run.OutputDir, runID)
	m, err := sink.ReadManifest(runDir)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Aggregates.UnitsProcessed)
	assert.NotEmpty(t, m.Aggregates.Failures)

	assert.FileExists(t, filepath.Join(runDir, "reports", vid2+".json"))
	_, err = os.Stat(filepath.Join(runDir, "reports", vid1+".json"))
	assert.True(t, os.IsNotExist(err))
}

func TestOnFailureAbortStopsRun(t *testing.T) {
	cfg := newTestConfig(t, vid1, vid2)
	cfg.Run.OnFailure = "abort"
	comments, transcript := populatedChains()
	comments.errFor[vid1] = errors.New("fetch failed")
	o := newTestOrchestrator(cfg, comments, transcript)

	_, err := o.Run(context.Background())
	require.Error(t, err)
	var collErr *CollectionError
	assert.ErrorAs(t, err, &collErr)

	// Never reached the second unit.
	assert.Equal(t, 0, comments.callsFor(vid2))
	assert.Equal(t, 0, transcript.callsFor(vid2))
}

func TestOnFailureRetryReattemptsThenSkips(t *testing.T) {
	cfg := newTestConfig(t, vid1, vid2)
	cfg.Run.OnFailure = "retry"
	cfg.Run.MaxUnitRetries = 2
	comments, transcript := populatedChains()
	comments.errFor[vid1] = errors.New("fetch failed")
	o := newTestOrchestrator(cfg, comments, transcript)

	runID, err := o.Run(context.Background())
	require.NoError(t, err)

	// Initial attempt plus two retries, then the unit is skipped.
	assert.Equal(t, 3, comments.callsFor(vid1))
	assert.Equal(t, 1, comments.callsFor(vid2))

	m, err := sink.ReadManifest(filepath.Join(cfg.Run.OutputDir, runID))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Aggregates.UnitsProcessed)
}

func TestPreflightRefusesOversizedURLList(t *testing.T) {
	cfg := newTestConfig(t, vid1, vid2, "lmnopqrstuv")
	cfg.Discovery.MaxTotalVideos = 2
	o := newTestOrchestrator(cfg, newFakeChain(), newFakeChain())

	_, err := o.Run(context.Background())
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBlockedUnitDoesNotStopRun(t *testing.T) {
	cfg := newTestConfig(t, vid1, vid2)
	cfg.Run.OnFailure = "abort"
	comments, transcript := populatedChains()
	comments.errFor[vid1] = guard.ErrUnitBlocked
	o := newTestOrchestrator(cfg, comments, transcript)

	runID, err := o.Run(context.Background())
	require.NoError(t, err)

	m, err := sink.ReadManifest(filepath.Join(cfg.Run.OutputDir, runID))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Aggregates.UnitsBlocked)
	assert.Equal(t, 1, m.Aggregates.UnitsProcessed)
	assert.Equal(t, 1, comments.callsFor(vid2))
}

func TestEnrichmentHeuristicsWithoutModel(t *testing.T) {
	cfg := newTestConfig(t, vid1)
	cfg.Enrich.Comments = true
	cfg.Enrich.Transcripts = true
	cfg.Enrich.Stages.Sentiment = true
	cfg.Enrich.Stages.Topics = true
	comments, transcript := populatedChains()
	o := newTestOrchestrator(cfg, comments, transcript)

	runID, err := o.Run(context.Background())
	require.NoError(t, err)

	runDir := filepath.Join(cfg.Run.OutputDir, runID)
	assert.FileExists(t, filepath.Join(runDir, "enrich", "enrich_sentiment.jsonl"))
	assert.FileExists(t, filepath.Join(runDir, "enrich", "enrich_topics.jsonl"))

	m, err := sink.ReadManifest(runDir)
	require.NoError(t, err)
	assert.Empty(t, m.Aggregates.Failures)
}

// barrierModel blocks each Complete call until a second call is in
// flight, so a strictly sequential caller times out and errors.
type barrierModel struct {
	arrived chan struct{}
	proceed chan struct{}
}

func newBarrierModel() *barrierModel {
	m := &barrierModel{
		arrived: make(chan struct{}, 2),
		proceed: make(chan struct{}),
	}
	go func() {
		<-m.arrived
		<-m.arrived
		close(m.proceed)
	}()
	return m
}

func (m *barrierModel) Complete(ctx context.Context, _, _ string) (string, error) {
	m.arrived <- struct{}{}
	select {
	case <-m.proceed:
		return `{"results": []}`, nil
	case <-time.After(2 * time.Second):
		return "", errors.New("peer call never started")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestEnrichmentCorporaRunConcurrently(t *testing.T) {
	cfg := newTestConfig(t, vid1)
	cfg.Enrich.Comments = true
	cfg.Enrich.Transcripts = true
	cfg.Enrich.Stages.Sentiment = true
	comments, transcript := populatedChains()
	o := newTestOrchestrator(cfg, comments, transcript)
	o.deps.Model = newBarrierModel()

	runID, err := o.Run(context.Background())
	require.NoError(t, err)

	// Both corpora rendezvous inside the model, so neither stage call
	// failed and the stage completed for the unit.
	m, err := sink.ReadManifest(filepath.Join(cfg.Run.OutputDir, runID))
	require.NoError(t, err)
	assert.Empty(t, m.Aggregates.Failures)
	assert.Equal(t, 1, m.Aggregates.UnitsProcessed)
}

type failingModel struct{ err error }

func (m failingModel) Complete(context.Context, string, string) (string, error) {
	return "", m.err
}

func TestEnrichmentStageFailureIsIsolatedAndTyped(t *testing.T) {
	cfg := newTestConfig(t, vid1)
	cfg.Enrich.Comments = true
	cfg.Enrich.Stages.Sentiment = true
	comments, transcript := populatedChains()
	o := newTestOrchestrator(cfg, comments, transcript)
	o.deps.Model = failingModel{err: errors.New("model down")}

	runID, err := o.Run(context.Background())
	require.NoError(t, err)

	runDir := filepath.Join(cfg.Run.OutputDir, runID)
	m, err := sink.ReadManifest(runDir)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Aggregates.UnitsProcessed)
	require.Len(t, m.Aggregates.Failures, 1)

	f := m.Aggregates.Failures[0]
	assert.Equal(t, StageSentiment, f.Stage)
	assert.Equal(t, vid1, f.VideoID)
	assert.Contains(t, f.Message, "enrichment failed: enrich_sentiment for "+vid1)
	assert.Contains(t, f.Message, "model down")

	// The failed stage did not take the unit down with it.
	assert.FileExists(t, filepath.Join(runDir, "reports", vid1+".json"))
}

func TestRunRequiresDiscoveryInput(t *testing.T) {
	cfg := newTestConfig(t)
	o := newTestOrchestrator(cfg, newFakeChain(), newFakeChain())

	_, err := o.Run(context.Background())
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
