package collect

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/internal/resilience"
)

// mockCollector implements Collector for testing.
type mockCollector struct {
	name     string
	supports bool
	result   *Result
	err      error
	calls    int
}

func (m *mockCollector) Name() string              { return m.name }
func (m *mockCollector) Supports(model.Unit) bool  { return m.supports }
func (m *mockCollector) Collect(context.Context, model.Unit) (*Result, error) {
	m.calls++
	return m.result, m.err
}

func testGuard() *guard.Guard {
	return guard.New(guard.Config{
		RPS:       1000,
		Burst:     1000,
		JitterMin: time.Microsecond,
		JitterMax: 2 * time.Microsecond,
		Mode:      guard.ModeFast,
	})
}

func noRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}
}

func commentsOf(n int) []model.Comment {
	out := make([]model.Comment, n)
	for i := range out {
		out[i] = model.Comment{VideoID: "vid0000000A", CommentID: string(rune('a' + i))}
	}
	return out
}

var testUnit = model.Unit{VideoID: "vid0000000A", URL: "https://youtu.be/vid0000000A"}

func TestChain_FirstSuccess(t *testing.T) {
	p1 := &mockCollector{name: "primary", supports: true, result: &Result{Comments: commentsOf(2)}}
	p2 := &mockCollector{name: "fallback", supports: true}

	chain := NewChain(model.AssetComments, testGuard(), noRetry(), Caps{}, p1, p2)
	res, attempts, err := chain.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	assert.Equal(t, "primary", res.Provider)
	assert.Len(t, res.Comments, 2)
	assert.Equal(t, 0, p2.calls)

	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptOK, attempts[0].Outcome)
	assert.Equal(t, 2, attempts[0].Items)
}

func TestChain_FallbackOnError(t *testing.T) {
	p1 := &mockCollector{name: "primary", supports: true, err: errors.New("extractor broke")}
	p2 := &mockCollector{name: "fallback", supports: true, result: &Result{Comments: commentsOf(1)}}

	chain := NewChain(model.AssetComments, testGuard(), noRetry(), Caps{}, p1, p2)
	res, attempts, err := chain.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Provider)

	require.Len(t, attempts, 2)
	assert.Equal(t, model.AttemptFailed, attempts[0].Outcome)
	assert.Contains(t, attempts[0].Error, "extractor broke")
	assert.Equal(t, model.AttemptOK, attempts[1].Outcome)
}

func TestChain_AllFail(t *testing.T) {
	p1 := &mockCollector{name: "p1", supports: true, err: errors.New("p1 down")}
	p2 := &mockCollector{name: "p2", supports: true, err: errors.New("p2 down")}

	chain := NewChain(model.AssetComments, testGuard(), noRetry(), Caps{}, p1, p2)
	res, attempts, err := chain.Collect(context.Background(), testUnit)

	assert.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "all comments providers failed")
	assert.Len(t, attempts, 2)
}

func TestChain_SkipsUnsupported(t *testing.T) {
	p1 := &mockCollector{name: "needs-key", supports: false}
	p2 := &mockCollector{name: "open", supports: true, result: &Result{Comments: commentsOf(1)}}

	chain := NewChain(model.AssetComments, testGuard(), noRetry(), Caps{}, p1, p2)
	res, attempts, err := chain.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	assert.Equal(t, "open", res.Provider)
	assert.Equal(t, 0, p1.calls)

	require.Len(t, attempts, 2)
	assert.Equal(t, model.AttemptSkipped, attempts[0].Outcome)
	assert.Equal(t, "unsupported", attempts[0].ErrClass)
}

func TestChain_CapsCommentsAsCappedSuccess(t *testing.T) {
	p1 := &mockCollector{name: "p1", supports: true, result: &Result{Comments: commentsOf(10)}}

	chain := NewChain(model.AssetComments, testGuard(), noRetry(), Caps{MaxComments: 4}, p1)
	res, attempts, err := chain.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	assert.True(t, res.Capped)
	assert.Len(t, res.Comments, 4)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptCapped, attempts[0].Outcome)
}

func TestChain_CapsTranscriptChars(t *testing.T) {
	segs := []model.TranscriptSegment{
		{VideoID: "v", Text: strings.Repeat("a", 40)},
		{VideoID: "v", Text: strings.Repeat("b", 40)},
		{VideoID: "v", Text: strings.Repeat("c", 40)},
	}
	p1 := &mockCollector{name: "p1", supports: true, result: &Result{Segments: segs}}

	chain := NewChain(model.AssetTranscript, testGuard(), noRetry(), Caps{MaxTranscriptChars: 50}, p1)
	res, _, err := chain.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	assert.True(t, res.Capped)
	assert.Len(t, res.Segments, 2)
}

func TestChain_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	p1 := &flakyCollector{
		name: "flaky",
		fn: func() (*Result, error) {
			calls++
			if calls < 3 {
				return nil, &resilience.TransientError{Err: errors.New("http error 503")}
			}
			return &Result{Comments: commentsOf(1)}, nil
		},
	}

	retry := resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	chain := NewChain(model.AssetComments, testGuard(), retry, Caps{}, p1)
	res, attempts, err := chain.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// Retries fold into one attempt record per provider.
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptOK, attempts[0].Outcome)
	assert.Equal(t, "flaky", res.Provider)
}

type flakyCollector struct {
	name string
	fn   func() (*Result, error)
}

func (f *flakyCollector) Name() string             { return f.name }
func (f *flakyCollector) Supports(model.Unit) bool { return true }
func (f *flakyCollector) Collect(context.Context, model.Unit) (*Result, error) {
	return f.fn()
}

func TestChain_BlockErrorNotRetried(t *testing.T) {
	calls := 0
	p1 := &flakyCollector{
		name: "blocked",
		fn: func() (*Result, error) {
			calls++
			return nil, &BlockError{Kind: guard.DetectCaptcha, StatusCode: 200}
		},
	}
	p2 := &mockCollector{name: "fallback", supports: true, result: &Result{Comments: commentsOf(1)}}

	retry := resilience.RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond}
	chain := NewChain(model.AssetComments, testGuard(), retry, Caps{}, p1, p2)
	res, _, err := chain.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	assert.Equal(t, 1, calls, "block detection must not be retried")
	assert.Equal(t, "fallback", res.Provider)
}

func TestChain_GuardBlockedUnitAborts(t *testing.T) {
	g := guard.New(guard.Config{
		RPS:                1000,
		Burst:              1000,
		JitterMin:          time.Microsecond,
		JitterMax:          2 * time.Microsecond,
		UnitBlockThreshold: 1,
		WindowThreshold:    100,
		Mode:               guard.ModeFast,
	})
	g.ReportDetection(testUnit.VideoID, guard.DetectCaptcha)
	require.True(t, g.Blocked(testUnit.VideoID))

	p1 := &mockCollector{name: "p1", supports: true, result: &Result{Comments: commentsOf(1)}}
	p2 := &mockCollector{name: "p2", supports: true, result: &Result{Comments: commentsOf(1)}}

	chain := NewChain(model.AssetComments, g, noRetry(), Caps{}, p1, p2)
	res, _, err := chain.Collect(context.Background(), testUnit)

	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, guard.ErrUnitBlocked))
	assert.Equal(t, 0, p1.calls)
	assert.Equal(t, 0, p2.calls, "blocked unit must not reach later providers")
}

func TestChain_CircuitOpenSkipsProvider(t *testing.T) {
	p1 := &mockCollector{name: "p1", supports: true, err: errors.New("p1 down")}
	p2 := &mockCollector{name: "p2", supports: true, result: &Result{Comments: commentsOf(1)}}

	chain := NewChain(model.AssetComments, testGuard(), noRetry(), Caps{}, p1, p2)

	// Drive p1's breaker open.
	breaker := chain.breakers["p1"]
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	require.Equal(t, resilience.CircuitOpen, breaker.State())

	res, attempts, err := chain.Collect(context.Background(), testUnit)
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Provider)
	assert.Equal(t, 0, p1.calls)

	require.Len(t, attempts, 2)
	assert.Equal(t, model.AttemptSkipped, attempts[0].Outcome)
	assert.Equal(t, "circuit_open", attempts[0].ErrClass)
}

func TestChain_NoSupportedProvider(t *testing.T) {
	p1 := &mockCollector{name: "p1", supports: false}

	chain := NewChain(model.AssetComments, testGuard(), noRetry(), Caps{}, p1)
	res, _, err := chain.Collect(context.Background(), testUnit)

	assert.Nil(t, res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no comments provider supports")
}
