// Package collect acquires comments and transcripts through an ordered
// chain of providers with bounded retry, circuit breaking and volume caps.
package collect

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/internal/resilience"
)

// Caps bounds how much a single unit may yield. Exceeding a cap truncates
// the result and flags it Capped; it is still a success.
type Caps struct {
	MaxComments        int
	MaxTranscriptChars int
}

// Chain tries providers in priority order. Each provider gets its own
// bounded retry budget and circuit breaker; every try is recorded as a
// ProviderAttempt for diagnostics.
type Chain struct {
	asset     model.AssetType
	providers []Collector
	breakers  map[string]*resilience.CircuitBreaker
	retry     resilience.RetryConfig
	guard     *guard.Guard
	caps      Caps
}

// NewChain creates a Chain over the given providers. The guard is shared
// with the rest of the run and throttles every provider try.
func NewChain(asset model.AssetType, g *guard.Guard, retry resilience.RetryConfig, caps Caps, providers ...Collector) *Chain {
	breakers := make(map[string]*resilience.CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &Chain{
		asset:     asset,
		providers: providers,
		breakers:  breakers,
		retry:     retry,
		guard:     g,
		caps:      caps,
	}
}

// Collect runs the chain for one unit. It returns the first successful
// result together with the full attempt log. Block detections are reported
// to the guard; a unit blocked by the guard aborts the chain immediately.
func (c *Chain) Collect(ctx context.Context, unit model.Unit) (*Result, []model.ProviderAttempt, error) {
	var attempts []model.ProviderAttempt
	var lastErr error

	for _, p := range c.providers {
		if !p.Supports(unit) {
			attempts = append(attempts, c.attempt(p, unit, model.AttemptSkipped, 0, 0, "unsupported", nil))
			continue
		}
		br := c.breakers[p.Name()]
		if !br.Allow() {
			zap.L().Debug("collect: circuit open, skipping provider",
				zap.String("provider", p.Name()),
				zap.String("video", unit.VideoID),
			)
			attempts = append(attempts, c.attempt(p, unit, model.AttemptSkipped, 0, 0, "circuit_open", nil))
			continue
		}

		retryCfg := c.retry
		retryCfg.ShouldRetry = retryableCollectErr
		retryCfg.OnRetry = resilience.RetryLogger(p.Name(), unit.VideoID)

		start := time.Now()
		res, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*Result, error) {
			release, err := c.guard.Acquire(ctx, unit.VideoID)
			if err != nil {
				return nil, err
			}
			defer release()
			return p.Collect(ctx, unit)
		})
		latency := time.Since(start)

		if err != nil {
			var blocked *BlockError
			if errors.As(err, &blocked) {
				c.guard.ReportDetection(unit.VideoID, blocked.Kind)
			}
			attempts = append(attempts, c.attempt(p, unit, model.AttemptFailed, 0, latency, resilience.ErrClass(err), err))

			if errors.Is(err, guard.ErrUnitBlocked) {
				return nil, attempts, eris.Wrapf(err, "collect: unit %s blocked", unit.VideoID)
			}
			br.RecordFailure()
			zap.L().Warn("collect: provider failed, trying next",
				zap.String("provider", p.Name()),
				zap.String("video", unit.VideoID),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		br.RecordSuccess()
		c.guard.ReportOK(unit.VideoID)

		res.Provider = p.Name()
		c.applyCaps(res)
		outcome := model.AttemptOK
		if res.Capped {
			outcome = model.AttemptCapped
		}
		attempts = append(attempts, c.attempt(p, unit, outcome, res.Items(), latency, "", nil))
		return res, attempts, nil
	}

	if lastErr != nil {
		return nil, attempts, eris.Wrapf(lastErr, "collect: all %s providers failed for %s", c.asset, unit.VideoID)
	}
	return nil, attempts, eris.Errorf("collect: no %s provider supports unit %s", c.asset, unit.VideoID)
}

func (c *Chain) attempt(p Collector, unit model.Unit, outcome model.AttemptOutcome, items int, latency time.Duration, errClass string, err error) model.ProviderAttempt {
	a := model.ProviderAttempt{
		Provider: p.Name(),
		Unit:     unit.VideoID,
		Asset:    c.asset,
		Outcome:  outcome,
		Items:    items,
		Latency:  latency,
		ErrClass: errClass,
	}
	if err != nil {
		a.Error = err.Error()
		if a.ErrClass == "" {
			a.ErrClass = resilience.ErrClass(err)
		}
	}
	return a
}

// applyCaps truncates the result in place when it exceeds a configured cap.
func (c *Chain) applyCaps(res *Result) {
	if c.caps.MaxComments > 0 && len(res.Comments) > c.caps.MaxComments {
		res.Comments = res.Comments[:c.caps.MaxComments]
		res.Capped = true
	}
	if c.caps.MaxTranscriptChars > 0 {
		total := 0
		for i, seg := range res.Segments {
			total += len(seg.Text)
			if total > c.caps.MaxTranscriptChars {
				res.Segments = res.Segments[:i+1]
				res.Capped = true
				break
			}
		}
	}
}

// retryableCollectErr keeps the default transient check but refuses to
// reattempt anti-bot blocks: hammering a provider that just flagged us
// makes the detection worse.
func retryableCollectErr(err error) bool {
	var blocked *BlockError
	if errors.As(err, &blocked) {
		return false
	}
	if errors.Is(err, guard.ErrUnitBlocked) {
		return false
	}
	return resilience.IsTransient(err)
}
