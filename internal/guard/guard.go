// Package guard throttles all outbound calls and tracks anti-bot detection
// signals. One Guard is shared by collection and enrichment for the
// lifetime of a run; there is no cross-run persistence.
package guard

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Mode selects the operating profile.
type Mode string

const (
	// ModeRobust doubles jitter, caps concurrency at 1 and inserts an
	// extra delay between units.
	ModeRobust Mode = "robust"
	// ModeFast uses configured values unmodified.
	ModeFast Mode = "fast"
)

// ErrUnitBlocked is returned when a unit has been blocked for the rest of
// the run after repeated detections.
var ErrUnitBlocked = eris.New("guard: unit blocked for remainder of run")

// Config holds the guard's tunables. Zero values fall back to defaults.
type Config struct {
	RPS           float64
	Burst         int
	MaxConcurrent int

	JitterMin time.Duration
	JitterMax time.Duration

	Mode Mode

	// UnitBlockThreshold is the number of consecutive detections on the
	// same unit before it is blocked for the run. Default: 3.
	UnitBlockThreshold int

	// WindowThreshold and Window define the rolling detection window that
	// triggers a global cooldown. Defaults: 5 detections in 10 minutes.
	WindowThreshold int
	Window          time.Duration

	// GlobalCooldown is the pause applied when the window threshold is
	// crossed. Default: 300s.
	GlobalCooldown time.Duration

	// UnitBackoffBase and UnitBackoffCap shape the per-unit exponential
	// backoff after a detection. Defaults: 5s base, 5min cap.
	UnitBackoffBase time.Duration
	UnitBackoffCap  time.Duration

	// InterUnitDelay is the extra pause between units in robust mode.
	// Default: 2s.
	InterUnitDelay time.Duration

	// OnCooldown is invoked before a global cooldown pause begins.
	OnCooldown func(d time.Duration, reason string)
}

func (c Config) withDefaults() Config {
	if c.RPS <= 0 {
		c.RPS = 2.0
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.JitterMax <= 0 {
		c.JitterMax = 900 * time.Millisecond
	}
	if c.JitterMin < 0 || c.JitterMin > c.JitterMax {
		c.JitterMin = 250 * time.Millisecond
	}
	if c.Mode == "" {
		c.Mode = ModeRobust
	}
	if c.UnitBlockThreshold <= 0 {
		c.UnitBlockThreshold = 3
	}
	if c.WindowThreshold <= 0 {
		c.WindowThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.GlobalCooldown <= 0 {
		c.GlobalCooldown = 300 * time.Second
	}
	if c.UnitBackoffBase <= 0 {
		c.UnitBackoffBase = 5 * time.Second
	}
	if c.UnitBackoffCap <= 0 {
		c.UnitBackoffCap = 5 * time.Minute
	}
	if c.InterUnitDelay <= 0 {
		c.InterUnitDelay = 2 * time.Second
	}
	if c.Mode == ModeRobust {
		c.JitterMin *= 2
		c.JitterMax *= 2
		c.MaxConcurrent = 1
	}
	return c
}

// Guard owns the token bucket, the concurrency cap, and the detection and
// cooldown state shared by every outbound call in a run.
type Guard struct {
	cfg     Config
	limiter *rate.Limiter
	sem     chan struct{}

	mu             sync.Mutex
	unitDetections map[string]int
	blocked        map[string]bool
	events         []time.Time
	pausedUntil    time.Time

	now func() time.Time
}

// New creates a guard from the given config.
func New(cfg Config) *Guard {
	cfg = cfg.withDefaults()
	return &Guard{
		cfg:            cfg,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		sem:            make(chan struct{}, cfg.MaxConcurrent),
		unitDetections: map[string]int{},
		blocked:        map[string]bool{},
		now:            time.Now,
	}
}

// WithNow fixes the clock for tests.
func (g *Guard) WithNow(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Acquire blocks until the call may proceed: unit not blocked, any global
// cooldown elapsed, a concurrency slot free, a rate token available, jitter
// and per-unit backoff applied. The returned release function must be
// called when the outbound call finishes.
func (g *Guard) Acquire(ctx context.Context, unit string) (func(), error) {
	if g.Blocked(unit) {
		return nil, ErrUnitBlocked
	}

	if err := g.waitGlobalCooldown(ctx); err != nil {
		return nil, err
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "guard: acquire slot")
	}
	release := func() { <-g.sem }

	if err := g.limiter.Wait(ctx); err != nil {
		release()
		return nil, eris.Wrap(err, "guard: rate limit")
	}

	delay := g.jitter() + g.unitBackoff(unit)
	if err := sleepCtx(ctx, delay); err != nil {
		release()
		return nil, err
	}

	return release, nil
}

// ReportOK clears the unit's consecutive detection count.
func (g *Guard) ReportOK(unit string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unitDetections[unit] = 0
}

// ReportDetection records an anti-bot detection signal for the unit and
// updates both the per-unit and the rolling-window counters.
func (g *Guard) ReportDetection(unit string, kind DetectionKind) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.unitDetections[unit]++

	zap.L().Warn("anti-bot detection",
		zap.String("unit", unit),
		zap.String("kind", string(kind)),
		zap.Int("consecutive", g.unitDetections[unit]),
	)

	if g.unitDetections[unit] >= g.cfg.UnitBlockThreshold {
		g.blocked[unit] = true
		zap.L().Warn("unit blocked for remainder of run", zap.String("unit", unit))
	}

	g.events = append(g.events, now)
	g.pruneEventsLocked(now)

	if len(g.events) >= g.cfg.WindowThreshold && now.After(g.pausedUntil) {
		g.pausedUntil = now.Add(g.cfg.GlobalCooldown)
		g.events = nil
		if g.cfg.OnCooldown != nil {
			g.cfg.OnCooldown(g.cfg.GlobalCooldown, "detection window threshold crossed")
		}
		zap.L().Warn("global cooldown engaged",
			zap.Duration("cooldown", g.cfg.GlobalCooldown),
		)
	}
}

// Blocked reports whether the unit is blocked for the rest of the run.
func (g *Guard) Blocked(unit string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked[unit]
}

// BlockedUnits returns the units blocked so far.
func (g *Guard) BlockedUnits() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	for u := range g.blocked {
		out = append(out, u)
	}
	return out
}

// CooldownRemaining returns how long the global pause still has to run.
func (g *Guard) CooldownRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if d := g.pausedUntil.Sub(g.now()); d > 0 {
		return d
	}
	return 0
}

// InterUnitPause applies the extra between-unit delay in robust mode.
func (g *Guard) InterUnitPause(ctx context.Context) error {
	if g.cfg.Mode != ModeRobust {
		return nil
	}
	return sleepCtx(ctx, g.cfg.InterUnitDelay)
}

func (g *Guard) waitGlobalCooldown(ctx context.Context) error {
	for {
		d := g.CooldownRemaining()
		if d <= 0 {
			return nil
		}
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

func (g *Guard) jitter() time.Duration {
	span := g.cfg.JitterMax - g.cfg.JitterMin
	if span <= 0 {
		return g.cfg.JitterMin
	}
	return g.cfg.JitterMin + time.Duration(rand.Int64N(int64(span)))
}

// unitBackoff returns the exponential per-unit delay after detections,
// capped at UnitBackoffCap.
func (g *Guard) unitBackoff(unit string) time.Duration {
	g.mu.Lock()
	n := g.unitDetections[unit]
	g.mu.Unlock()

	if n == 0 {
		return 0
	}
	d := g.cfg.UnitBackoffBase << (n - 1)
	if d > g.cfg.UnitBackoffCap || d <= 0 {
		d = g.cfg.UnitBackoffCap
	}
	return d
}

// pruneEventsLocked drops detection events older than the rolling window.
func (g *Guard) pruneEventsLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for ; i < len(g.events); i++ {
		if g.events[i].After(cutoff) {
			break
		}
	}
	g.events = g.events[i:]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "guard: sleep interrupted")
	case <-timer.C:
		return nil
	}
}
