package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/vidlab-io/corpus-cli/internal/collect"
	"github.com/vidlab-io/corpus-cli/internal/config"
	"github.com/vidlab-io/corpus-cli/internal/discovery"
	"github.com/vidlab-io/corpus-cli/internal/enrich"
	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/internal/ledger"
	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/internal/resilience"
	"github.com/vidlab-io/corpus-cli/pkg/anthropic"
	"github.com/vidlab-io/corpus-cli/pkg/llm"
	"github.com/vidlab-io/corpus-cli/pkg/ytdlp"
)

// Build assembles a production orchestrator from configuration: guard,
// yt-dlp client, provider chains per sort mode, model backends, and the
// diagnostics ledger. Full config validation happens in Run; Resume works
// without discovery input, so Build does not require it.
func Build(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	g := guard.New(guardConfig(cfg))
	retry := resilience.FromConfig(
		cfg.Retry.MaxAttempts,
		time.Duration(cfg.Retry.InitialBackoffMS)*time.Millisecond,
		time.Duration(cfg.Retry.MaxBackoffSecs)*time.Second,
		cfg.Retry.Multiplier,
	)

	hc := &http.Client{Timeout: 30 * time.Second}
	yt := ytdlpClient(cfg)

	caps := collect.Caps{
		MaxComments:        cfg.Collect.MaxCommentsPerVideo,
		MaxTranscriptChars: cfg.Collect.MaxTranscriptChars,
	}

	comments := make(map[model.SortMode]CollectChain, len(cfg.Run.SortModes))
	for _, s := range cfg.Run.SortModes {
		sort := model.SortMode(s)
		comments[sort] = collect.NewChain(model.AssetComments, g, retry, caps,
			commentProviders(cfg, hc, yt, sort)...)
	}

	transcript := collect.NewChain(model.AssetTranscript, g, retry, caps,
		collect.NewPlayerTranscriptProvider(hc, cfg.Collect.TranscriptLangs),
		collect.NewYtdlpTranscriptProvider(yt, hc, cfg.Collect.TranscriptLangs),
		collect.NewTimedtextTranscriptProvider(hc, cfg.Collect.TranscriptLangs),
	)

	textModel, embedder, err := modelBackends(cfg)
	if err != nil {
		return nil, err
	}

	led, err := buildLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}

	resolver := discovery.NewResolver(yt, discovery.Config{
		MaxVideosPerTerm: cfg.Discovery.MaxVideosPerTerm,
		MaxSubVideos:     cfg.Discovery.MaxSubVideos,
		MaxTotalVideos:   cfg.Discovery.MaxTotalVideos,
	}, retry)

	return New(cfg, Deps{
		Guard:      g,
		Resolver:   resolver,
		Comments:   comments,
		Transcript: transcript,
		Model:      textModel,
		Embedder:   embedder,
		Ledger:     led,
	}), nil
}

func guardConfig(cfg *config.Config) guard.Config {
	return guard.Config{
		RPS:                 cfg.Guard.RPS,
		Burst:               cfg.Guard.Burst,
		MaxConcurrent:       cfg.Guard.MaxConcurrent,
		JitterMin:           time.Duration(cfg.Guard.JitterMinMS) * time.Millisecond,
		JitterMax:           time.Duration(cfg.Guard.JitterMaxMS) * time.Millisecond,
		Mode:                guard.Mode(cfg.Run.Mode),
		UnitBlockThreshold:  cfg.Guard.UnitBlockThreshold,
		WindowThreshold:     cfg.Guard.WindowThreshold,
		Window:              time.Duration(cfg.Guard.WindowSecs) * time.Second,
		GlobalCooldown:      time.Duration(cfg.Guard.GlobalCooldownSecs) * time.Second,
		UnitBackoffBase:     time.Duration(cfg.Guard.UnitBackoffBaseSecs) * time.Second,
		UnitBackoffCap:      time.Duration(cfg.Guard.UnitBackoffCapSecs) * time.Second,
		InterUnitDelay:      time.Duration(cfg.Guard.InterUnitDelaySecs) * time.Second,
	}
}

func ytdlpClient(cfg *config.Config) *ytdlp.Client {
	var opts []ytdlp.Option
	if cfg.Collect.YtdlpBinary != "" {
		opts = append(opts, ytdlp.WithBinary(cfg.Collect.YtdlpBinary))
	}
	if cfg.Collect.YtdlpTimeoutSecs > 0 {
		opts = append(opts, ytdlp.WithTimeout(time.Duration(cfg.Collect.YtdlpTimeoutSecs)*time.Second))
	}
	return ytdlp.NewClient(opts...)
}

// commentProviders orders the comment chain: scrape first, yt-dlp as the
// robust fallback, official API last because its quota is the scarcest.
func commentProviders(cfg *config.Config, hc *http.Client, yt *ytdlp.Client, sort model.SortMode) []collect.Collector {
	max := cfg.Collect.MaxCommentsPerVideo
	providers := []collect.Collector{
		collect.NewWebCommentsProvider(hc, sort, max),
		collect.NewYtdlpCommentsProvider(yt, sort, max),
	}
	if cfg.Collect.YouTubeAPIKey != "" {
		providers = append(providers, collect.NewAPICommentsProvider(hc, cfg.Collect.YouTubeAPIKey, sort, max))
	}
	return providers
}

// modelBackends constructs the enrichment model and embedder for the
// configured provider. "none" leaves both nil, enabling the heuristic
// fallbacks.
func modelBackends(cfg *config.Config) (enrich.TextModel, enrich.Embedder, error) {
	switch cfg.Enrich.Provider {
	case "", "none":
		return nil, nil, nil
	case "openai":
		baseURL := cfg.Enrich.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		client := llm.NewClient(baseURL,
			llm.WithAPIKey(cfg.Enrich.APIKey),
			llm.WithModel(cfg.Enrich.Model),
			llm.WithEmbeddingsModel(cfg.Enrich.EmbeddingsModel),
			llm.WithRateLimit(cfg.Enrich.RPS),
		)
		m := enrich.OpenAIModel{Client: client}
		return m, m, nil
	case "anthropic":
		m := enrich.ClaudeModel{
			Client: anthropic.NewClient(cfg.Enrich.APIKey),
			Model:  cfg.Enrich.Model,
		}
		// No Anthropic embeddings endpoint; the embeddings stage degrades
		// to sampling when enabled.
		return m, nil, nil
	}
	return nil, nil, eris.Errorf("pipeline: unknown enrichment provider %q", cfg.Enrich.Provider)
}

// OpenLedger opens and migrates the configured ledger backend. The runs
// and serve commands use it without building a full orchestrator.
func OpenLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	return buildLedger(ctx, cfg)
}

// buildLedger opens and migrates the configured ledger backend.
func buildLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	var led ledger.Ledger
	switch cfg.Ledger.Driver {
	case "", "none":
		return ledger.Noop{}, nil
	case "sqlite":
		l, err := ledger.NewSQLite(cfg.Ledger.DatabaseURL)
		if err != nil {
			return nil, err
		}
		led = l
	case "postgres":
		l, err := ledger.NewPostgres(ctx, cfg.Ledger.DatabaseURL, &ledger.PoolConfig{
			MaxConns: cfg.Ledger.MaxConns,
			MinConns: cfg.Ledger.MinConns,
		})
		if err != nil {
			return nil, err
		}
		led = l
	default:
		return nil, eris.Errorf("pipeline: unknown ledger driver %q", cfg.Ledger.Driver)
	}

	if err := led.Migrate(ctx); err != nil {
		led.Close()
		return nil, err
	}
	return led, nil
}
