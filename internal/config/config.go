package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Run       RunConfig       `yaml:"run" mapstructure:"run"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Guard     GuardConfig     `yaml:"guard" mapstructure:"guard"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Collect   CollectConfig   `yaml:"collect" mapstructure:"collect"`
	Chunk     ChunkConfig     `yaml:"chunk" mapstructure:"chunk"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Ledger    LedgerConfig    `yaml:"ledger" mapstructure:"ledger"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// RunConfig configures run-level behavior.
type RunConfig struct {
	// OutputDir is the root under which each run writes its directory.
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
	// OnFailure is the unit failure policy: skip, retry, or abort.
	OnFailure string `yaml:"on_failure" mapstructure:"on_failure"`
	// MaxUnitRetries bounds whole-unit reattempts under the retry policy.
	MaxUnitRetries int `yaml:"max_unit_retries" mapstructure:"max_unit_retries"`
	// Mode is the pacing profile: fast or robust.
	Mode string `yaml:"mode" mapstructure:"mode"`
	// SortModes lists the comment orderings to collect (top, newest).
	SortModes []string `yaml:"sort_modes" mapstructure:"sort_modes"`
}

// DiscoveryConfig configures how the unit list is resolved. Exactly one of
// VideoURLs, SearchTerms, or Channels must be non-empty.
type DiscoveryConfig struct {
	VideoURLs        []string `yaml:"video_urls" mapstructure:"video_urls"`
	SearchTerms      []string `yaml:"search_terms" mapstructure:"search_terms"`
	Channels         []string `yaml:"channels" mapstructure:"channels"`
	MaxVideosPerTerm int      `yaml:"max_videos_per_term" mapstructure:"max_videos_per_term"`
	MaxSubVideos     int      `yaml:"max_sub_videos" mapstructure:"max_sub_videos"`
	MaxTotalVideos   int      `yaml:"max_total_videos" mapstructure:"max_total_videos"`
}

// GuardConfig configures outbound call pacing and detection response.
type GuardConfig struct {
	RPS                 float64 `yaml:"rps" mapstructure:"rps"`
	Burst               int     `yaml:"burst" mapstructure:"burst"`
	MaxConcurrent       int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	JitterMinMS         int     `yaml:"jitter_min_ms" mapstructure:"jitter_min_ms"`
	JitterMaxMS         int     `yaml:"jitter_max_ms" mapstructure:"jitter_max_ms"`
	UnitBlockThreshold  int     `yaml:"unit_block_threshold" mapstructure:"unit_block_threshold"`
	WindowThreshold     int     `yaml:"window_threshold" mapstructure:"window_threshold"`
	WindowSecs          int     `yaml:"window_secs" mapstructure:"window_secs"`
	GlobalCooldownSecs  int     `yaml:"global_cooldown_secs" mapstructure:"global_cooldown_secs"`
	UnitBackoffBaseSecs int     `yaml:"unit_backoff_base_secs" mapstructure:"unit_backoff_base_secs"`
	UnitBackoffCapSecs  int     `yaml:"unit_backoff_cap_secs" mapstructure:"unit_backoff_cap_secs"`
	InterUnitDelaySecs  int     `yaml:"inter_unit_delay_secs" mapstructure:"inter_unit_delay_secs"`
}

// RetryConfig configures per-provider retry behavior.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs   int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// CollectConfig configures asset acquisition.
type CollectConfig struct {
	MaxCommentsPerVideo int      `yaml:"max_comments_per_video" mapstructure:"max_comments_per_video"`
	MaxTranscriptChars  int      `yaml:"max_transcript_chars" mapstructure:"max_transcript_chars"`
	TranscriptLangs     []string `yaml:"transcript_langs" mapstructure:"transcript_langs"`
	YouTubeAPIKey       string   `yaml:"youtube_api_key" mapstructure:"youtube_api_key"`
	YtdlpBinary         string   `yaml:"ytdlp_binary" mapstructure:"ytdlp_binary"`
	YtdlpTimeoutSecs    int      `yaml:"ytdlp_timeout_secs" mapstructure:"ytdlp_timeout_secs"`
}

// ChunkConfig configures transcript windowing.
type ChunkConfig struct {
	WindowSecs  int `yaml:"window_secs" mapstructure:"window_secs"`
	OverlapSecs int `yaml:"overlap_secs" mapstructure:"overlap_secs"`
	MaxChars    int `yaml:"max_chars" mapstructure:"max_chars"`
}

// EnrichStages toggles individual enrichment stages.
type EnrichStages struct {
	Translate  bool `yaml:"translate" mapstructure:"translate"`
	Embeddings bool `yaml:"embeddings" mapstructure:"embeddings"`
	Topics     bool `yaml:"topics" mapstructure:"topics"`
	Sentiment  bool `yaml:"sentiment" mapstructure:"sentiment"`
	Triples    bool `yaml:"triples" mapstructure:"triples"`
}

// EnrichConfig configures the enrichment stages and their model backend.
type EnrichConfig struct {
	// Provider selects the model backend: openai, anthropic, or none.
	Provider        string  `yaml:"provider" mapstructure:"provider"`
	APIKey          string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	Model           string  `yaml:"model" mapstructure:"model"`
	EmbeddingsModel string  `yaml:"embeddings_model" mapstructure:"embeddings_model"`
	RPS             float64 `yaml:"rps" mapstructure:"rps"`

	Comments    bool `yaml:"comments" mapstructure:"comments"`
	Transcripts bool `yaml:"transcripts" mapstructure:"transcripts"`

	Stages EnrichStages `yaml:"stages" mapstructure:"stages"`

	TranslateTarget              string `yaml:"translate_target" mapstructure:"translate_target"`
	TranslateBatch               int    `yaml:"translate_batch" mapstructure:"translate_batch"`
	EmbedBatch                   int    `yaml:"embed_batch" mapstructure:"embed_batch"`
	SentimentBatch               int    `yaml:"sentiment_batch" mapstructure:"sentiment_batch"`
	TriplesBatch                 int    `yaml:"triples_batch" mapstructure:"triples_batch"`
	TopicSampleMax               int    `yaml:"topic_sample_max" mapstructure:"topic_sample_max"`
	MaxTextLen                   int    `yaml:"max_text_len" mapstructure:"max_text_len"`
	EmbeddingsFallbackToSampling bool   `yaml:"embeddings_fallback_to_sampling" mapstructure:"embeddings_fallback_to_sampling"`
}

// LedgerConfig configures the optional diagnostics ledger.
type LedgerConfig struct {
	// Driver selects the backend: none, sqlite, or postgres.
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the read-only status server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.output_dir", "runs")
	v.SetDefault("run.on_failure", "skip")
	v.SetDefault("run.max_unit_retries", 2)
	v.SetDefault("run.mode", "fast")
	v.SetDefault("run.sort_modes", []string{"top"})

	v.SetDefault("discovery.max_videos_per_term", 10)
	v.SetDefault("discovery.max_sub_videos", 10)
	v.SetDefault("discovery.max_total_videos", 500)

	v.SetDefault("guard.rps", 1.0)
	v.SetDefault("guard.burst", 1)
	v.SetDefault("guard.max_concurrent", 2)
	v.SetDefault("guard.jitter_min_ms", 500)
	v.SetDefault("guard.jitter_max_ms", 2000)
	v.SetDefault("guard.unit_block_threshold", 3)
	v.SetDefault("guard.window_threshold", 5)
	v.SetDefault("guard.window_secs", 600)
	v.SetDefault("guard.global_cooldown_secs", 300)
	v.SetDefault("guard.unit_backoff_base_secs", 5)
	v.SetDefault("guard.unit_backoff_cap_secs", 300)
	v.SetDefault("guard.inter_unit_delay_secs", 2)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_secs", 60)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("collect.max_comments_per_video", 500)
	v.SetDefault("collect.max_transcript_chars", 200000)
	v.SetDefault("collect.transcript_langs", []string{"en"})
	v.SetDefault("collect.ytdlp_binary", "yt-dlp")
	v.SetDefault("collect.ytdlp_timeout_secs", 120)

	v.SetDefault("chunk.window_secs", 60)
	v.SetDefault("chunk.overlap_secs", 10)
	v.SetDefault("chunk.max_chars", 4000)

	v.SetDefault("enrich.provider", "none")
	v.SetDefault("enrich.base_url", "https://api.openai.com/v1")
	v.SetDefault("enrich.model", "gpt-4o-mini")
	v.SetDefault("enrich.embeddings_model", "text-embedding-3-small")
	v.SetDefault("enrich.rps", 2.0)
	v.SetDefault("enrich.comments", true)
	v.SetDefault("enrich.transcripts", true)
	v.SetDefault("enrich.stages.topics", true)
	v.SetDefault("enrich.stages.sentiment", true)
	v.SetDefault("enrich.translate_batch", 20)
	v.SetDefault("enrich.embed_batch", 100)
	v.SetDefault("enrich.sentiment_batch", 50)
	v.SetDefault("enrich.triples_batch", 20)
	v.SetDefault("enrich.topic_sample_max", 200)
	v.SetDefault("enrich.max_text_len", 500)
	v.SetDefault("enrich.embeddings_fallback_to_sampling", true)

	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.database_url", "corpus.db")

	v.SetDefault("server.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks enum and range constraints before a run starts.
func (c *Config) Validate() error {
	switch c.Run.OnFailure {
	case "skip", "retry", "abort":
	default:
		return eris.Errorf("config: run.on_failure must be skip, retry, or abort, got %q", c.Run.OnFailure)
	}

	switch c.Run.Mode {
	case "fast", "robust":
	default:
		return eris.Errorf("config: run.mode must be fast or robust, got %q", c.Run.Mode)
	}

	if len(c.Run.SortModes) == 0 {
		return eris.New("config: run.sort_modes must list at least one of top, newest")
	}
	for _, s := range c.Run.SortModes {
		if s != "top" && s != "newest" {
			return eris.Errorf("config: unknown sort mode %q", s)
		}
	}

	modes := 0
	if len(c.Discovery.VideoURLs) > 0 {
		modes++
	}
	if len(c.Discovery.SearchTerms) > 0 {
		modes++
	}
	if len(c.Discovery.Channels) > 0 {
		modes++
	}
	if modes != 1 {
		return eris.New("config: exactly one of discovery.video_urls, discovery.search_terms, discovery.channels must be set")
	}

	if c.Discovery.MaxTotalVideos <= 0 {
		return eris.New("config: discovery.max_total_videos must be positive")
	}
	if c.Collect.MaxCommentsPerVideo <= 0 {
		return eris.New("config: collect.max_comments_per_video must be positive")
	}
	if c.Collect.MaxTranscriptChars <= 0 {
		return eris.New("config: collect.max_transcript_chars must be positive")
	}

	if c.Guard.JitterMinMS > c.Guard.JitterMaxMS {
		return eris.New("config: guard.jitter_min_ms must not exceed guard.jitter_max_ms")
	}

	switch c.Enrich.Provider {
	case "none", "openai", "anthropic":
	default:
		return eris.Errorf("config: enrich.provider must be none, openai, or anthropic, got %q", c.Enrich.Provider)
	}
	if c.Enrich.Provider != "none" && c.Enrich.APIKey == "" {
		return eris.Errorf("config: enrich.api_key required for provider %q", c.Enrich.Provider)
	}
	if c.Enrich.Stages.Translate && c.Enrich.TranslateTarget == "" {
		return eris.New("config: enrich.translate_target required when translate stage is enabled")
	}

	switch c.Ledger.Driver {
	case "none", "sqlite", "postgres":
	default:
		return eris.Errorf("config: ledger.driver must be none, sqlite, or postgres, got %q", c.Ledger.Driver)
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.DatabaseURL == "" {
		return eris.New("config: ledger.database_url required for postgres driver")
	}

	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
