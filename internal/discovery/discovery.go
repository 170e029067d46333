// Package discovery resolves the unit list for a run from one of three
// input modes: explicit video URLs, search terms, or channel subscriptions.
package discovery

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/internal/resilience"
	"github.com/vidlab-io/corpus-cli/pkg/ytdlp"
)

// Mode identifies which input drove discovery.
type Mode string

const (
	ModeVideoURL      Mode = "video_url"
	ModeSearchTerms   Mode = "search_terms"
	ModeSubscriptions Mode = "subscriptions"
)

// Discovered is one resolved video plus its provenance.
type Discovered struct {
	Unit   model.Unit `json:"unit"`
	Mode   Mode       `json:"mode"`
	Source string     `json:"source,omitempty"` // search term or channel
}

// Config bounds discovery output.
type Config struct {
	// MaxVideosPerTerm caps each search term's results. Default 10.
	MaxVideosPerTerm int
	// MaxSubVideos caps each channel's results. Default 10.
	MaxSubVideos int
	// MaxTotalVideos caps the whole run's unit list. 0 means no cap.
	MaxTotalVideos int
}

func (c Config) withDefaults() Config {
	if c.MaxVideosPerTerm <= 0 {
		c.MaxVideosPerTerm = 10
	}
	if c.MaxSubVideos <= 0 {
		c.MaxSubVideos = 10
	}
	return c
}

// Resolver builds unit lists through yt-dlp flat listings.
type Resolver struct {
	yt    *ytdlp.Client
	cfg   Config
	retry resilience.RetryConfig
}

// NewResolver creates a Resolver.
func NewResolver(yt *ytdlp.Client, cfg Config, retry resilience.RetryConfig) *Resolver {
	return &Resolver{yt: yt, cfg: cfg.withDefaults(), retry: retry}
}

// FromURLs resolves explicit video URLs or bare IDs. A malformed entry
// fails the whole call: a typo in an explicit input should not silently
// shrink the run.
func (r *Resolver) FromURLs(urls []string) ([]Discovered, error) {
	var out []Discovered
	for _, raw := range urls {
		id, err := model.ExtractVideoID(raw)
		if err != nil {
			return nil, eris.Wrap(err, "discovery: bad video input")
		}
		out = append(out, Discovered{
			Unit: model.Unit{VideoID: id, URL: model.WatchURL(id)},
			Mode: ModeVideoURL,
		})
	}
	return Dedupe(out, r.cfg.MaxTotalVideos), nil
}

// FromSearchTerms resolves each term through yt-dlp search, capped per term
// and deduplicated across terms. A term that fails after retries is logged
// and skipped; discovery proceeds with the rest.
func (r *Resolver) FromSearchTerms(ctx context.Context, terms []string) ([]Discovered, error) {
	var out []Discovered
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}

		entries, err := resilience.DoVal(ctx, r.retryFor(term), func(ctx context.Context) ([]ytdlp.PlaylistEntry, error) {
			return r.yt.Search(ctx, term, r.cfg.MaxVideosPerTerm)
		})
		if err != nil {
			zap.L().Warn("discovery: search term failed, skipping",
				zap.String("term", term),
				zap.Error(err),
			)
			continue
		}

		for _, e := range entries {
			if e.ID == "" {
				continue
			}
			out = append(out, Discovered{
				Unit:   model.Unit{VideoID: e.ID, URL: model.WatchURL(e.ID), Title: e.Title},
				Mode:   ModeSearchTerms,
				Source: term,
			})
		}
		zap.L().Info("discovery: search term resolved",
			zap.String("term", term),
			zap.Int("videos", len(entries)),
		)
	}
	if len(out) == 0 {
		return nil, eris.New("discovery: no videos found for any search term")
	}
	return Dedupe(out, r.cfg.MaxTotalVideos), nil
}

// FromChannels resolves the latest uploads of each subscribed channel.
func (r *Resolver) FromChannels(ctx context.Context, channels []string) ([]Discovered, error) {
	var out []Discovered
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		channelURL := NormalizeChannelURL(ch)

		entries, err := resilience.DoVal(ctx, r.retryFor(ch), func(ctx context.Context) ([]ytdlp.PlaylistEntry, error) {
			return r.yt.FlatPlaylist(ctx, channelURL, r.cfg.MaxSubVideos)
		})
		if err != nil {
			zap.L().Warn("discovery: channel listing failed, skipping",
				zap.String("channel", ch),
				zap.Error(err),
			)
			continue
		}

		count := 0
		for _, e := range entries {
			if e.ID == "" {
				continue
			}
			if count >= r.cfg.MaxSubVideos {
				break
			}
			out = append(out, Discovered{
				Unit:   model.Unit{VideoID: e.ID, URL: model.WatchURL(e.ID), Title: e.Title},
				Mode:   ModeSubscriptions,
				Source: ch,
			})
			count++
		}
		zap.L().Info("discovery: channel resolved",
			zap.String("channel", ch),
			zap.Int("videos", count),
		)
	}
	if len(out) == 0 {
		return nil, eris.New("discovery: no videos found for any channel")
	}
	return Dedupe(out, r.cfg.MaxTotalVideos), nil
}

func (r *Resolver) retryFor(source string) resilience.RetryConfig {
	cfg := r.retry
	cfg.OnRetry = resilience.RetryLogger("discovery", source)
	return cfg
}

// NormalizeChannelURL turns a handle, channel ID, or URL into a full
// /videos listing URL.
func NormalizeChannelURL(channel string) string {
	channel = strings.TrimSpace(channel)

	if strings.HasPrefix(channel, "https://") || strings.HasPrefix(channel, "http://") {
		u := strings.TrimRight(channel, "/")
		if !strings.HasSuffix(u, "/videos") {
			u += "/videos"
		}
		return u
	}
	if strings.HasPrefix(channel, "@") {
		return "https://www.youtube.com/" + channel + "/videos"
	}
	if strings.HasPrefix(channel, "UC") {
		return "https://www.youtube.com/channel/" + channel + "/videos"
	}
	return "https://www.youtube.com/@" + channel + "/videos"
}

// Dedupe drops duplicate video IDs, keeping first occurrences, and applies
// the total cap when one is set.
func Dedupe(list []Discovered, maxTotal int) []Discovered {
	seen := make(map[string]struct{}, len(list))
	var out []Discovered
	for _, d := range list {
		if _, dup := seen[d.Unit.VideoID]; dup {
			continue
		}
		seen[d.Unit.VideoID] = struct{}{}
		out = append(out, d)
		if maxTotal > 0 && len(out) >= maxTotal {
			break
		}
	}
	return out
}
