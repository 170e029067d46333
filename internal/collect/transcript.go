package collect

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/pkg/ytdlp"
)

// PlayerTranscriptProvider reads the caption track list out of the watch
// page's embedded player response and downloads the chosen track as json3.
type PlayerTranscriptProvider struct {
	hc      *http.Client
	langs   []string
	baseURL string
}

// NewPlayerTranscriptProvider creates the watch-page transcript provider.
// langs is the preference order; empty means take whatever is first.
func NewPlayerTranscriptProvider(hc *http.Client, langs []string) *PlayerTranscriptProvider {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &PlayerTranscriptProvider{hc: hc, langs: langs, baseURL: "https://www.youtube.com"}
}

// WithBaseURL overrides the site root, for tests.
func (p *PlayerTranscriptProvider) WithBaseURL(u string) *PlayerTranscriptProvider {
	p.baseURL = strings.TrimSuffix(u, "/")
	return p
}

func (p *PlayerTranscriptProvider) Name() string { return "player" }

func (p *PlayerTranscriptProvider) Supports(model.Unit) bool { return true }

// playerResponse is the slice of ytInitialPlayerResponse we need.
type playerResponse struct {
	Captions struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"` // "asr" for auto-generated
}

func (p *PlayerTranscriptProvider) Collect(ctx context.Context, unit model.Unit) (*Result, error) {
	page, err := fetchWatchPage(ctx, p.hc, p.baseURL, unit.VideoID)
	if err != nil {
		return nil, err
	}

	pr, err := extractPlayerResponse(page)
	if err != nil {
		return nil, err
	}
	tracks := pr.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks
	track, ok := pickCaptionTrack(tracks, p.langs)
	if !ok {
		return nil, eris.Errorf("collect: no caption tracks for %s", unit.VideoID)
	}

	segs, err := fetchCaptionTrack(ctx, p.hc, track.BaseURL, unit.VideoID, track.LanguageCode, trackSource(track.Kind))
	if err != nil {
		return nil, err
	}
	return &Result{Segments: segs}, nil
}

// extractPlayerResponse finds the ytInitialPlayerResponse assignment and
// decodes the object literal that follows it. json.Decoder stops at the
// end of the value, so trailing page script is harmless.
func extractPlayerResponse(page string) (*playerResponse, error) {
	const marker = "ytInitialPlayerResponse = "
	idx := strings.Index(page, marker)
	if idx < 0 {
		return nil, eris.New("collect: no player response on watch page")
	}
	var pr playerResponse
	dec := json.NewDecoder(strings.NewReader(page[idx+len(marker):]))
	if err := dec.Decode(&pr); err != nil {
		return nil, eris.Wrap(err, "collect: parse player response")
	}
	return &pr, nil
}

// pickCaptionTrack prefers a manual track in the first matching preferred
// language, then an auto track in a preferred language, then any manual
// track, then anything.
func pickCaptionTrack(tracks []captionTrack, langs []string) (captionTrack, bool) {
	if len(tracks) == 0 {
		return captionTrack{}, false
	}
	for _, lang := range langs {
		for _, t := range tracks {
			if t.LanguageCode == lang && t.Kind != "asr" {
				return t, true
			}
		}
	}
	for _, lang := range langs {
		for _, t := range tracks {
			if t.LanguageCode == lang {
				return t, true
			}
		}
	}
	for _, t := range tracks {
		if t.Kind != "asr" {
			return t, true
		}
	}
	return tracks[0], true
}

func trackSource(kind string) string {
	if kind == "asr" {
		return "auto"
	}
	return "manual"
}

// fetchCaptionTrack downloads a caption track URL as json3 and parses it.
func fetchCaptionTrack(ctx context.Context, hc *http.Client, baseURL, videoID, lang, source string) ([]model.TranscriptSegment, error) {
	u := baseURL
	if !strings.Contains(u, "fmt=") {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "fmt=json3"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "collect: build caption request")
	}
	req.Header.Set("User-Agent", watchPageUA)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "collect: fetch caption track")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "collect: read caption track")
	}
	if blocked, kind := guard.DetectBlock(resp.StatusCode, string(raw), 0); blocked {
		return nil, &BlockError{Kind: kind, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("collect: caption track status %d", resp.StatusCode)
	}

	return parseJSON3(raw, videoID, lang, source)
}

// YtdlpTranscriptProvider lists subtitle tracks through yt-dlp metadata and
// downloads the selected track directly.
type YtdlpTranscriptProvider struct {
	yt    *ytdlp.Client
	hc    *http.Client
	langs []string
}

// NewYtdlpTranscriptProvider creates the yt-dlp transcript provider.
func NewYtdlpTranscriptProvider(yt *ytdlp.Client, hc *http.Client, langs []string) *YtdlpTranscriptProvider {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &YtdlpTranscriptProvider{yt: yt, hc: hc, langs: langs}
}

func (p *YtdlpTranscriptProvider) Name() string { return "ytdlp" }

func (p *YtdlpTranscriptProvider) Supports(model.Unit) bool { return true }

func (p *YtdlpTranscriptProvider) Collect(ctx context.Context, unit model.Unit) (*Result, error) {
	info, err := p.yt.VideoInfo(ctx, model.WatchURL(unit.VideoID))
	if err != nil {
		if blocked, kind := guard.DetectBlock(0, err.Error(), 0); blocked {
			return nil, &BlockError{Kind: kind}
		}
		return nil, eris.Wrapf(err, "collect: yt-dlp video info for %s", unit.VideoID)
	}

	lang, trackURL, source := pickSubtitleTrack(info, p.langs)
	if trackURL == "" {
		return nil, eris.Errorf("collect: no subtitle tracks for %s", unit.VideoID)
	}

	segs, err := fetchCaptionTrack(ctx, p.hc, trackURL, unit.VideoID, lang, source)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("collect: yt-dlp subtitle track fetched",
		zap.String("video", unit.VideoID),
		zap.String("lang", lang),
		zap.String("source", source),
		zap.Int("segments", len(segs)),
	)
	return &Result{Segments: segs}, nil
}

// pickSubtitleTrack chooses a track from yt-dlp metadata: manual subtitles
// in a preferred language first, then automatic captions. The json3 variant
// is preferred within a track list.
func pickSubtitleTrack(info *ytdlp.VideoInfo, langs []string) (lang, url, source string) {
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	for _, l := range langs {
		if tracks, ok := info.Subtitles[l]; ok {
			if u := bestTrackURL(tracks); u != "" {
				return l, u, "manual"
			}
		}
	}
	for _, l := range langs {
		if tracks, ok := info.AutomaticCaptions[l]; ok {
			if u := bestTrackURL(tracks); u != "" {
				return l, u, "auto"
			}
		}
	}
	for l, tracks := range info.Subtitles {
		if u := bestTrackURL(tracks); u != "" {
			return l, u, "manual"
		}
	}
	return "", "", ""
}

func bestTrackURL(tracks []ytdlp.SubtitleTrack) string {
	for _, t := range tracks {
		if t.Ext == "json3" {
			return t.URL
		}
	}
	for _, t := range tracks {
		if t.URL != "" {
			return t.URL
		}
	}
	return ""
}

// TimedtextTranscriptProvider hits the legacy timedtext endpoint. It only
// works for videos with manual captions but needs neither a page fetch nor
// a subprocess, which makes it a cheap last resort.
type TimedtextTranscriptProvider struct {
	hc      *http.Client
	langs   []string
	baseURL string
}

// NewTimedtextTranscriptProvider creates the legacy-endpoint provider.
func NewTimedtextTranscriptProvider(hc *http.Client, langs []string) *TimedtextTranscriptProvider {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &TimedtextTranscriptProvider{
		hc:      hc,
		langs:   langs,
		baseURL: "https://video.google.com/timedtext",
	}
}

// WithBaseURL overrides the endpoint, for tests.
func (p *TimedtextTranscriptProvider) WithBaseURL(u string) *TimedtextTranscriptProvider {
	p.baseURL = u
	return p
}

func (p *TimedtextTranscriptProvider) Name() string { return "timedtext" }

func (p *TimedtextTranscriptProvider) Supports(model.Unit) bool { return true }

func (p *TimedtextTranscriptProvider) Collect(ctx context.Context, unit model.Unit) (*Result, error) {
	langs := p.langs
	if len(langs) == 0 {
		langs = []string{"en"}
	}

	var lastErr error
	for _, lang := range langs {
		q := url.Values{}
		q.Set("v", unit.VideoID)
		q.Set("lang", lang)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+q.Encode(), nil)
		if err != nil {
			return nil, eris.Wrap(err, "collect: build timedtext request")
		}
		req.Header.Set("User-Agent", watchPageUA)

		resp, err := p.hc.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "collect: timedtext request")
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		if err != nil {
			return nil, eris.Wrap(err, "collect: read timedtext response")
		}
		if blocked, kind := guard.DetectBlock(resp.StatusCode, string(raw), 0); blocked {
			return nil, &BlockError{Kind: kind, StatusCode: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK || len(raw) == 0 {
			lastErr = eris.Errorf("collect: timedtext empty for %s lang %s", unit.VideoID, lang)
			continue
		}

		segs, err := parseTimedtext(raw, unit.VideoID, lang, "manual")
		if err != nil {
			lastErr = err
			continue
		}
		if len(segs) == 0 {
			lastErr = eris.Errorf("collect: timedtext empty for %s lang %s", unit.VideoID, lang)
			continue
		}
		return &Result{Segments: segs}, nil
	}

	if lastErr == nil {
		lastErr = eris.Errorf("collect: timedtext found nothing for %s", unit.VideoID)
	}
	return nil, lastErr
}
