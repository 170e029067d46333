package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/pkg/ytdlp"
)

const fakeJSON3 = `{
	"events": [
		{"tStartMs": 0, "dDurationMs": 2500, "segs": [{"utf8": "hello "}, {"utf8": "world"}]},
		{"tStartMs": 1000, "dDurationMs": 0, "segs": [{"utf8": "\n"}]},
		{"tStartMs": 2500, "dDurationMs": 3000, "segs": [{"utf8": "second cue"}]}
	]
}`

func TestPlayerTranscriptProvider_Collect(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/watch":
			fmt.Fprintf(w, `<html><script>var ytInitialPlayerResponse = {"captions":{"playerCaptionsTracklistRenderer":{"captionTracks":[
				{"baseUrl":"%s/caps?lang=en","languageCode":"en","kind":"asr"},
				{"baseUrl":"%s/caps?lang=en&manual=1","languageCode":"en"}
			]}}};var other = 1;</script></html>`, srvURL, srvURL)
		case "/caps":
			assert.Equal(t, "1", r.URL.Query().Get("manual"), "manual track preferred over asr")
			assert.Equal(t, "json3", r.URL.Query().Get("fmt"))
			fmt.Fprint(w, fakeJSON3)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	p := NewPlayerTranscriptProvider(srv.Client(), []string{"en"}).WithBaseURL(srv.URL)
	res, err := p.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "hello world", res.Segments[0].Text)
	assert.Equal(t, 0.0, res.Segments[0].Start)
	assert.Equal(t, 2.5, res.Segments[0].Duration)
	assert.Equal(t, "manual", res.Segments[0].Source)
	assert.Equal(t, "second cue", res.Segments[1].Text)
}

func TestPlayerTranscriptProvider_NoTracks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><script>var ytInitialPlayerResponse = {"captions":{}};</script></html>`)
	}))
	defer srv.Close()

	p := NewPlayerTranscriptProvider(srv.Client(), []string{"en"}).WithBaseURL(srv.URL)
	_, err := p.Collect(context.Background(), testUnit)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no caption tracks")
}

func TestPlayerTranscriptProvider_ConsentPageIsBlockError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>Before you continue to YouTube</html>`)
	}))
	defer srv.Close()

	p := NewPlayerTranscriptProvider(srv.Client(), nil).WithBaseURL(srv.URL)
	_, err := p.Collect(context.Background(), testUnit)

	var blocked *BlockError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, guard.DetectConsent, blocked.Kind)
}

func TestYtdlpTranscriptProvider_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fakeJSON3)
	}))
	defer srv.Close()

	fr := &fakeYtdlpRunner{out: []byte(fmt.Sprintf(`{
		"id": "vid0000000A",
		"subtitles": {"en": [{"ext": "vtt", "url": "%s/t.vtt"}, {"ext": "json3", "url": "%s/t.json3"}]},
		"automatic_captions": {"en": [{"ext": "json3", "url": "%s/auto.json3"}]}
	}`, srv.URL, srv.URL, srv.URL))}
	yt := ytdlp.NewClient(ytdlp.WithRunner(fr))

	p := NewYtdlpTranscriptProvider(yt, srv.Client(), []string{"en"})
	res, err := p.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "manual", res.Segments[0].Source)
	assert.Equal(t, "en", res.Segments[0].Language)
}

func TestYtdlpTranscriptProvider_FallsBackToAutoCaptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fakeJSON3)
	}))
	defer srv.Close()

	fr := &fakeYtdlpRunner{out: []byte(fmt.Sprintf(`{
		"id": "vid0000000A",
		"subtitles": {},
		"automatic_captions": {"en": [{"ext": "json3", "url": "%s/auto.json3"}]}
	}`, srv.URL))}
	yt := ytdlp.NewClient(ytdlp.WithRunner(fr))

	p := NewYtdlpTranscriptProvider(yt, srv.Client(), []string{"en"})
	res, err := p.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	assert.Equal(t, "auto", res.Segments[0].Source)
}

func TestTimedtextProvider_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vid0000000A", r.URL.Query().Get("v"))
		if r.URL.Query().Get("lang") != "de" {
			return // empty body, provider should try next language
		}
		fmt.Fprint(w, `<?xml version="1.0" encoding="utf-8"?>
<transcript>
  <text start="0.5" dur="2">erste Zeile</text>
  <text start="2.5" dur="3">&amp;quot;zitiert&amp;quot;</text>
</transcript>`)
	}))
	defer srv.Close()

	p := NewTimedtextTranscriptProvider(srv.Client(), []string{"en", "de"}).WithBaseURL(srv.URL)
	res, err := p.Collect(context.Background(), testUnit)

	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "erste Zeile", res.Segments[0].Text)
	assert.Equal(t, 0.5, res.Segments[0].Start)
	assert.Equal(t, `"zitiert"`, res.Segments[1].Text, "double-encoded entities unescaped")
	assert.Equal(t, "de", res.Segments[0].Language)
}

func TestTimedtextProvider_NothingFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := NewTimedtextTranscriptProvider(srv.Client(), []string{"en"}).WithBaseURL(srv.URL)
	_, err := p.Collect(context.Background(), testUnit)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timedtext empty")
}

func TestPickCaptionTrack(t *testing.T) {
	manualEN := captionTrack{BaseURL: "m-en", LanguageCode: "en"}
	autoEN := captionTrack{BaseURL: "a-en", LanguageCode: "en", Kind: "asr"}
	manualFR := captionTrack{BaseURL: "m-fr", LanguageCode: "fr"}

	tests := []struct {
		name   string
		tracks []captionTrack
		langs  []string
		want   string
		ok     bool
	}{
		{"manual preferred lang", []captionTrack{autoEN, manualEN}, []string{"en"}, "m-en", true},
		{"auto when no manual in lang", []captionTrack{autoEN, manualFR}, []string{"en"}, "a-en", true},
		{"any manual when lang missing", []captionTrack{autoEN, manualFR}, []string{"ja"}, "m-fr", true},
		{"first track last resort", []captionTrack{autoEN}, []string{"ja"}, "a-en", true},
		{"empty", nil, []string{"en"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickCaptionTrack(tt.tracks, tt.langs)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got.BaseURL)
		})
	}
}
