// Package ytdlp wraps the yt-dlp binary for metadata, subtitle, comment
// and playlist extraction.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Runner executes one yt-dlp invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	bin string
}

func (r *execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "ytdlp: %s failed: %s", r.bin, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, eris.New("ytdlp: empty output")
	}
	return stdout.Bytes(), nil
}

// Installed reports whether the yt-dlp binary is on PATH.
func Installed(bin string) bool {
	if bin == "" {
		bin = "yt-dlp"
	}
	_, err := exec.LookPath(bin)
	return err == nil
}

// Client is a high-level yt-dlp wrapper.
type Client struct {
	runner  Runner
	timeout time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithRunner substitutes the subprocess runner (used by tests).
func WithRunner(r Runner) Option {
	return func(c *Client) { c.runner = r }
}

// WithBinary overrides the yt-dlp binary path.
func WithBinary(bin string) Option {
	return func(c *Client) { c.runner = &execRunner{bin: bin} }
}

// WithTimeout bounds each invocation. Default: 120s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a yt-dlp client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		runner:  &execRunner{bin: "yt-dlp"},
		timeout: 120 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubtitleTrack is one downloadable caption format.
type SubtitleTrack struct {
	Ext string `json:"ext"`
	URL string `json:"url"`
}

// VideoInfo is the subset of yt-dlp's -J output the pipeline consumes.
type VideoInfo struct {
	ID                string                     `json:"id"`
	Title             string                     `json:"title"`
	Uploader          string                     `json:"uploader"`
	Duration          float64                    `json:"duration"`
	ViewCount         int64                      `json:"view_count"`
	Subtitles         map[string][]SubtitleTrack `json:"subtitles"`
	AutomaticCaptions map[string][]SubtitleTrack `json:"automatic_captions"`
	Comments          []RawComment               `json:"comments"`
}

// RawComment is one comment as emitted by yt-dlp's --write-comments.
type RawComment struct {
	ID        string  `json:"id"`
	Parent    string  `json:"parent"` // "root" for top-level
	Author    string  `json:"author"`
	Text      string  `json:"text"`
	LikeCount int     `json:"like_count"`
	Timestamp float64 `json:"timestamp"`
}

// PlaylistEntry is one row of a flat-playlist listing.
type PlaylistEntry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type playlistInfo struct {
	Entries []PlaylistEntry `json:"entries"`
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.runner.Run(ctx, args...)
}

// VideoInfo fetches video metadata including available subtitle tracks.
func (c *Client) VideoInfo(ctx context.Context, url string) (*VideoInfo, error) {
	out, err := c.run(ctx, "-J", "--skip-download", "--no-playlist", url)
	if err != nil {
		return nil, err
	}

	var info VideoInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, eris.Wrap(err, "ytdlp: parse video info")
	}
	return &info, nil
}

// Comments fetches up to maxComments comments for a video. sort is the
// extractor's comment ordering ("top" or "new"); empty keeps the default.
func (c *Client) Comments(ctx context.Context, url string, maxComments int, sort string) ([]RawComment, error) {
	args := []string{"-J", "--skip-download", "--no-playlist", "--write-comments"}
	extractorArgs := ""
	if maxComments > 0 {
		extractorArgs = fmt.Sprintf("youtube:max_comments=%d,all,all,all", maxComments)
	}
	if sort != "" {
		if extractorArgs == "" {
			extractorArgs = "youtube:comment_sort=" + sort
		} else {
			extractorArgs += ";comment_sort=" + sort
		}
	}
	if extractorArgs != "" {
		args = append(args, "--extractor-args", extractorArgs)
	}
	args = append(args, url)

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var info VideoInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, eris.Wrap(err, "ytdlp: parse comments")
	}
	return info.Comments, nil
}

// FlatPlaylist lists playlist or channel entries without resolving each
// video. limit bounds the number of entries (0 = unbounded).
func (c *Client) FlatPlaylist(ctx context.Context, url string, limit int) ([]PlaylistEntry, error) {
	args := []string{"--flat-playlist", "-J"}
	if limit > 0 {
		args = append(args, "--playlist-end", fmt.Sprintf("%d", limit))
	}
	args = append(args, url)

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var info playlistInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, eris.Wrap(err, "ytdlp: parse playlist")
	}
	return info.Entries, nil
}

// Search resolves a search term to up to n video entries.
func (c *Client) Search(ctx context.Context, term string, n int) ([]PlaylistEntry, error) {
	if n <= 0 {
		n = 10
	}
	return c.FlatPlaylist(ctx, fmt.Sprintf("ytsearch%d:%s", n, term), 0)
}
