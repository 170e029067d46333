// Package model defines the core types shared across the collection and
// enrichment pipeline.
package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// AssetType identifies what kind of asset a collection stage acquires.
type AssetType string

const (
	AssetComments   AssetType = "comments"
	AssetTranscript AssetType = "transcript"
)

// SortMode selects the comment ordering exposed by the video page.
type SortMode string

const (
	SortTop    SortMode = "top"
	SortNewest SortMode = "newest"
)

// Unit is the atomic subject of pipeline progress: one video plus the
// asset being collected for it. Title is advisory and may be empty.
type Unit struct {
	VideoID string `json:"video_id"`
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
}

// Key returns the checkpoint key for this unit.
func (u Unit) Key() string {
	return u.VideoID
}

func (u Unit) String() string {
	return u.VideoID
}

var bareVideoID = regexp.MustCompile(`^[\w-]{11}$`)

var videoIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`youtube\.com/watch\?.*v=([\w-]{11})`),
	regexp.MustCompile(`youtu\.be/([\w-]{11})`),
	regexp.MustCompile(`youtube\.com/embed/([\w-]{11})`),
	regexp.MustCompile(`youtube\.com/v/([\w-]{11})`),
}

// ExtractVideoID parses a video ID out of the common watch-page URL forms,
// or accepts a bare 11-character ID.
func ExtractVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if bareVideoID.MatchString(raw) {
		return raw, nil
	}
	for _, p := range videoIDPatterns {
		if m := p.FindStringSubmatch(raw); m != nil {
			return m[1], nil
		}
	}
	return "", eris.Errorf("model: cannot extract video ID from %q", raw)
}

// WatchURL returns the canonical watch-page URL for a video ID.
func WatchURL(videoID string) string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", videoID)
}
