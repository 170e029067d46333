package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vidlab-io/corpus-cli/internal/ledger"
	"github.com/vidlab-io/corpus-cli/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	runs := []ledger.Run{{
		RunID:  "20260102T030405Z",
		Status: model.RunStatusComplete,
		Units:  3,
		Aggregates: model.Aggregates{
			UnitsProcessed:    3,
			CommentsCollected: 420,
			TranscriptChunks:  57,
		},
		UpdatedAt: time.Date(2026, 1, 2, 4, 30, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "20260102T030405Z")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "420")
	assert.Contains(t, out, "2026-01-02 04:30")
}

func TestFormatAttemptsTruncatesLongErrors(t *testing.T) {
	attempts := []model.ProviderAttempt{{
		Provider: "web_comments",
		Unit:     "dQw4w9WgXcQ",
		Asset:    model.AssetComments,
		Outcome:  model.AttemptFailed,
		Latency:  1500 * time.Millisecond,
		Error:    "this error message is considerably longer than forty characters in total",
	}}

	var buf bytes.Buffer
	formatAttempts(&buf, attempts)

	out := buf.String()
	assert.Contains(t, out, "web_comments")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, "in total")
}
