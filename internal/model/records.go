package model

import "time"

// Comment is one normalized user comment.
type Comment struct {
	VideoID     string    `json:"video_id"`
	CommentID   string    `json:"comment_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Author      string    `json:"author,omitempty"`
	Text        string    `json:"text"`
	LikeCount   int       `json:"like_count"`
	ReplyCount  int       `json:"reply_count"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	SortMode    SortMode  `json:"sort_mode"`
	Language    string    `json:"language,omitempty"`
}

// TranscriptSegment is one raw caption cue.
type TranscriptSegment struct {
	VideoID  string  `json:"video_id"`
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Source   string  `json:"source"` // "manual", "auto"
	Language string  `json:"lang"`
}

// TranscriptChunk is a time-windowed grouping of segments used as the
// enrichment unit for spoken-word text.
type TranscriptChunk struct {
	VideoID    string  `json:"video_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Source     string  `json:"source"`
	Language   string  `json:"lang"`
}

// EnrichmentRecord is one output row from an enrichment stage. Fields holds
// stage-specific values (polarity, topic label, triple parts, ...).
type EnrichmentRecord struct {
	VideoID   string         `json:"video_id"`
	AssetType AssetType      `json:"asset_type"`
	Stage     string         `json:"stage"`
	ItemID    string         `json:"item_id"`
	Fields    map[string]any `json:"fields"`
}

// AttemptOutcome classifies how a single provider attempt ended.
type AttemptOutcome string

const (
	AttemptOK      AttemptOutcome = "ok"
	AttemptCapped  AttemptOutcome = "capped"
	AttemptFailed  AttemptOutcome = "failed"
	AttemptSkipped AttemptOutcome = "skipped" // circuit open or unsupported
)

// ProviderAttempt records one acquisition try for diagnostics. It is logged
// and optionally persisted to the run ledger, but is not checkpoint state.
type ProviderAttempt struct {
	Provider string         `json:"provider"`
	Unit     string         `json:"unit"`
	Asset    AssetType      `json:"asset"`
	Outcome  AttemptOutcome `json:"outcome"`
	Items    int            `json:"items"`
	Latency  time.Duration  `json:"latency_ms"`
	ErrClass string         `json:"err_class,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// FailureRecord describes a terminal per-unit/per-stage failure. Created on
// failure, never mutated afterward.
type FailureRecord struct {
	Stage     string    `json:"stage"`
	VideoID   string    `json:"video_id"`
	ErrKind   string    `json:"err_kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
