// Package enrich runs the per-unit enrichment stages over collected
// comments and transcript chunks. Each stage makes its own model calls,
// checkpoints per call, and fails without touching its siblings.
package enrich

import (
	"context"
	"fmt"

	"github.com/vidlab-io/corpus-cli/internal/guard"
	"github.com/vidlab-io/corpus-cli/internal/model"
)

// Item is one enrichment input: a comment or a transcript chunk reduced to
// its identity and text.
type Item struct {
	ID   string
	Text string
}

// ItemsFromComments converts comments for enrichment.
func ItemsFromComments(comments []model.Comment) []Item {
	out := make([]Item, 0, len(comments))
	for _, c := range comments {
		if c.Text == "" {
			continue
		}
		out = append(out, Item{ID: c.CommentID, Text: c.Text})
	}
	return out
}

// ItemsFromChunks converts transcript chunks for enrichment.
func ItemsFromChunks(chunks []model.TranscriptChunk) []Item {
	out := make([]Item, 0, len(chunks))
	for _, ch := range chunks {
		if ch.Text == "" {
			continue
		}
		out = append(out, Item{ID: fmt.Sprintf("chunk_%d", ch.ChunkIndex), Text: ch.Text})
	}
	return out
}

// TextModel is a chat-capable model backend. Both the OpenAI-compatible
// client and the Claude client adapt to it.
type TextModel interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Embedder computes embedding vectors for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// RecordWriter persists enrichment output rows.
type RecordWriter interface {
	WriteEnrichment(rec model.EnrichmentRecord) error
}

// Checkpointer is the slice of the checkpoint store the runner needs for
// call-level resume.
type Checkpointer interface {
	MarkCall(unit, stage, call string) error
	CallDone(unit, stage, call string) bool
}

// Config holds enrichment tunables. Zero values fall back to defaults.
type Config struct {
	// TranslateTarget is a BCP 47 language tag; empty disables translation.
	TranslateTarget string

	TranslateBatch int // default 20
	EmbedBatch     int // default 100
	SentimentBatch int // default 50
	TriplesBatch   int // default 20

	// TopicSampleMax bounds how many items one topics call sees. Default 200.
	TopicSampleMax int

	// EmbeddingsFallbackToSampling turns an embeddings failure into a
	// degraded success instead of a stage failure.
	EmbeddingsFallbackToSampling bool

	// MaxTextLen truncates each item before prompting. Default 500.
	MaxTextLen int
}

func (c Config) withDefaults() Config {
	if c.TranslateBatch <= 0 {
		c.TranslateBatch = 20
	}
	if c.EmbedBatch <= 0 {
		c.EmbedBatch = 100
	}
	if c.SentimentBatch <= 0 {
		c.SentimentBatch = 50
	}
	if c.TriplesBatch <= 0 {
		c.TriplesBatch = 20
	}
	if c.TopicSampleMax <= 0 {
		c.TopicSampleMax = 200
	}
	if c.MaxTextLen <= 0 {
		c.MaxTextLen = 500
	}
	return c
}

// Runner executes enrichment stages. A nil model disables LLM-backed paths
// (stages fall back to their heuristics where one exists); a nil embedder
// disables embeddings.
type Runner struct {
	cfg      Config
	model    TextModel
	embedder Embedder
	writer   RecordWriter
	cp       Checkpointer
	guard    *guard.Guard
}

// NewRunner wires an enrichment runner.
func NewRunner(cfg Config, m TextModel, e Embedder, w RecordWriter, cp Checkpointer, g *guard.Guard) *Runner {
	return &Runner{
		cfg:      cfg.withDefaults(),
		model:    m,
		embedder: e,
		writer:   w,
		cp:       cp,
		guard:    g,
	}
}

// HasModel reports whether an LLM backend is configured.
func (r *Runner) HasModel() bool { return r.model != nil }

// HasEmbedder reports whether an embeddings backend is configured.
func (r *Runner) HasEmbedder() bool { return r.embedder != nil }

// acquire throttles one outbound call through the shared guard. The
// returned release must be called when the call finishes.
func (r *Runner) acquire(ctx context.Context, unit string) (func(), error) {
	if r.guard == nil {
		return func() {}, nil
	}
	return r.guard.Acquire(ctx, unit)
}

// complete runs one guarded model call.
func (r *Runner) complete(ctx context.Context, unit, system, prompt string) (string, error) {
	release, err := r.acquire(ctx, unit)
	if err != nil {
		return "", err
	}
	defer release()
	return r.model.Complete(ctx, system, prompt)
}

func (r *Runner) clip(s string) string {
	if len(s) <= r.cfg.MaxTextLen {
		return s
	}
	return s[:r.cfg.MaxTextLen]
}

// batches splits items into fixed-size windows.
func batches(items []Item, size int) [][]Item {
	if len(items) == 0 {
		return nil
	}
	var out [][]Item
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func callKey(i int) string { return fmt.Sprintf("batch_%d", i) }

func excerpt(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200]
}
