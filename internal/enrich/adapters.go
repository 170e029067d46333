package enrich

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/vidlab-io/corpus-cli/pkg/anthropic"
	"github.com/vidlab-io/corpus-cli/pkg/llm"
)

// OpenAIModel adapts the OpenAI-compatible client to TextModel and Embedder.
type OpenAIModel struct {
	Client llm.Client
}

func (m OpenAIModel) Complete(ctx context.Context, system, prompt string) (string, error) {
	return m.Client.ChatCompletion(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	})
}

func (m OpenAIModel) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return m.Client.Embeddings(ctx, texts)
}

// ClaudeModel adapts the Anthropic client to TextModel. Claude has no
// embeddings endpoint, so it never satisfies Embedder.
type ClaudeModel struct {
	Client    anthropic.Client
	Model     string
	MaxTokens int64
}

func (m ClaudeModel) Complete(ctx context.Context, system, prompt string) (string, error) {
	maxTokens := m.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	resp, err := m.Client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     m.Model,
		MaxTokens: maxTokens,
		System:    []anthropic.SystemBlock{{Text: system}},
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", eris.New("enrich: claude response had no text block")
}
