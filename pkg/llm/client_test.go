package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "test-model", payload["model"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hello"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAPIKey("test-key"), WithModel("test-model"), WithRateLimit(0))

	content, err := c.ChatCompletion(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", content)
}

func TestChatCompletion_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(0))

	_, err := c.ChatCompletion(context.Background(), ChatRequest{})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
}

func TestEmbeddings_OrderedByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		// Return out of order; the client must reorder by index.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{0.4, 0.5}},
				{"index": 0, "embedding": []float64{0.1, 0.2}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(0))

	vecs, err := c.Embeddings(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	require.Len(t, vecs, 2)
	assert.Equal(t, []float64{0.1, 0.2}, vecs[0])
	assert.Equal(t, []float64{0.4, 0.5}, vecs[1])
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"plain", `{"results": [{"id": "1"}]}`},
		{"fenced", "```json\n{\"results\": [{\"id\": \"1\"}]}\n```"},
		{"with prose", "Here you go:\n{\"results\": [{\"id\": \"1\"}]}\nHope that helps!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				Results []struct {
					ID string `json:"id"`
				} `json:"results"`
			}
			require.NoError(t, ParseJSON(tt.in, &out))
			require.Len(t, out.Results, 1)
			assert.Equal(t, "1", out.Results[0].ID)
		})
	}
}

func TestParseJSON_Unparseable(t *testing.T) {
	var out map[string]any
	err := ParseJSON("sorry, I cannot help with that", &out)
	assert.Error(t, err)
}
