package airouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutKeyIsNil(t *testing.T) {
	assert.Nil(t, New(Config{}))
}

func TestInferCallsProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hi"}},
			},
		})
	}))
	defer srv.Close()

	r := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NotNil(t, r)

	opts := json.RawMessage(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"say hi"}]}`)
	raw, err := r.Infer(context.Background(), opts)
	require.NoError(t, err)

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
}

func TestInferRejectsEmptyMessages(t *testing.T) {
	r := New(Config{APIKey: "k"})
	_, err := r.Infer(context.Background(), json.RawMessage(`{"model":"m","messages":[]}`))
	assert.Error(t, err)
}
