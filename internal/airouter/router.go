// Package airouter backs the AI step tools with an OpenAI-compatible
// chat-completion client. One Router is shared per client instance; the
// engine hands it to step tools through the run state.
package airouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Router performs inference calls against one OpenAI-compatible provider.
type Router struct {
	client *openai.Client
}

// Config selects the provider. BaseURL is optional and supports any
// OpenAI-compatible endpoint (Azure, a local proxy, a gateway).
type Config struct {
	APIKey  string
	BaseURL string
}

// New builds a Router, or nil if no API key is configured so callers can
// treat AI tooling as absent rather than failing at first use.
func New(cfg Config) *Router {
	if cfg.APIKey == "" {
		return nil
	}
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &Router{client: openai.NewClientWithConfig(c)}
}

// inferRequest mirrors step.InferOpts' wire shape.
type inferRequest struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// Infer implements sdkrequest.Inferencer: one chat-completion call, with
// the provider's raw response returned for memoization.
func (r *Router) Infer(ctx context.Context, opts json.RawMessage) (json.RawMessage, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("airouter: no provider configured")
	}

	var req inferRequest
	if err := json.Unmarshal(opts, &req); err != nil {
		return nil, fmt.Errorf("airouter: decoding inference options: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("airouter: at least one message is required")
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("airouter: chat completion: %w", err)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("airouter: encoding response: %w", err)
	}
	return raw, nil
}
