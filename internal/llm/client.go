// Package llm provides chat completion via langchaingo.
//
// It wraps langchaingo's OpenAI-compatible client so any endpoint speaking
// that protocol can back the classifier and the proposal generator.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/fyrsmithlabs/northstar/internal/config"
)

// ErrEmptyCompletion indicates the model returned no content.
var ErrEmptyCompletion = errors.New("model returned empty completion")

// Completer is the narrow contract consumers depend on.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Client generates completions against an OpenAI-compatible endpoint.
type Client struct {
	model llms.Model
}

// New creates a client from config.
func New(cfg config.LLMConfig) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey.IsSet() {
		opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &Client{model: model}, nil
}

// Complete sends a system+user prompt pair and returns the first choice.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	msgs := []llms.MessageContent{}
	if system != "" {
		msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeSystem, system))
	}
	msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeHuman, prompt))

	resp, err := c.model.GenerateContent(ctx, msgs, llms.WithTemperature(0.2))
	if err != nil {
		return "", fmt.Errorf("generating completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Content, nil
}
