// Package morph implements the patch apply capability on the Morph Fast
// Apply API. The service merges an update block carrying
// "// ... existing code ..." markers into the current file content.
package morph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/config"
)

const (
	defaultBaseURL = "https://api.morphllm.com/v1"
	defaultModel   = "morph-v3-fast"
)

// APIError reports a failed or malformed Fast Apply response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("morph API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("morph API error: %s", e.Message)
}

// Config holds Morph client configuration.
type Config struct {
	APIKey  config.Secret
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client is a Morph-backed patch apply session. It is stateless: the same
// inputs yield the same merge.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

var _ capability.PatchApplier = (*Client)(nil)
var _ capability.Client = (*Client)(nil)

// NewClient creates a Morph client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("morph API key not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

// Capability implements capability.Client.
func (c *Client) Capability() capability.Tag { return capability.TagPatchApply }

// Close implements capability.Client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Merge applies patchBlock to original via the Fast Apply endpoint.
func (c *Client) Merge(ctx context.Context, instruction, original, patchBlock string) (string, error) {
	content := fmt.Sprintf("<instruction>%s</instruction>\n<code>%s</code>\n<update>%s</update>",
		instruction, original, patchBlock)

	body, err := json.Marshal(chatRequest{
		Model:    c.config.Model,
		Messages: []chatMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return "", fmt.Errorf("encoding merge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building merge request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey.Value())
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "unexpected response format: " + err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "response carries no choices"}
	}

	merged := parsed.Choices[0].Message.Content
	if strings.TrimSpace(merged) == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "empty merged content"}
	}

	c.logger.Debug("fast apply merge complete",
		zap.Int("original.len", len(original)),
		zap.Int("merged.len", len(merged)),
		zap.Duration("duration", time.Since(start)))
	return merged, nil
}
