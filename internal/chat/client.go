// Package chat implements the chat transport capability on the Slack Web
// API. Delivery is best-effort: callers log send failures and move on.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/config"
)

const defaultBaseURL = "https://slack.com/api"

// Config holds Slack client configuration.
type Config struct {
	BotToken config.Secret
	BaseURL  string
	Timeout  time.Duration
}

// Client is a Slack-backed chat transport session.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

var _ capability.ChatTransport = (*Client)(nil)
var _ capability.Client = (*Client)(nil)

// NewClient creates a Slack client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if !cfg.BotToken.IsSet() {
		return nil, errors.New("slack bot token not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
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
func (c *Client) Capability() capability.Tag { return capability.TagChat }

// Close implements capability.Client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Send posts text to a channel via chat.postMessage.
func (c *Client) Send(ctx context.Context, channel, text string) error {
	body, err := json.Marshal(map[string]string{
		"channel": channel,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building message request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.BotToken.Value())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting message to %s: %w", channel, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading message response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("posting message to %s: status %d", channel, resp.StatusCode)
	}

	var parsed postMessageResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decoding message response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("slack rejected message to %s: %s", channel, parsed.Error)
	}

	c.logger.Debug("chat message delivered",
		zap.String("chat.channel", channel),
		zap.Int("text.len", len(text)))
	return nil
}
