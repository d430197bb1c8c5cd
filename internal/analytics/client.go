// Package analytics implements the analytics capability on the PostHog
// query API. Queries are read-only; the agent never writes events.
package analytics

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

const defaultBaseURL = "https://us.posthog.com"

// Config holds PostHog client configuration.
type Config struct {
	APIKey    config.Secret
	ProjectID string
	BaseURL   string
	Timeout   time.Duration
}

// Client is a PostHog-backed analytics session.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

var _ capability.AnalyticsSource = (*Client)(nil)
var _ capability.Client = (*Client)(nil)

// NewClient creates a PostHog client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("posthog API key not set")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("posthog project id not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
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
func (c *Client) Capability() capability.Tag { return capability.TagAnalytics }

// Close implements capability.Client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type trendsResponse struct {
	Results []struct {
		Days []string  `json:"days"`
		Data []float64 `json:"data"`
	} `json:"results"`
}

// Query runs a trends query for one event over the trailing window and
// returns the daily series.
func (c *Client) Query(ctx context.Context, metric string, window time.Duration) (capability.Series, error) {
	days := int(window.Hours() / 24)
	if days < 1 {
		days = 1
	}

	body, err := json.Marshal(map[string]any{
		"query": map[string]any{
			"kind":      "TrendsQuery",
			"series":    []map[string]string{{"event": metric}},
			"dateRange": map[string]string{"date_from": fmt.Sprintf("-%dd", days)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	url := fmt.Sprintf("%s/api/projects/%s/query", strings.TrimSuffix(c.config.BaseURL, "/"), c.config.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey.Value())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying metric %s: %w", metric, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading query response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("querying metric %s: status %d: %s", metric, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed trendsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return capability.Series{}, nil
	}

	result := parsed.Results[0]
	series := make(capability.Series, 0, len(result.Data))
	for i, v := range result.Data {
		var ts time.Time
		if i < len(result.Days) {
			ts, _ = time.Parse("2006-01-02", result.Days[i])
		}
		series = append(series, capability.Point{Timestamp: ts, Value: v})
	}

	c.logger.Debug("analytics query complete",
		zap.String("analytics.metric", metric),
		zap.Int("series.len", len(series)))
	return series, nil
}

// Summarize renders a series as a short human-readable digest for chat
// replies and proposal prompts.
func Summarize(metric string, series capability.Series) string {
	if len(series) == 0 {
		return fmt.Sprintf("No data for %s in the requested window.", metric)
	}

	var total float64
	for _, p := range series {
		total += p.Value
	}
	latest := series[len(series)-1]

	trend := "flat"
	if len(series) >= 2 {
		prev := series[len(series)-2].Value
		switch {
		case latest.Value > prev:
			trend = "up"
		case latest.Value < prev:
			trend = "down"
		}
	}

	return fmt.Sprintf("%s: %.0f total over %d days, latest %.0f (%s)",
		metric, total, len(series), latest.Value, trend)
}
