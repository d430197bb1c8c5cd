package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(&Config{
		APIKey:    config.Secret("phx-test"),
		ProjectID: "42",
		BaseURL:   srv.URL,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(&Config{ProjectID: "42"}, zap.NewNop())
	require.Error(t, err)

	_, err = NewClient(&Config{APIKey: config.Secret("k")}, zap.NewNop())
	require.Error(t, err)
}

func TestQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/projects/42/query", r.URL.Path)
		assert.Equal(t, "Bearer phx-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		query := body["query"].(map[string]any)
		assert.Equal(t, "TrendsQuery", query["kind"])
		assert.Equal(t, "-7d", query["dateRange"].(map[string]any)["date_from"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{
					"days": []string{"2026-08-29", "2026-08-30", "2026-08-31"},
					"data": []float64{100, 120, 95},
				},
			},
		})
	})

	series, err := c.Query(context.Background(), "checkout_conversion", 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, 120.0, series[1].Value)
	assert.Equal(t, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), series[1].Timestamp)
}

func TestQuerySubDayWindow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		query := body["query"].(map[string]any)
		assert.Equal(t, "-1d", query["dateRange"].(map[string]any)["date_from"])
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	})

	series, err := c.Query(context.Background(), "signups", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, series)
}

func TestQueryServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail": "invalid key"}`))
	})

	_, err := c.Query(context.Background(), "signups", 24*time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSummarize(t *testing.T) {
	day := func(d int, v float64) capability.Point {
		return capability.Point{Timestamp: time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC), Value: v}
	}

	assert.Contains(t, Summarize("dau", nil), "No data")

	s := Summarize("dau", capability.Series{day(29, 100), day(30, 120)})
	assert.Contains(t, s, "dau")
	assert.Contains(t, s, "220 total")
	assert.Contains(t, s, "latest 120 (up)")

	s = Summarize("dau", capability.Series{day(29, 100), day(30, 80)})
	assert.Contains(t, s, "(down)")

	s = Summarize("dau", capability.Series{day(29, 100)})
	assert.Contains(t, s, "(flat)")
}

func TestClientCapability(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	assert.Equal(t, capability.TagAnalytics, c.Capability())
	assert.NoError(t, c.Close())
}
