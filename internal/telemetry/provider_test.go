package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestNewResource(t *testing.T) {
	cfg := &Config{ServiceName: "northstar", ServiceVersion: "0.1.0"}

	res := newResource(cfg)
	require.NotNil(t, res)

	attrs := res.Attributes()
	assert.Contains(t, attrs, semconv.ServiceName("northstar"))
	assert.Contains(t, attrs, semconv.ServiceVersion("0.1.0"))
}

func TestSamplerFor(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(1.0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(2.0).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), samplerFor(0).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), samplerFor(0.25).Description())
}

func TestHostport(t *testing.T) {
	assert.Equal(t, "localhost:4318", hostport("http://localhost:4318"))
	assert.Equal(t, "collector:4318", hostport("https://collector:4318"))
	assert.Equal(t, "localhost:4318", hostport("localhost:4318"))
}
