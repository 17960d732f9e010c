package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := GlobalLogger
	var buf bytes.Buffer
	SetGlobalLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { GlobalLogger = prev })
	return &buf
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{ServiceName: "plaza-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	span, ctx := StartServiceSpan(context.Background(), "feed", "ComposeForYou")
	assert.NotNil(t, ctx)
	span.SetError(errors.New("ignored by a no-op span"))
	span.SetError(nil)
	span.End()
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{
		ServiceName: "plaza-test",
		Enabled:     true,
		Exporter:    "carrier-pigeon",
	})
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestSamplerFor(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(1).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(2.5).Description())
	assert.Contains(t, samplerFor(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestLogQuarantine(t *testing.T) {
	buf := captureLogs(t)
	before := testutil.ToFloat64(QuarantinedDocuments.WithLabelValues("posts"))

	LogQuarantine(context.Background(), "posts", "p1", errors.New("likes is not a list"))

	assert.Equal(t, before+1, testutil.ToFloat64(QuarantinedDocuments.WithLabelValues("posts")))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "quarantined malformed document", entry["msg"])
	assert.Equal(t, "p1", entry["document_id"])
}

func TestWSLogger_RespectsConfig(t *testing.T) {
	buf := captureLogs(t)
	log := NewWSLogger("notifications")

	log.LogConnect(context.Background(), "u1")
	assert.Contains(t, buf.String(), `"hub":"notifications"`)

	buf.Reset()
	Config.EnableWSLogging = false
	t.Cleanup(func() { Config.EnableWSLogging = true })
	log.LogDisconnect(context.Background(), "u1", "closed")
	log.LogError(context.Background(), "u1", errors.New("boom"), "read")
	assert.Empty(t, buf.String())
}

func TestObserveStore(t *testing.T) {
	before := testutil.CollectAndCount(StoreOperationLatency)

	ObserveStore("query", "observability_test", time.Now(), nil)
	ObserveStore("query", "observability_test", time.Now(), errors.New("timeout"))

	assert.Equal(t, before+2, testutil.CollectAndCount(StoreOperationLatency))
}
