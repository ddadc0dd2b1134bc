package tracer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"transactor-client/internal/infra/config"
)

func TestSetupInstallsNoop(t *testing.T) {
	for _, cfg := range []config.TracerConfig{
		{Enabled: false, Exporter: "stdout"},
		{Enabled: true, Exporter: "noop"},
		{Enabled: true, Exporter: ""},
	} {
		shutdown, err := Setup(context.Background(), cfg)
		require.NoError(t, err)
		assert.IsType(t, noop.TracerProvider{}, otel.GetTracerProvider(), "%+v", cfg)
		assert.NoError(t, shutdown(context.Background()))
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	assert.ErrorContains(t, err, "unsupported exporter")
}

func TestSetupStdoutToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout", Endpoint: path})
	require.NoError(t, err)

	_, span := StartCall(context.Background(), "findAll", "ws-1", "ws")
	Finish(span, nil)
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "transactor.findAll")
	assert.Contains(t, string(data), serviceName)

	otel.SetTracerProvider(noop.NewTracerProvider())
}

func TestSetupStdoutBadEndpoint(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout", Endpoint: "/nonexistent/dir/spans.json"})
	assert.ErrorContains(t, err, "open trace output")
}

func TestStartCallAndFinish(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, span := StartCall(context.Background(), "findAll", "ws-1", "ws")
	Finish(span, nil)
	_, span = StartCall(context.Background(), "tx", "ws-1", "http")
	Finish(span, errors.New("boom"))

	ended := rec.Ended()
	require.Len(t, ended, 2)

	ok := ended[0]
	assert.Equal(t, "transactor.findAll", ok.Name())
	assert.Equal(t, trace.SpanKindClient, ok.SpanKind())
	assert.Equal(t, codes.Ok, ok.Status().Code)
	assert.Contains(t, ok.Attributes(), attribute.String(AttrWorkspace, "ws-1"))
	assert.Contains(t, ok.Attributes(), attribute.String(AttrTransport, "ws"))

	failed := ended[1]
	assert.Equal(t, "transactor.tx", failed.Name())
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "boom", failed.Status().Description)
	require.Len(t, failed.Events(), 1)
	assert.Equal(t, "exception", failed.Events()[0].Name)
}
