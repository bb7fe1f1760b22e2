package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProvider_RecordsSpans(t *testing.T) {
	ctx := context.Background()
	rec := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(ctx, Config{Version: "test"}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := Tracer().Start(ctx, "tick")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "tick", ended[0].Name())
	require.Equal(t, InstrumentationName, ended[0].InstrumentationScope().Name)
}

func TestInitTracerProvider_StdoutExporter(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	tp, err := InitTracerProvider(ctx, Config{ServiceName: "mirror-test", Stdout: true, Output: &buf})
	require.NoError(t, err)

	_, span := Tracer().Start(ctx, "deploy")
	span.End()
	require.NoError(t, tp.Shutdown(ctx))

	require.Contains(t, buf.String(), `"Name":"deploy"`)
	require.Contains(t, buf.String(), "mirror-test")
}
