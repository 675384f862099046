package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func captureLog(t *testing.T, ctx context.Context) map[string]any {
	t.Helper()

	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(ctx, "test message", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestTraceHandlerWithoutSpan(t *testing.T) {
	entry := captureLog(t, context.Background())

	require.NotContains(t, entry, "trace_id")
	require.NotContains(t, entry, "span_id")
	require.Equal(t, "test message", entry["msg"])
	require.Equal(t, "value", entry["key"])
}

type staticSpan struct {
	trace.Span
	sc trace.SpanContext
}

func (s staticSpan) SpanContext() trace.SpanContext { return s.sc }

func TestTraceHandlerWithValidSpan(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpan(context.Background(), staticSpan{sc: sc})

	entry := captureLog(t, ctx)

	require.Equal(t, traceID.String(), entry["trace_id"])
	require.Equal(t, spanID.String(), entry["span_id"])
}

func TestLoggerRoundTrip(t *testing.T) {
	logger := slog.Default().With("component", "test")

	ctx := WithLogger(context.Background(), logger)
	require.Same(t, logger, LoggerFromContext(ctx))

	require.NotNil(t, LoggerFromContext(context.Background()), "missing logger falls back to the default")
}
