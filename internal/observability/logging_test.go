package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	logger.Info("test message", String("key", "value"))
	assert.NoError(t, logger.Sync())
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	t.Parallel()

	_, err := NewLogger(LogConfig{Level: "verbose"})
	assert.Error(t, err)
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	logger.Debug("console output")
}

func TestLogger_With(t *testing.T) {
	t.Parallel()

	logger := NopLogger()
	child := logger.With(String("component", "reload"))
	assert.NotNil(t, child)
	child.Info("does not panic")
}

func TestLogger_WithContext(t *testing.T) {
	t.Parallel()

	logger := NopLogger()

	ctx := context.Background()
	assert.Equal(t, logger, logger.WithContext(ctx))

	ctx = ContextWithGeneration(ctx, 3)
	ctx = ContextWithTraceID(ctx, "abc123")
	enriched := logger.WithContext(ctx)
	assert.NotEqual(t, logger, enriched)
}

func TestGenerationContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Equal(t, uint64(0), GenerationFromContext(ctx))

	ctx = ContextWithGeneration(ctx, 42)
	assert.Equal(t, uint64(42), GenerationFromContext(ctx))
}

func TestTraceAndSpanContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, TraceIDFromContext(ctx))
	assert.Empty(t, SpanIDFromContext(ctx))

	ctx = ContextWithTraceID(ctx, "trace-1")
	ctx = ContextWithSpanID(ctx, "span-1")
	assert.Equal(t, "trace-1", TraceIDFromContext(ctx))
	assert.Equal(t, "span-1", SpanIDFromContext(ctx))
}

func TestGlobalLogger(t *testing.T) {
	logger := NopLogger()
	SetGlobalLogger(logger)
	assert.Equal(t, logger, GetGlobalLogger())
	assert.Equal(t, logger, L())
}

func TestGetGlobalLogger_Default(t *testing.T) {
	SetGlobalLogger(nil)
	assert.NotNil(t, GetGlobalLogger())
}
