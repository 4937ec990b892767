package tracing

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateTraceID(t *testing.T) {
	id := GenerateTraceID()
	require.Len(t, id, 32)

	_, err := hex.DecodeString(id)
	require.NoError(t, err)

	require.NotEqual(t, id, GenerateTraceID(), "trace IDs should be unique")
}

func TestTraceIDContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	require.Empty(t, TraceIDFromContext(ctx))

	ctx = ContextWithTraceID(ctx, "abc123")
	require.Equal(t, "abc123", TraceIDFromContext(ctx))

	// Empty trace IDs leave the context unchanged.
	same := ContextWithTraceID(ctx, "")
	require.Equal(t, "abc123", TraceIDFromContext(same))
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_FileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")

	p, err := NewProvider(Config{
		Enabled:  true,
		Exporter: "file",
		FilePath: path,
	})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "test.span")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path) //nolint:gosec // test-owned temp path
	require.NoError(t, err)
	require.Contains(t, string(data), "test.span")
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "file_path")
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported exporter")
}
