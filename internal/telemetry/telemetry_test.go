package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Setup(ctx, "bookwise-test", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(ctx) })

	_, span := otel.Tracer("test").Start(ctx, "noop-span")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid(), "spans are recorded even without an exporter")
}

func TestSetupWithExporter(t *testing.T) {
	ctx := context.Background()
	// The exporter connects lazily, so nothing needs to listen here.
	shutdown, err := Setup(ctx, "bookwise-test", "http://127.0.0.1:4318")
	require.NoError(t, err)
	require.NoError(t, shutdown(ctx))
}
