package otelx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerStartsASpan(t *testing.T) {
	tr := Tracer("test")
	require.NotNil(t, tr)

	_, span := tr.Start(context.Background(), "unit-test-span")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
}

func TestShutdownIsIdempotent(t *testing.T) {
	Tracer("warm-up")
	assert.NoError(t, Shutdown(context.Background()))
	assert.NoError(t, Shutdown(context.Background()))
}
