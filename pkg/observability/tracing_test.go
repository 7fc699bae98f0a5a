package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledUsesGlobalTracer(t *testing.T) {
	p, err := Init(context.Background(), Config{ServiceName: "dbreader"})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	ctx, span := p.Tracer().Start(context.Background(), "noop")
	defer span.End()
	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	assert.Empty(t, TraceID(context.Background()))

	ctx, span := tp.Tracer("test").Start(context.Background(), "tick")
	assert.Len(t, TraceID(ctx), 32)
	AddEvent(ctx, "persist_failed")
	SetError(ctx, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	require.Len(t, ended[0].Events(), 2)
	assert.Equal(t, "persist_failed", ended[0].Events()[0].Name)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
}
