package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderExportsSpans(t *testing.T) {
	ctx := context.Background()
	exp := tracetest.NewInMemoryExporter()

	tp, err := InitTracerProvider(ctx, Config{
		ServiceName: "meerkat-test",
		Version:     "v0.0.1",
		SampleRatio: 1,
		Exporters:   []sdktrace.SpanExporter{exp},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	_, span := otel.Tracer("test").Start(ctx, "unit")
	require.True(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, tp.ForceFlush(ctx))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "unit", spans[0].Name)

	carrier := propagation.MapCarrier{}
	spanCtx, s := otel.Tracer("test").Start(ctx, "inject")
	defer s.End()
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
}

func TestInitTracerProviderZeroRatioDropsRoots(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracerProvider(ctx, Config{ServiceName: "meerkat-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	_, span := tp.Tracer("test").Start(ctx, "dropped")
	defer span.End()
	require.False(t, span.SpanContext().IsSampled())
}
