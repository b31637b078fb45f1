package observe_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/adacab/adacab/internal/observe"
)

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := observe.CorrelationID(context.Background()); got != "" {
		t.Fatalf("CorrelationID without a span = %q, want empty", got)
	}
}

func TestStartSpan_ProducesCorrelationID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTracerProvider(tp)

	ctx, span := observe.StartSpan(context.Background(), "test.span")
	defer span.End()

	id := observe.CorrelationID(ctx)
	if id == "" {
		t.Fatal("no correlation id inside an active span")
	}

	// The enriched logger must not panic and must be non-nil either way.
	if observe.Logger(ctx) == nil || observe.Logger(context.Background()) == nil {
		t.Fatal("Logger returned nil")
	}
}
