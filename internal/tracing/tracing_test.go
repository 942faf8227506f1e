package tracing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/opensource-finance/merlin/internal/domain"
)

func TestInit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	original := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(original) })

	t.Run("Disabled", func(t *testing.T) {
		shutdown, err := Init(context.Background(), domain.TracingConfig{ServiceName: "merlin"}, "test", logger)
		if err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
			t.Error("disabled tracing should not install an SDK provider")
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("no-op shutdown returned %v", err)
		}
	})

	t.Run("Enabled", func(t *testing.T) {
		cfg := domain.TracingConfig{Enabled: true, ServiceName: "merlin-test", Endpoint: "127.0.0.1:4317"}
		shutdown, err := Init(context.Background(), cfg, "test", logger)
		if err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
			t.Errorf("expected SDK tracer provider, got %T", otel.GetTracerProvider())
		}

		_, span := otel.Tracer("merlin-test").Start(context.Background(), "evaluate")
		if !span.SpanContext().TraceID().IsValid() {
			t.Error("expected a recording span with a valid trace id")
		}
		span.End()

		// No collector is listening; only the provider teardown is checked.
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = shutdown(ctx)
	})
}
