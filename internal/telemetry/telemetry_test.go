package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestInitWithoutExporter(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, domain.TracingConfig{ServiceName: "kestrel-test"}, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer shutdown(ctx)

	_, span := otel.Tracer("kestrel/test").Start(ctx, "op")
	defer span.End()

	sc := span.SpanContext()
	if !sc.HasTraceID() || !sc.IsSampled() {
		t.Errorf("expected sampled span with trace id, got %+v", sc)
	}
}
