package telemetry

import (
	"context"
	"testing"
)

func TestInitDisabledReturnsUsableNoops(t *testing.T) {
	p, err := Init(context.Background(), OTelConfig{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatalf("provider = %+v, want non-nil tracer and meter", p)
	}
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("instruments on noop meter: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitNoneExporterExportsNothing(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, OTelConfig{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("instruments: %v", err)
	}
	m.JobsEnqueued.Add(ctx, 1)
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), OTelConfig{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
