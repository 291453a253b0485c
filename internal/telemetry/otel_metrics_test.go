package telemetry

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.ActiveWorkers == nil {
		t.Error("ActiveWorkers is nil")
	}
	if m.TaskRetries == nil {
		t.Error("TaskRetries is nil")
	}
	if m.TaskFailures == nil {
		t.Error("TaskFailures is nil")
	}
	if m.DeliveryDuration == nil {
		t.Error("DeliveryDuration is nil")
	}
	if m.DeliveryErrors == nil {
		t.Error("DeliveryErrors is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
