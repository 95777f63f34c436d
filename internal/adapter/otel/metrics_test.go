package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Strob0t/agentengine/internal/config"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.ExecutionStarted(ctx, "coder")
	m.ExecutionCompleted(ctx, 1)
	m.ExecutionFailed(ctx, "cancelled", 0)
	m.StepFinished(ctx, "write_file", "complete", 10)
	m.HookBlocked(ctx, "pre_execution", "builtin:security-guard")
	m.Confirmation(ctx, true)
}

func TestMetricsRecorded(t *testing.T) {
	reader := metric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(metric.NewMeterProvider(metric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	m, err := NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	m.ExecutionStarted(ctx, "coder")
	m.StepFinished(ctx, "write_file", "complete", 12)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			names[mt.Name] = true
		}
	}
	for _, want := range []string{"agentengine.executions.started", "agentengine.steps", "agentengine.step.duration_ms"} {
		if !names[want] {
			t.Errorf("metric %s not collected (got %v)", want, names)
		}
	}
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.OTEL{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
