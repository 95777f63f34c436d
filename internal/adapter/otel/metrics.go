package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentengine"

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	ExecutionsStarted   metric.Int64Counter
	ExecutionsCompleted metric.Int64Counter
	ExecutionsFailed    metric.Int64Counter
	Steps               metric.Int64Counter
	HookBlocks          metric.Int64Counter
	Confirmations       metric.Int64Counter
	StepDuration        metric.Float64Histogram
	ExecutionCost       metric.Float64Histogram
}

// NewMetrics creates all instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m.ExecutionsStarted = counter("agentengine.executions.started", "Number of executions started")
	m.ExecutionsCompleted = counter("agentengine.executions.completed", "Number of executions completed")
	m.ExecutionsFailed = counter("agentengine.executions.failed", "Number of executions failed, by reason")
	m.Steps = counter("agentengine.steps", "Number of steps finished, by status")
	m.HookBlocks = counter("agentengine.hook.blocks", "Number of hook chains that blocked")
	m.Confirmations = counter("agentengine.confirmations", "Number of confirmation decisions")

	var err error
	m.StepDuration, err = meter.Float64Histogram("agentengine.step.duration_ms",
		metric.WithDescription("Step duration in milliseconds"), metric.WithUnit("ms"))
	errs = append(errs, err)
	m.ExecutionCost, err = meter.Float64Histogram("agentengine.execution.cost_usd",
		metric.WithDescription("Execution cost in USD"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) ExecutionStarted(ctx context.Context, agentType string) {
	if m == nil {
		return
	}
	m.ExecutionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.type", agentType)))
}

func (m *Metrics) ExecutionCompleted(ctx context.Context, cost float64) {
	if m == nil {
		return
	}
	m.ExecutionsCompleted.Add(ctx, 1)
	m.ExecutionCost.Record(ctx, cost)
}

func (m *Metrics) ExecutionFailed(ctx context.Context, reason string, cost float64) {
	if m == nil {
		return
	}
	m.ExecutionsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.ExecutionCost.Record(ctx, cost)
}

func (m *Metrics) StepFinished(ctx context.Context, action, status string, durationMS int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("action", action), attribute.String("status", status))
	m.Steps.Add(ctx, 1, attrs)
	m.StepDuration.Record(ctx, float64(durationMS), attrs)
}

func (m *Metrics) HookBlocked(ctx context.Context, lifecycle, hookID string) {
	if m == nil {
		return
	}
	m.HookBlocks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lifecycle", lifecycle), attribute.String("hook.id", hookID)))
}

func (m *Metrics) Confirmation(ctx context.Context, approved bool) {
	if m == nil {
		return
	}
	m.Confirmations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("approved", approved)))
}
