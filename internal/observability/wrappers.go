package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/taskforge/internal/orchestrator"
)

// --- InstrumentedDeliverer ---

// InstrumentedDeliverer wraps a mailbox transport with metrics and tracing.
type InstrumentedDeliverer struct {
	inner     orchestrator.Deliverer
	transport string // "websocket" or "redis"
	metrics   *MetricsCollector
	tracer    trace.Tracer
}

// NewInstrumentedDeliverer wraps a Deliverer with observability. With nil
// metrics and tracer it forwards calls unchanged.
func NewInstrumentedDeliverer(inner orchestrator.Deliverer, transport string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedDeliverer {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedDeliverer{
		inner:     inner,
		transport: transport,
		metrics:   metrics,
		tracer:    tracer,
	}
}

// Deliver forwards msg to the wrapped transport.
func (d *InstrumentedDeliverer) Deliver(ctx context.Context, agentName string, msg orchestrator.Message) error {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "mailbox.deliver",
			trace.WithAttributes(
				attribute.String("mailbox.transport", d.transport),
				attribute.String("agent", agentName),
				attribute.String("message.type", string(msg.Type)),
			))
		defer span.End()
	}

	start := time.Now()
	err := d.inner.Deliver(ctx, agentName, msg)
	duration := time.Since(start).Seconds()

	status := "delivered"
	if err != nil {
		status = "error"
		if d.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if d.metrics != nil {
		d.metrics.MailboxDeliveriesTotal.WithLabelValues(d.transport, status).Inc()
		d.metrics.MailboxDeliveryDuration.WithLabelValues(d.transport).Observe(duration)
	}
	return err
}

// --- Agent run recording ---

// RecordRun counts a run outcome reported by an agent and feeds the
// anomaly detector. Either argument may be nil.
func RecordRun(metrics *MetricsCollector, anomaly *AnomalyDetector, agent string, failed bool) {
	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	if metrics != nil {
		metrics.AgentRunsTotal.WithLabelValues(outcome).Inc()
	}
	if failed {
		anomaly.RecordFailure(agent)
	} else {
		anomaly.RecordSuccess(agent)
	}
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}

var _ orchestrator.Deliverer = (*InstrumentedDeliverer)(nil)
