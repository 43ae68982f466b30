package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	auditdomain "campusiq-governance/internal/audit/domain"
	auditservice "campusiq-governance/internal/audit/service"
)

// recordLogger is the part of otellog.Logger the emitter uses.
type recordLogger interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends governance audit events
// as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) auditservice.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("campusiq.governance")}
}

// NewEventEmitterWithLogger wires a specific logger, mainly for tests.
func NewEventEmitterWithLogger(logger recordLogger) auditservice.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *auditdomain.Event) error { return nil }

type otelEmitter struct {
	logger recordLogger
}

// Emit converts the audit event to an OTel log record and emits it. Best-effort; errors are logged.
func (e *otelEmitter) Emit(ctx context.Context, event *auditdomain.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	}
	rec.SetBody(otellog.StringValue(event.EventType))
	if event.EventID != "" {
		rec.AddAttributes(otellog.String("event_id", event.EventID))
	}
	if event.PlanID != "" {
		rec.AddAttributes(otellog.String("plan_id", event.PlanID))
	}
	if event.ExecutionID != "" {
		rec.AddAttributes(otellog.String("execution_id", event.ExecutionID))
	}
	if event.UserID != 0 {
		rec.AddAttributes(otellog.Int64("user_id", event.UserID))
	}
	if event.Role != "" {
		rec.AddAttributes(otellog.String("role", event.Role))
	}
	if event.Module != "" {
		rec.AddAttributes(otellog.String("module", event.Module))
	}
	if event.OperationType != "" {
		rec.AddAttributes(otellog.String("operation_type", event.OperationType))
	}
	if event.RiskLevel != "" {
		rec.AddAttributes(otellog.String("risk_level", string(event.RiskLevel)))
	}
	if rec.Timestamp().IsZero() {
		rec.SetTimestamp(time.Now().UTC())
	}
	e.logger.Emit(ctx, rec)
	return nil
}
