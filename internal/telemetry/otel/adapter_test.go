package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	auditdomain "campusiq-governance/internal/audit/domain"
	"campusiq-governance/internal/risk"
)

func TestNewEventEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewEventEmitter(nil)
	if em == nil {
		t.Fatal("NewEventEmitter(nil) returned nil")
	}
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("noop Emit(ctx, nil): %v", err)
	}
	if err := em.Emit(context.Background(), &auditdomain.Event{EventID: "audit_0000000000000001"}); err != nil {
		t.Errorf("noop Emit(ctx, event): %v", err)
	}
}

func TestEmit_NilEvent_ReturnsNil(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(ctx, nil): %v", err)
	}
}

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	rec otellog.Record
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.rec = rec
}

func TestEmit_AttributeAndBodyMapping(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	event := &auditdomain.Event{
		EventID:       "audit_0011223344556677",
		PlanID:        "ops_001122334455",
		ExecutionID:   "exec_001122334455",
		UserID:        42,
		Role:          "faculty",
		Module:        "nlp",
		OperationType: "UPDATE",
		EventType:     "executed",
		RiskLevel:     risk.Medium,
		CreatedAt:     at,
	}
	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.rec

	if got := rec.Body().AsString(); got != "executed" {
		t.Errorf("body = %q, want %q", got, "executed")
	}
	if !rec.Timestamp().Equal(at) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp(), at)
	}

	attrs := make(map[string]string)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.String()
		return true
	})
	want := map[string]string{
		"event_id": "audit_0011223344556677", "plan_id": "ops_001122334455",
		"execution_id": "exec_001122334455", "user_id": "42",
		"role": "faculty", "module": "nlp",
		"operation_type": "UPDATE", "risk_level": "MEDIUM",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %q = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestEmit_SkipsEmptyFields(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	event := &auditdomain.Event{
		EventID:   "audit_0011223344556677",
		EventType: "permission_denied",
	}
	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	keys := map[string]bool{}
	cap.rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		keys[kv.Key] = true
		return true
	})
	if keys["plan_id"] || keys["execution_id"] || keys["user_id"] || keys["risk_level"] {
		t.Errorf("empty fields should not become attributes: %v", keys)
	}
	if !keys["event_id"] {
		t.Error("event_id attribute missing")
	}
}

func TestEmit_ZeroTimestamp_SetsCurrentTime(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	event := &auditdomain.Event{
		EventID:   "audit_0011223344556677",
		EventType: "failed",
	}
	before := time.Now().UTC()
	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	after := time.Now().UTC()
	timestamp := cap.rec.Timestamp()
	if timestamp.IsZero() {
		t.Error("timestamp should be set when CreatedAt is zero")
	}
	if timestamp.Before(before) || timestamp.After(after) {
		t.Errorf("timestamp = %v, should be between %v and %v", timestamp, before, after)
	}
}
