// Package domain defines the append-only audit event. Rows are never
// updated or deleted after insert; mutation of history is a correctness
// violation.
package domain

import (
	"time"

	opsdomain "campusiq-governance/internal/ops/domain"
	"campusiq-governance/internal/risk"
)

// Event types, one per terminal pipeline transition.
const (
	EventClarificationRequired = "clarification_required"
	EventPermissionDenied      = "permission_denied"
	EventValidationError       = "validation_error"
	EventExecuted              = "executed"
	EventFailed                = "failed"
	EventRollback              = "rollback"
)

// Event is one immutable audit record.
type Event struct {
	EventID       string
	PlanID        string
	ExecutionID   string
	UserID        int64
	Role          string
	Module        string
	OperationType string
	EventType     string
	RiskLevel     risk.Level
	IntentPayload map[string]interface{}
	BeforeState   []opsdomain.Row
	AfterState    []opsdomain.Row
	Metadata      map[string]interface{}
	CreatedAt     time.Time
}

// Filter narrows audit history queries. Zero values mean "no filter".
type Filter struct {
	Module        string
	OperationType string
	RiskLevel     string
	ActorUserID   int64
	Start         *time.Time
	End           *time.Time
	Limit         int
}
