// Package domain holds the durable records of the governance pipeline: the
// Plan (one per request) and the Execution (one per attempted mutation, with
// the snapshots that drive rollback).
package domain

import (
	"time"

	"campusiq-governance/internal/intent"
	"campusiq-governance/internal/risk"
)

// Role names carried by authenticated principals.
const (
	RoleStudent = "student"
	RoleFaculty = "faculty"
	RoleAdmin   = "admin"
)

// Actor is the authenticated principal on whose behalf the pipeline runs.
// Authentication happens upstream; the pipeline trusts these fields.
type Actor struct {
	UserID int64
	Role   string
	// HomeDepartmentID scopes non-admin actors to their own department.
	// Zero means no department affiliation.
	HomeDepartmentID int64
}

// Row is a captured copy of one entity row's field values. Snapshots are the
// only source of truth for rollback; the engine never recomputes "what
// changed" from current table contents.
type Row map[string]interface{}

// ID returns the row's id column as int64, or 0 when absent.
func (r Row) ID() int64 {
	switch v := r["id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Plan statuses. Terminal pre-execution statuses never get an Execution.
const (
	PlanExecuting           = "executing"
	PlanExecuted            = "executed"
	PlanFailed              = "failed"
	PlanRolledBack          = "rolled_back"
	PlanClarificationNeeded = "clarification_needed"
	PlanDenied              = "denied"
	PlanValidationError     = "validation_error"
)

// Plan is the durable record of one governance request.
type Plan struct {
	PlanID               string
	UserID               int64
	Module               string
	Message              string
	Intent               intent.Payload
	RiskLevel            risk.Level
	EstimatedImpactCount int
	Status               string
	Error                string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Execution statuses.
const (
	ExecutionPending    = "pending"
	ExecutionExecuted   = "executed"
	ExecutionFailed     = "failed"
	ExecutionRolledBack = "rolled_back"
)

// Execution is the durable record of one attempted store mutation.
type Execution struct {
	ExecutionID   string
	PlanID        string
	ExecutedBy    int64
	Status        string
	BeforeState   []Row
	AfterState    []Row
	FailureState  map[string]interface{}
	RollbackState map[string]interface{}
	ExecutedAt    *time.Time
	RolledBackAt  *time.Time
	CreatedAt     time.Time
}

// Result statuses returned to callers.
const (
	StatusClarificationNeeded = "clarification_needed"
	StatusDenied              = "denied"
	StatusValidationError     = "validation_error"
	StatusExecuted            = "executed"
	StatusFailed              = "failed"
	StatusRolledBack          = "rolled_back"
)

// Rollback denial codes, surfaced in Result.Reason or Result.Error.
const (
	ReasonExecutionNotFound    = "EXECUTION_NOT_FOUND"
	ReasonRollbackNotPermitted = "ROLLBACK_NOT_PERMITTED"
	ReasonRollbackNotSupported = "ROLLBACK_NOT_SUPPORTED"
)

// FieldError mirrors validator errors in results.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Clarification carries the question back to the caller when intent
// extraction was too uncertain to act on.
type Clarification struct {
	Question   string   `json:"question"`
	Unclear    []string `json:"unclear_parts"`
	Confidence float64  `json:"confidence"`
	Threshold  float64  `json:"threshold"`
}

// Result is the discriminated outcome of Execute or Rollback, keyed by
// Status. Only the fields relevant to the status are populated.
type Result struct {
	Status        string               `json:"status"`
	PlanID        string               `json:"plan_id,omitempty"`
	ExecutionID   string               `json:"execution_id,omitempty"`
	Intent        string               `json:"intent,omitempty"`
	Entity        string               `json:"entity,omitempty"`
	RiskLevel     risk.Level           `json:"risk_level,omitempty"`
	AffectedCount int                  `json:"affected_count"`
	BeforeState   []Row                `json:"before_state,omitempty"`
	AfterState    []Row                `json:"after_state,omitempty"`
	Summary       string               `json:"summary,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	FieldErrors   []FieldError         `json:"field_errors,omitempty"`
	Clarification *Clarification       `json:"clarification,omitempty"`
	OracleStatus  *intent.OracleStatus `json:"oracle_status,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// StatsSummary aggregates governance activity for dashboards.
type StatsSummary struct {
	TotalPlans      int              `json:"total_plans"`
	ExecutedToday   int              `json:"executed_today"`
	FailedTotal     int              `json:"failed_total"`
	RolledBackTotal int              `json:"rolled_back_total"`
	ByRisk          map[string]int   `json:"by_risk"`
	ByModule        map[string]Tally `json:"by_module"`
}

// Tally is a per-module breakdown of plan outcomes.
type Tally struct {
	Total      int `json:"total"`
	Executed   int `json:"executed"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolled_back"`
}
