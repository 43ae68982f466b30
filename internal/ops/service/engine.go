// Package service runs the governance pipeline: extract intent, gate it,
// validate it, classify risk, then execute the mutation with snapshots in a
// single transaction. Every request leaves a plan row and an audit event,
// including the ones that never reach the database tables they target.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	auditdomain "campusiq-governance/internal/audit/domain"
	"campusiq-governance/internal/entitystore"
	"campusiq-governance/internal/gate"
	"campusiq-governance/internal/intent"
	"campusiq-governance/internal/ops/domain"
	"campusiq-governance/internal/ops/repository"
	"campusiq-governance/internal/registry"
	"campusiq-governance/internal/risk"
	"campusiq-governance/internal/validator"
)

// EntityStore is the data-access surface the engine mutates through.
type EntityStore interface {
	Count(ctx context.Context, entity string, filters map[string]interface{}) (int, error)
	Select(ctx context.Context, entity string, filters map[string]interface{}, limit int) ([]domain.Row, error)
	SelectByIDs(ctx context.Context, entity string, ids []int64) ([]domain.Row, error)
	Insert(ctx context.Context, entity string, values map[string]interface{}) (domain.Row, error)
	InsertWithID(ctx context.Context, entity string, row domain.Row) error
	UpdateByIDs(ctx context.Context, entity string, ids []int64, values map[string]interface{}) error
	RestoreByID(ctx context.Context, entity string, snapshot domain.Row) error
	DeleteByIDs(ctx context.Context, entity string, ids []int64) error
	Aggregate(ctx context.Context, entity string, filters map[string]interface{}, spec entitystore.AggregateSpec) ([]domain.Row, error)
}

// IntentExtractor turns a free-text message into a normalized payload.
type IntentExtractor interface {
	Extract(ctx context.Context, message, module string) (intent.Payload, *intent.OracleStatus)
}

// Authorizer decides whether an actor may run an operation.
type Authorizer interface {
	Check(ctx context.Context, actor domain.Actor, payload intent.Payload) (gate.Decision, error)
}

// AuditRecorder appends one immutable audit event.
type AuditRecorder interface {
	Record(ctx context.Context, e *auditdomain.Event) error
}

// UnitOfWork binds the entity mutation, its plan/execution bookkeeping, and
// its audit event to a single atomic commit.
type UnitOfWork interface {
	Entities() EntityStore
	Plans() repository.Repository
	Audit() AuditRecorder
	Commit() error
	Rollback() error
}

// TxFactory opens units of work.
type TxFactory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// Config holds the engine's tunables.
type Config struct {
	// ConfidenceThreshold is the minimum extraction confidence to act on.
	ConfidenceThreshold float64
	// MaxResultRows caps READ result sets.
	MaxResultRows int
}

// Engine is the governance pipeline.
type Engine struct {
	cfg        Config
	extractor  IntentExtractor
	authz      Authorizer
	classifier *risk.Classifier
	entities   EntityStore
	plans      repository.Repository
	audit      AuditRecorder
	tx         TxFactory
}

// NewEngine wires the pipeline together.
func NewEngine(cfg Config, extractor IntentExtractor, authz Authorizer, classifier *risk.Classifier,
	entities EntityStore, plans repository.Repository, audit AuditRecorder, tx TxFactory) *Engine {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.75
	}
	if cfg.MaxResultRows <= 0 {
		cfg.MaxResultRows = 50
	}
	return &Engine{
		cfg:        cfg,
		extractor:  extractor,
		authz:      authz,
		classifier: classifier,
		entities:   entities,
		plans:      plans,
		audit:      audit,
		tx:         tx,
	}
}

// Execute runs one free-text request through the full pipeline and returns a
// status-discriminated result. A plan row is persisted for every request,
// terminal pre-execution outcomes included.
func (e *Engine) Execute(ctx context.Context, actor domain.Actor, module, message string) (*domain.Result, error) {
	payload, oracleStatus := e.extractor.Extract(ctx, message, module)

	plan := &domain.Plan{
		PlanID:  domain.NewPlanID(),
		UserID:  actor.UserID,
		Module:  module,
		Message: message,
		Intent:  payload,
	}

	if needsClarification(payload, e.cfg.ConfidenceThreshold) {
		return e.finishClarification(ctx, actor, plan, payload, oracleStatus)
	}

	decision, err := e.authz.Check(ctx, actor, payload)
	if err != nil {
		// The gate denies closed on evaluation failure; log and proceed
		// with its decision.
		log.Printf("ops: gate check: %v", err)
	}
	if !decision.Allowed {
		return e.finishDenied(ctx, actor, plan, payload, decision.Reason, oracleStatus)
	}

	if payload.Intent == intent.Create || payload.Intent == intent.Update {
		coerced, fieldErrs := validateWrite(payload)
		if len(fieldErrs) > 0 {
			return e.finishValidationError(ctx, actor, plan, payload, fieldErrs, oracleStatus)
		}
		payload.Values = coerced
		plan.Intent = payload
	}

	impact, err := e.estimateImpact(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("estimate impact: %w", err)
	}
	plan.EstimatedImpactCount = impact
	plan.RiskLevel = e.classifier.Classify(payload.Intent, payload.Entity, impact, payload.AffectedFields)
	plan.Status = domain.PlanExecuting

	if err := e.plans.InsertPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	exec := &domain.Execution{
		ExecutionID: domain.NewExecutionID(),
		PlanID:      plan.PlanID,
		ExecutedBy:  actor.UserID,
		Status:      domain.ExecutionPending,
	}
	if err := e.plans.InsertExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}

	result, execErr := e.executePlan(ctx, actor, plan, exec, payload)
	if execErr != nil {
		return e.finishFailed(ctx, actor, plan, exec, payload, execErr)
	}
	result.OracleStatus = oracleStatus
	return result, nil
}

// executePlan performs the store operation, snapshot bookkeeping, and the
// executed audit event inside one transaction.
func (e *Engine) executePlan(ctx context.Context, actor domain.Actor, plan *domain.Plan, exec *domain.Execution, payload intent.Payload) (*domain.Result, error) {
	uow, err := e.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer uow.Rollback()

	before, after, err := e.applyIntent(ctx, uow.Entities(), payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := uow.Plans().MarkExecutionExecuted(ctx, exec.ExecutionID, before, after, now); err != nil {
		return nil, err
	}
	if err := uow.Plans().UpdatePlanStatus(ctx, plan.PlanID, domain.PlanExecuted, ""); err != nil {
		return nil, err
	}

	event := e.newEvent(actor, plan, exec.ExecutionID, auditdomain.EventExecuted, before, after, nil)
	if err := uow.Audit().Record(ctx, event); err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("commit execution: %w", err)
	}

	affected := len(after)
	if payload.Intent == intent.Delete {
		affected = len(before)
	}
	return &domain.Result{
		Status:        domain.StatusExecuted,
		PlanID:        plan.PlanID,
		ExecutionID:   exec.ExecutionID,
		Intent:        payload.Intent,
		Entity:        payload.Entity,
		RiskLevel:     plan.RiskLevel,
		AffectedCount: affected,
		BeforeState:   before,
		AfterState:    after,
		Summary:       summarize(payload, before, after),
	}, nil
}

// applyIntent runs the store operation and returns the before/after
// snapshots that make the execution reversible.
func (e *Engine) applyIntent(ctx context.Context, store EntityStore, payload intent.Payload) (before, after []domain.Row, err error) {
	switch payload.Intent {
	case intent.Read:
		limit := payload.Limit
		if limit <= 0 || limit > e.cfg.MaxResultRows {
			limit = e.cfg.MaxResultRows
		}
		// No mutation: the snapshot doubles as both states.
		rows, err := store.Select(ctx, payload.Entity, payload.Filters, limit)
		return rows, rows, err

	case intent.Analyze:
		spec := entitystore.AggregateSpec{
			Kind:    payload.Aggregation,
			Field:   payload.AggregateField,
			GroupBy: payload.GroupBy,
		}
		switch spec.Kind {
		case "average", "sum", "min", "max":
			if spec.Field == "" {
				spec.Kind = "count"
			}
		case "group_by":
			if spec.GroupBy == "" {
				spec.Kind = "count"
			}
		}
		rows, err := store.Aggregate(ctx, payload.Entity, payload.Filters, spec)
		return rows, rows, err

	case intent.Create:
		created, err := store.Insert(ctx, payload.Entity, payload.Values)
		if err != nil {
			return nil, nil, err
		}
		return nil, []domain.Row{created}, nil

	case intent.Update:
		targets, err := store.Select(ctx, payload.Entity, payload.Filters, 0)
		if err != nil {
			return nil, nil, err
		}
		ids := rowIDs(targets)
		if err := store.UpdateByIDs(ctx, payload.Entity, ids, payload.Values); err != nil {
			return nil, nil, err
		}
		updated, err := store.SelectByIDs(ctx, payload.Entity, ids)
		if err != nil {
			return nil, nil, err
		}
		return targets, updated, nil

	case intent.Delete:
		targets, err := store.Select(ctx, payload.Entity, payload.Filters, 0)
		if err != nil {
			return nil, nil, err
		}
		if err := store.DeleteByIDs(ctx, payload.Entity, rowIDs(targets)); err != nil {
			return nil, nil, err
		}
		return targets, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported intent %q", payload.Intent)
}

// Rollback reverses an executed operation using its stored snapshots. Only
// the original executor or an admin may roll back, and only executions in
// the executed state qualify.
func (e *Engine) Rollback(ctx context.Context, actor domain.Actor, executionID string) (*domain.Result, error) {
	exec, err := e.plans.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return &domain.Result{
			Status:      domain.StatusFailed,
			ExecutionID: executionID,
			Error:       domain.ReasonExecutionNotFound,
		}, nil
	}

	if actor.Role != domain.RoleAdmin && actor.UserID != exec.ExecutedBy {
		return &domain.Result{
			Status:      domain.StatusDenied,
			ExecutionID: executionID,
			Reason:      domain.ReasonRollbackNotPermitted,
		}, nil
	}
	if exec.Status != domain.ExecutionExecuted {
		return nil, fmt.Errorf("execution %s is %s; only executed operations can be rolled back", executionID, exec.Status)
	}

	plan, err := e.plans.GetPlan(ctx, exec.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %s not found", exec.PlanID)
	}

	switch plan.Intent.Intent {
	case intent.Create, intent.Update, intent.Delete:
	default:
		// Nothing was mutated, so there is nothing to reverse.
		return &domain.Result{
			Status:      domain.StatusFailed,
			PlanID:      plan.PlanID,
			ExecutionID: exec.ExecutionID,
			Intent:      plan.Intent.Intent,
			Entity:      plan.Intent.Entity,
			Error:       domain.ReasonRollbackNotSupported,
		}, nil
	}

	uow, err := e.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := reverseIntent(ctx, uow.Entities(), plan.Intent, exec); err != nil {
		return nil, fmt.Errorf("reverse %s: %w", plan.Intent.Intent, err)
	}

	now := time.Now().UTC()
	detail := map[string]interface{}{"rolled_back_by": actor.UserID}
	if err := uow.Plans().MarkExecutionRolledBack(ctx, exec.ExecutionID, detail, now); err != nil {
		return nil, err
	}
	if err := uow.Plans().UpdatePlanStatus(ctx, plan.PlanID, domain.PlanRolledBack, ""); err != nil {
		return nil, err
	}

	// Before and after swap places: the rollback's "before" is the state the
	// execution left behind.
	event := e.newEvent(actor, plan, exec.ExecutionID, auditdomain.EventRollback, exec.AfterState, exec.BeforeState, detail)
	if err := uow.Audit().Record(ctx, event); err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("commit rollback: %w", err)
	}

	affected := len(exec.BeforeState)
	if plan.Intent.Intent == intent.Create {
		affected = len(exec.AfterState)
	}
	return &domain.Result{
		Status:        domain.StatusRolledBack,
		PlanID:        plan.PlanID,
		ExecutionID:   exec.ExecutionID,
		Intent:        plan.Intent.Intent,
		Entity:        plan.Intent.Entity,
		RiskLevel:     plan.RiskLevel,
		AffectedCount: affected,
		BeforeState:   exec.AfterState,
		AfterState:    exec.BeforeState,
		Summary:       fmt.Sprintf("Rolled back %s on %d %s record(s).", plan.Intent.Intent, affected, plan.Intent.Entity),
	}, nil
}

// reverseIntent applies the inverse mutation from the snapshots.
func reverseIntent(ctx context.Context, store EntityStore, payload intent.Payload, exec *domain.Execution) error {
	switch payload.Intent {
	case intent.Create:
		return store.DeleteByIDs(ctx, payload.Entity, rowIDs(exec.AfterState))
	case intent.Update:
		for _, row := range exec.BeforeState {
			if err := store.RestoreByID(ctx, payload.Entity, row); err != nil {
				return err
			}
		}
		return nil
	case intent.Delete:
		for _, row := range exec.BeforeState {
			if err := store.InsertWithID(ctx, payload.Entity, row); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("intent %s has no reversal", payload.Intent)
}

// Stats aggregates plan outcomes.
func (e *Engine) Stats(ctx context.Context) (*domain.StatsSummary, error) {
	return e.plans.Stats(ctx)
}

// History returns recent plans, newest first. Non-admin actors only see
// their own.
func (e *Engine) History(ctx context.Context, actor domain.Actor, limit int) ([]*domain.Plan, error) {
	userID := actor.UserID
	if actor.Role == domain.RoleAdmin {
		userID = 0
	}
	if limit <= 0 {
		limit = 20
	}
	return e.plans.ListPlans(ctx, userID, limit)
}

func (e *Engine) estimateImpact(ctx context.Context, payload intent.Payload) (int, error) {
	switch payload.Intent {
	case intent.Create:
		return 1, nil
	default:
		return e.entities.Count(ctx, payload.Entity, payload.Filters)
	}
}

func (e *Engine) finishClarification(ctx context.Context, actor domain.Actor, plan *domain.Plan, payload intent.Payload, oracleStatus *intent.OracleStatus) (*domain.Result, error) {
	plan.Status = domain.PlanClarificationNeeded
	if err := e.plans.InsertPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	question := payload.Ambiguity.Question
	if question == "" {
		question = clarifyQuestion(payload)
	}
	e.recordBestEffort(ctx, e.newEvent(actor, plan, "", auditdomain.EventClarificationRequired, nil, nil,
		map[string]interface{}{"confidence": payload.Confidence, "question": question}))

	return &domain.Result{
		Status: domain.StatusClarificationNeeded,
		PlanID: plan.PlanID,
		Intent: payload.Intent,
		Entity: payload.Entity,
		Clarification: &domain.Clarification{
			Question:   question,
			Unclear:    payload.Ambiguity.Fields,
			Confidence: payload.Confidence,
			Threshold:  e.cfg.ConfidenceThreshold,
		},
		OracleStatus: oracleStatus,
	}, nil
}

func (e *Engine) finishDenied(ctx context.Context, actor domain.Actor, plan *domain.Plan, payload intent.Payload, reason string, oracleStatus *intent.OracleStatus) (*domain.Result, error) {
	plan.Status = domain.PlanDenied
	plan.Error = reason
	if err := e.plans.InsertPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	e.recordBestEffort(ctx, e.newEvent(actor, plan, "", auditdomain.EventPermissionDenied, nil, nil,
		map[string]interface{}{"reason": reason}))

	return &domain.Result{
		Status:       domain.StatusDenied,
		PlanID:       plan.PlanID,
		Intent:       payload.Intent,
		Entity:       payload.Entity,
		Reason:       reason,
		OracleStatus: oracleStatus,
	}, nil
}

func (e *Engine) finishValidationError(ctx context.Context, actor domain.Actor, plan *domain.Plan, payload intent.Payload, fieldErrs []domain.FieldError, oracleStatus *intent.OracleStatus) (*domain.Result, error) {
	plan.Status = domain.PlanValidationError
	plan.Error = fieldErrs[0].Field + ": " + fieldErrs[0].Message
	if err := e.plans.InsertPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	meta := map[string]interface{}{"field_errors": fieldErrs}
	e.recordBestEffort(ctx, e.newEvent(actor, plan, "", auditdomain.EventValidationError, nil, nil, meta))

	return &domain.Result{
		Status:       domain.StatusValidationError,
		PlanID:       plan.PlanID,
		Intent:       payload.Intent,
		Entity:       payload.Entity,
		FieldErrors:  fieldErrs,
		OracleStatus: oracleStatus,
	}, nil
}

func (e *Engine) finishFailed(ctx context.Context, actor domain.Actor, plan *domain.Plan, exec *domain.Execution, payload intent.Payload, execErr error) (*domain.Result, error) {
	failure := map[string]interface{}{
		"error":     execErr.Error(),
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.plans.MarkExecutionFailed(ctx, exec.ExecutionID, failure); err != nil {
		log.Printf("ops: mark execution %s failed: %v", exec.ExecutionID, err)
	}
	if err := e.plans.UpdatePlanStatus(ctx, plan.PlanID, domain.PlanFailed, execErr.Error()); err != nil {
		log.Printf("ops: mark plan %s failed: %v", plan.PlanID, err)
	}

	meta := map[string]interface{}{
		"error": execErr.Error(),
		"alert": plan.RiskLevel == risk.High,
	}
	e.recordBestEffort(ctx, e.newEvent(actor, plan, exec.ExecutionID, auditdomain.EventFailed, nil, nil, meta))

	return &domain.Result{
		Status:      domain.StatusFailed,
		PlanID:      plan.PlanID,
		ExecutionID: exec.ExecutionID,
		Intent:      payload.Intent,
		Entity:      payload.Entity,
		RiskLevel:   plan.RiskLevel,
		Error:       execErr.Error(),
	}, nil
}

func (e *Engine) newEvent(actor domain.Actor, plan *domain.Plan, executionID, eventType string, before, after []domain.Row, meta map[string]interface{}) *auditdomain.Event {
	return &auditdomain.Event{
		PlanID:        plan.PlanID,
		ExecutionID:   executionID,
		UserID:        actor.UserID,
		Role:          actor.Role,
		Module:        plan.Module,
		OperationType: plan.Intent.Intent,
		EventType:     eventType,
		RiskLevel:     plan.RiskLevel,
		IntentPayload: payloadToMap(plan.Intent),
		BeforeState:   before,
		AfterState:    after,
		Metadata:      meta,
	}
}

// recordBestEffort writes audit events that sit outside the execution
// transaction. A failed insert is logged, never surfaced to the caller.
func (e *Engine) recordBestEffort(ctx context.Context, event *auditdomain.Event) {
	if err := e.audit.Record(ctx, event); err != nil {
		log.Printf("ops: audit %s event: %v", event.EventType, err)
	}
}

// needsClarification is true when the payload is too uncertain to act on.
// Unscoped UPDATE/DELETE always clarifies; confidence alone never lets a
// write touch every row in a table.
func needsClarification(payload intent.Payload, threshold float64) bool {
	if payload.Ambiguity.IsAmbiguous {
		return true
	}
	if payload.Confidence < threshold {
		return true
	}
	if (payload.Intent == intent.Update || payload.Intent == intent.Delete) && len(payload.Filters) == 0 {
		return true
	}
	return false
}

func clarifyQuestion(payload intent.Payload) string {
	switch payload.Intent {
	case intent.Update, intent.Delete:
		if len(payload.Filters) == 0 {
			return fmt.Sprintf("Which %s records should this affect?", payload.Entity)
		}
	}
	return "Could you rephrase your request with more detail?"
}

// validateWrite checks values against the field rules and the entity's
// writable allow-list, returning the coerced values on success.
func validateWrite(payload intent.Payload) (map[string]interface{}, []domain.FieldError) {
	var fieldErrs []domain.FieldError

	ent := registry.Lookup(payload.Entity)
	if ent != nil {
		writable := ent.WritableSet()
		for field := range payload.Values {
			if !writable[field] {
				fieldErrs = append(fieldErrs, domain.FieldError{
					Field:   field,
					Message: "is not a writable field of " + payload.Entity,
				})
			}
		}
	}

	coerced, errs := validator.Validate(payload.Values)
	for _, fe := range errs {
		fieldErrs = append(fieldErrs, domain.FieldError{Field: fe.Field, Message: fe.Message})
	}
	if len(fieldErrs) > 0 {
		return nil, fieldErrs
	}
	return coerced, nil
}

func summarize(payload intent.Payload, before, after []domain.Row) string {
	switch payload.Intent {
	case intent.Read:
		return fmt.Sprintf("Found %d %s record(s).", len(after), payload.Entity)
	case intent.Analyze:
		return summarizeAggregate(payload, after)
	case intent.Create:
		return fmt.Sprintf("Created %d %s record(s).", len(after), payload.Entity)
	case intent.Update:
		return fmt.Sprintf("Updated %d %s record(s).", len(after), payload.Entity)
	case intent.Delete:
		return fmt.Sprintf("Deleted %d %s record(s).", len(before), payload.Entity)
	}
	return ""
}

func summarizeAggregate(payload intent.Payload, rows []domain.Row) string {
	switch payload.Aggregation {
	case "average", "sum", "min", "max":
		if len(rows) == 1 {
			if v, ok := rows[0]["value"].(float64); ok {
				return fmt.Sprintf("%s of %s across matching %s records: %.2f",
					payload.Aggregation, payload.AggregateField, payload.Entity, v)
			}
		}
	case "group_by":
		return fmt.Sprintf("Grouped %s records by %s into %d group(s).",
			payload.Entity, payload.GroupBy, len(rows))
	}
	if len(rows) == 1 {
		if n, ok := rows[0]["count"].(int64); ok {
			return fmt.Sprintf("Counted %d %s record(s).", n, payload.Entity)
		}
	}
	return fmt.Sprintf("Analyzed %s records.", payload.Entity)
}

func payloadToMap(p intent.Payload) map[string]interface{} {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func rowIDs(rows []domain.Row) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		if id := r.ID(); id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
