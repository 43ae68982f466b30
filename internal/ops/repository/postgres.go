package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campusiq-governance/internal/intent"
	"campusiq-governance/internal/ops/domain"
	"campusiq-governance/internal/risk"
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type PostgresRepository struct {
	db dbtx
}

// NewPostgresRepository returns a plan/execution repository that uses the
// given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithTx returns a copy of the repository bound to tx.
func (r *PostgresRepository) WithTx(tx *sql.Tx) *PostgresRepository {
	return &PostgresRepository{db: tx}
}

// InsertPlan persists the plan. The plan must have PlanID set; timestamps are
// assigned here.
func (r *PostgresRepository) InsertPlan(ctx context.Context, p *domain.Plan) error {
	intentJSON, err := json.Marshal(p.Intent)
	if err != nil {
		return fmt.Errorf("ops: encode intent: %w", err)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt

	_, err = r.db.ExecContext(ctx, `INSERT INTO operational_plans
	(id, user_id, module, message, intent_payload, risk_level, estimated_impact_count, status, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.PlanID, p.UserID, p.Module, p.Message, intentJSON, string(p.RiskLevel),
		p.EstimatedImpactCount, p.Status, nullString(p.Error), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ops: insert plan: %w", err)
	}
	return nil
}

// GetPlan returns the plan for planID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, user_id, module, message, intent_payload,
	risk_level, estimated_impact_count, status, error, created_at, updated_at
FROM operational_plans WHERE id = $1`, planID)

	p, err := scanPlan(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// UpdatePlanStatus moves the plan to status and records errMsg when present.
func (r *PostgresRepository) UpdatePlanStatus(ctx context.Context, planID, status, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE operational_plans SET status = $2, error = $3, updated_at = $4 WHERE id = $1`,
		planID, status, nullString(errMsg), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ops: update plan %s: %w", planID, err)
	}
	return nil
}

// ListPlans returns plans newest first, optionally limited to one user.
func (r *PostgresRepository) ListPlans(ctx context.Context, userID int64, limit int) ([]*domain.Plan, error) {
	query := `SELECT id, user_id, module, message, intent_payload,
	risk_level, estimated_impact_count, status, error, created_at, updated_at
FROM operational_plans`
	var args []interface{}
	if userID != 0 {
		query += " WHERE user_id = $1"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ops: list plans: %w", err)
	}
	defer rows.Close()

	var out []*domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlan(scan func(dest ...interface{}) error) (*domain.Plan, error) {
	var p domain.Plan
	var intentJSON []byte
	var riskLevel string
	var errMsg sql.NullString

	if err := scan(&p.PlanID, &p.UserID, &p.Module, &p.Message, &intentJSON,
		&riskLevel, &p.EstimatedImpactCount, &p.Status, &errMsg, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("ops: scan plan: %w", err)
	}

	p.RiskLevel = risk.Level(riskLevel)
	p.Error = errMsg.String
	if len(intentJSON) > 0 {
		var payload intent.Payload
		if err := json.Unmarshal(intentJSON, &payload); err != nil {
			return nil, fmt.Errorf("ops: decode intent: %w", err)
		}
		p.Intent = payload
	}
	return &p, nil
}

// InsertExecution persists a pending execution record.
func (r *PostgresRepository) InsertExecution(ctx context.Context, e *domain.Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO operational_executions
	(id, plan_id, executed_by, status, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		e.ExecutionID, e.PlanID, e.ExecutedBy, e.Status, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ops: insert execution: %w", err)
	}
	return nil
}

// GetExecution returns the execution for executionID, or nil if not found.
func (r *PostgresRepository) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, plan_id, executed_by, status,
	before_state, after_state, failure_state, rollback_state, executed_at, rolled_back_at, created_at
FROM operational_executions WHERE id = $1`, executionID)

	var e domain.Execution
	var beforeJSON, afterJSON, failureJSON, rollbackJSON []byte
	var executedAt, rolledBackAt sql.NullTime

	err := row.Scan(&e.ExecutionID, &e.PlanID, &e.ExecutedBy, &e.Status,
		&beforeJSON, &afterJSON, &failureJSON, &rollbackJSON, &executedAt, &rolledBackAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ops: scan execution: %w", err)
	}

	if err := decodeJSON(beforeJSON, &e.BeforeState); err != nil {
		return nil, err
	}
	if err := decodeJSON(afterJSON, &e.AfterState); err != nil {
		return nil, err
	}
	if err := decodeJSON(failureJSON, &e.FailureState); err != nil {
		return nil, err
	}
	if err := decodeJSON(rollbackJSON, &e.RollbackState); err != nil {
		return nil, err
	}
	if executedAt.Valid {
		t := executedAt.Time
		e.ExecutedAt = &t
	}
	if rolledBackAt.Valid {
		t := rolledBackAt.Time
		e.RolledBackAt = &t
	}
	return &e, nil
}

// MarkExecutionExecuted stores the snapshots and moves the execution to
// executed.
func (r *PostgresRepository) MarkExecutionExecuted(ctx context.Context, executionID string, before, after []domain.Row, at time.Time) error {
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return fmt.Errorf("ops: encode before state: %w", err)
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("ops: encode after state: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE operational_executions
SET status = $2, before_state = $3, after_state = $4, executed_at = $5 WHERE id = $1`,
		executionID, domain.ExecutionExecuted, beforeJSON, afterJSON, at)
	if err != nil {
		return fmt.Errorf("ops: mark execution executed: %w", err)
	}
	return nil
}

// MarkExecutionFailed stores the failure detail and moves the execution to
// failed.
func (r *PostgresRepository) MarkExecutionFailed(ctx context.Context, executionID string, failure map[string]interface{}) error {
	failureJSON, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("ops: encode failure state: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE operational_executions
SET status = $2, failure_state = $3 WHERE id = $1`,
		executionID, domain.ExecutionFailed, failureJSON)
	if err != nil {
		return fmt.Errorf("ops: mark execution failed: %w", err)
	}
	return nil
}

// MarkExecutionRolledBack stores the rollback detail and moves the execution
// to rolled_back.
func (r *PostgresRepository) MarkExecutionRolledBack(ctx context.Context, executionID string, rollback map[string]interface{}, at time.Time) error {
	rollbackJSON, err := json.Marshal(rollback)
	if err != nil {
		return fmt.Errorf("ops: encode rollback state: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE operational_executions
SET status = $2, rollback_state = $3, rolled_back_at = $4 WHERE id = $1`,
		executionID, domain.ExecutionRolledBack, rollbackJSON, at)
	if err != nil {
		return fmt.Errorf("ops: mark execution rolled back: %w", err)
	}
	return nil
}

// Stats aggregates plan outcomes for the dashboard view.
func (r *PostgresRepository) Stats(ctx context.Context) (*domain.StatsSummary, error) {
	s := &domain.StatsSummary{
		ByRisk:   map[string]int{},
		ByModule: map[string]domain.Tally{},
	}

	err := r.db.QueryRowContext(ctx, `SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'executed' AND updated_at >= date_trunc('day', now())),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'rolled_back')
FROM operational_plans`).Scan(&s.TotalPlans, &s.ExecutedToday, &s.FailedTotal, &s.RolledBackTotal)
	if err != nil {
		return nil, fmt.Errorf("ops: stats totals: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT risk_level, COUNT(*) FROM operational_plans WHERE risk_level <> '' GROUP BY risk_level`)
	if err != nil {
		return nil, fmt.Errorf("ops: stats by risk: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		s.ByRisk[level] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	moduleRows, err := r.db.QueryContext(ctx, `SELECT module,
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'executed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'rolled_back')
FROM operational_plans GROUP BY module`)
	if err != nil {
		return nil, fmt.Errorf("ops: stats by module: %w", err)
	}
	defer moduleRows.Close()
	for moduleRows.Next() {
		var module string
		var t domain.Tally
		if err := moduleRows.Scan(&module, &t.Total, &t.Executed, &t.Failed, &t.RolledBack); err != nil {
			return nil, err
		}
		s.ByModule[module] = t
	}
	return s, moduleRows.Err()
}

func decodeJSON(raw []byte, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("ops: decode snapshot: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
