package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"campusiq-governance/internal/audit/domain"
	opsdomain "campusiq-governance/internal/ops/domain"
	"campusiq-governance/internal/risk"
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type PostgresRepository struct {
	db dbtx
}

// NewPostgresRepository returns an audit repository that uses the given db
// for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithTx returns a copy of the repository bound to tx, so an audit insert
// commits or aborts together with the execution it records.
func (r *PostgresRepository) WithTx(tx *sql.Tx) *PostgresRepository {
	return &PostgresRepository{db: tx}
}

const insertEventSQL = `INSERT INTO immutable_audit_logs
	(id, plan_id, execution_id, user_id, role, module, operation_type, event_type,
	 risk_level, intent_payload, before_state, after_state, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// Insert appends one event. The event must have EventID and CreatedAt set.
func (r *PostgresRepository) Insert(ctx context.Context, e *domain.Event) error {
	intentJSON, err := marshalJSON(e.IntentPayload)
	if err != nil {
		return fmt.Errorf("audit: encode intent payload: %w", err)
	}
	beforeJSON, err := marshalJSON(e.BeforeState)
	if err != nil {
		return fmt.Errorf("audit: encode before state: %w", err)
	}
	afterJSON, err := marshalJSON(e.AfterState)
	if err != nil {
		return fmt.Errorf("audit: encode after state: %w", err)
	}
	metaJSON, err := marshalJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, insertEventSQL,
		e.EventID, nullString(e.PlanID), nullString(e.ExecutionID), e.UserID, e.Role,
		e.Module, e.OperationType, e.EventType, string(e.RiskLevel),
		intentJSON, beforeJSON, afterJSON, metaJSON, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// List returns events matching the filter, newest first.
func (r *PostgresRepository) List(ctx context.Context, f domain.Filter) ([]*domain.Event, error) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Module != "" {
		add("module = $%d", f.Module)
	}
	if f.OperationType != "" {
		add("operation_type = $%d", f.OperationType)
	}
	if f.RiskLevel != "" {
		add("risk_level = $%d", f.RiskLevel)
	}
	if f.ActorUserID != 0 {
		add("user_id = $%d", f.ActorUserID)
	}
	if f.Start != nil {
		add("created_at >= $%d", *f.Start)
	}
	if f.End != nil {
		add("created_at <= $%d", *f.End)
	}

	query := `SELECT id, plan_id, execution_id, user_id, role, module, operation_type,
	event_type, risk_level, intent_payload, before_state, after_state, metadata, created_at
FROM immutable_audit_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*domain.Event, error) {
	var e domain.Event
	var planID, executionID sql.NullString
	var riskLevel string
	var intentJSON, beforeJSON, afterJSON, metaJSON []byte

	if err := rows.Scan(&e.EventID, &planID, &executionID, &e.UserID, &e.Role,
		&e.Module, &e.OperationType, &e.EventType, &riskLevel,
		&intentJSON, &beforeJSON, &afterJSON, &metaJSON, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("audit: scan event: %w", err)
	}

	e.PlanID = planID.String
	e.ExecutionID = executionID.String
	e.RiskLevel = risk.Level(riskLevel)

	if err := unmarshalJSON(intentJSON, &e.IntentPayload); err != nil {
		return nil, fmt.Errorf("audit: decode intent payload: %w", err)
	}
	if err := unmarshalJSON(beforeJSON, &e.BeforeState); err != nil {
		return nil, fmt.Errorf("audit: decode before state: %w", err)
	}
	if err := unmarshalJSON(afterJSON, &e.AfterState); err != nil {
		return nil, fmt.Errorf("audit: decode after state: %w", err)
	}
	if err := unmarshalJSON(metaJSON, &e.Metadata); err != nil {
		return nil, fmt.Errorf("audit: decode metadata: %w", err)
	}
	return &e, nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	if rows, ok := v.([]opsdomain.Row); ok && rows == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(raw []byte, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
