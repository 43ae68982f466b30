package repository

import (
	"context"
	"time"

	"campusiq-governance/internal/ops/domain"
)

// Repository defines persistence for plans and executions.
type Repository interface {
	InsertPlan(ctx context.Context, p *domain.Plan) error
	GetPlan(ctx context.Context, planID string) (*domain.Plan, error)
	UpdatePlanStatus(ctx context.Context, planID, status, errMsg string) error
	ListPlans(ctx context.Context, userID int64, limit int) ([]*domain.Plan, error)

	InsertExecution(ctx context.Context, e *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	MarkExecutionExecuted(ctx context.Context, executionID string, before, after []domain.Row, at time.Time) error
	MarkExecutionFailed(ctx context.Context, executionID string, failure map[string]interface{}) error
	MarkExecutionRolledBack(ctx context.Context, executionID string, rollback map[string]interface{}, at time.Time) error

	Stats(ctx context.Context) (*domain.StatsSummary, error)
}
