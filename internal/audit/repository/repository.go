package repository

import (
	"context"

	"campusiq-governance/internal/audit/domain"
)

// Repository defines persistence for audit events. Insert is the only write;
// the table has no update or delete path.
type Repository interface {
	Insert(ctx context.Context, e *domain.Event) error
	List(ctx context.Context, f domain.Filter) ([]*domain.Event, error)
}
