package service

import (
	"context"
	"database/sql"
	"fmt"

	auditrepo "campusiq-governance/internal/audit/repository"
	auditservice "campusiq-governance/internal/audit/service"
	"campusiq-governance/internal/entitystore"
	"campusiq-governance/internal/ops/repository"
)

// SQLTxFactory opens database transactions and hands out tx-bound views of
// the stores, so an execution's mutation, bookkeeping, and audit event land
// in one commit.
type SQLTxFactory struct {
	db      *sql.DB
	plans   *repository.PostgresRepository
	audit   *auditrepo.PostgresRepository
	emitter auditservice.EventEmitter
}

// NewSQLTxFactory returns a factory over db. emitter may be nil.
func NewSQLTxFactory(db *sql.DB, plans *repository.PostgresRepository, audit *auditrepo.PostgresRepository, emitter auditservice.EventEmitter) *SQLTxFactory {
	return &SQLTxFactory{db: db, plans: plans, audit: audit, emitter: emitter}
}

// Begin opens a transaction-scoped unit of work.
func (f *SQLTxFactory) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqlUnitOfWork{
		tx:       tx,
		entities: entitystore.New(tx),
		plans:    f.plans.WithTx(tx),
		audit:    auditservice.NewService(f.audit.WithTx(tx), f.emitter),
	}, nil
}

type sqlUnitOfWork struct {
	tx       *sql.Tx
	entities *entitystore.Store
	plans    *repository.PostgresRepository
	audit    *auditservice.Service
}

func (u *sqlUnitOfWork) Entities() EntityStore        { return u.entities }
func (u *sqlUnitOfWork) Plans() repository.Repository { return u.plans }
func (u *sqlUnitOfWork) Audit() AuditRecorder         { return u.audit }
func (u *sqlUnitOfWork) Commit() error                { return u.tx.Commit() }
func (u *sqlUnitOfWork) Rollback() error              { return u.tx.Rollback() }
