// Package service exposes audit recording and history queries.
package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"campusiq-governance/internal/audit/domain"
	"campusiq-governance/internal/audit/repository"
	opsdomain "campusiq-governance/internal/ops/domain"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// EventEmitter forwards recorded events to an observability sink.
type EventEmitter interface {
	Emit(ctx context.Context, e *domain.Event) error
}

// Service records audit events and serves the history view.
type Service struct {
	repo    repository.Repository
	emitter EventEmitter
}

// NewService returns an audit service backed by repo. emitter may be nil,
// in which case events are persisted without telemetry export.
func NewService(repo repository.Repository, emitter EventEmitter) *Service {
	return &Service{repo: repo, emitter: emitter}
}

// Record assigns the event an id and timestamp and appends it. Telemetry
// export happens asynchronously after the insert and never fails the record.
func (s *Service) Record(ctx context.Context, e *domain.Event) error {
	if e.EventID == "" {
		e.EventID = domain.NewEventID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.Insert(ctx, e); err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}

	if s.emitter != nil {
		event := *e
		go func() {
			emitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.emitter.Emit(emitCtx, &event); err != nil {
				log.Printf("audit: emit event %s: %v", event.EventID, err)
			}
		}()
	}
	return nil
}

// History returns audit events visible to the actor, newest first. Non-admin
// actors only ever see their own events regardless of the requested filter.
func (s *Service) History(ctx context.Context, actor opsdomain.Actor, f domain.Filter) ([]*domain.Event, error) {
	if actor.Role != opsdomain.RoleAdmin {
		f.ActorUserID = actor.UserID
	}
	if f.Limit <= 0 {
		f.Limit = defaultHistoryLimit
	}
	if f.Limit > maxHistoryLimit {
		f.Limit = maxHistoryLimit
	}
	return s.repo.List(ctx, f)
}
