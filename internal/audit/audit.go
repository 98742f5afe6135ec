// Package audit keeps the append-only trail of every mutation made by the
// scheduling, billing and payment services.
package audit

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
)

const (
	EntityAppointment = "appointment"
	EntityBill        = "bill"
	EntityPayment     = "payment"
	EntityPatient     = "patient"
)

type Entry struct {
	ID         int64           `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	Diff       json.RawMessage `json:"diff,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Repository interface {
	Insert(ctx context.Context, e Entry) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]Entry, error)
}

// Recorder writes entries on a best-effort basis: a failed write is logged
// and never surfaces to the mutation that triggered it.
type Recorder struct {
	repo Repository
	log  *zap.Logger
	now  func() time.Time
}

func NewRecorder(repo Repository, log *zap.Logger) *Recorder {
	return &Recorder{repo: repo, log: log, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, entityType, entityID, actorID, action string, diff any) {
	var data json.RawMessage
	if diff != nil {
		b, err := json.Marshal(diff)
		if err != nil {
			r.log.Warn("audit diff marshal failed",
				zap.String("entity_type", entityType),
				zap.String("entity_id", entityID),
				zap.String("action", action),
				zap.Error(err),
			)
		} else {
			data = b
		}
	}

	e := Entry{
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		Action:     action,
		Diff:       data,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.repo.Insert(ctx, e); err != nil {
		r.log.Error("audit insert failed",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// List returns the trail for one entity. Only back-office actors may read it.
func (r *Recorder) List(ctx context.Context, who actor.Actor, entityType, entityID string) ([]Entry, error) {
	if !who.IsStaff() {
		return nil, apperr.Forbidden("audit trail is restricted to staff")
	}
	if entityType == "" || entityID == "" {
		return nil, apperr.Validation("entity type and id are required")
	}
	return r.repo.ListByEntity(ctx, entityType, entityID)
}
