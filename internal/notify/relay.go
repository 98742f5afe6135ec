package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher pushes a stored notification to an external channel.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Relay drains unpublished notifications to a Publisher, outbox style.
type Relay struct {
	repo      Repository
	publisher Publisher
	batchSize int
	log       *zap.Logger
}

func NewRelay(repo Repository, publisher Publisher, batchSize int, log *zap.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{repo: repo, publisher: publisher, batchSize: batchSize, log: log}
}

// RunOnce publishes one batch and returns how many rows were marked.
// A publish failure stops the batch so ordering is kept; the rest is
// retried on the next tick.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.repo.ListUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load unpublished: %w", err)
	}

	var done []uuid.UUID
	for _, n := range pending {
		if err := r.publisher.Publish(ctx, n); err != nil {
			r.log.Warn("notification publish failed",
				zap.String("notification_id", n.ID.String()),
				zap.String("event", n.Event),
				zap.Error(err),
			)
			break
		}
		done = append(done, n.ID)
	}

	if err := r.repo.MarkPublished(ctx, done, time.Now().UTC()); err != nil {
		return 0, err
	}
	return len(done), nil
}
