package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Hook runs after the authoritative write of a mutation has succeeded.
type Hook interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Dispatcher runs its hooks in order. Hook failures and panics are logged
// and swallowed so they can never undo or fail the triggering mutation.
type Dispatcher struct {
	hooks []Hook
	log   *zap.Logger
}

func NewDispatcher(log *zap.Logger, hooks ...Hook) *Dispatcher {
	return &Dispatcher{hooks: hooks, log: log}
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	for _, h := range d.hooks {
		if err := d.run(ctx, h, ev); err != nil {
			d.log.Warn("notification hook failed",
				zap.String("hook", h.Name()),
				zap.String("event", ev.Name),
				zap.String("entity_type", ev.EntityType),
				zap.String("entity_id", ev.EntityID),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, h Hook, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}
