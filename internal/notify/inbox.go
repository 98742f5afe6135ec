package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
)

// Recipients resolves denormalized patient/doctor keys to account ids.
type Recipients interface {
	PatientAccounts(ctx context.Context, patientID string) ([]string, error)
	DoctorAccounts(ctx context.Context, doctorID string) ([]string, error)
	StaffAccounts(ctx context.Context) ([]string, error)
}

type Repository interface {
	InsertMany(ctx context.Context, ns []Notification) error
	ListForRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]Notification, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	MarkRead(ctx context.Context, recipientID string, id uuid.UUID) (bool, error)
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
	ListUnpublished(ctx context.Context, limit int) ([]Notification, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

var ErrNotificationNotFound = apperr.NotFound("notification not found")

// InboxHook stores one notification row per resolved recipient.
type InboxHook struct {
	repo       Repository
	recipients Recipients
}

func NewInboxHook(repo Repository, recipients Recipients) *InboxHook {
	return &InboxHook{repo: repo, recipients: recipients}
}

func (h *InboxHook) Name() string { return "inbox" }

func (h *InboxHook) Handle(ctx context.Context, ev Event) error {
	ids, err := h.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().UTC()
	ns := make([]Notification, 0, len(ids))
	for _, id := range ids {
		ns = append(ns, Notification{
			ID:          uuid.New(),
			RecipientID: id,
			Event:       ev.Name,
			EntityType:  ev.EntityType,
			EntityID:    ev.EntityID,
			Title:       ev.Title,
			Body:        ev.Body,
			CreatedAt:   now,
		})
	}
	return h.repo.InsertMany(ctx, ns)
}

func (h *InboxHook) resolve(ctx context.Context, ev Event) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	if ev.Audience.Patient && ev.PatientID != "" {
		ids, err := h.recipients.PatientAccounts(ctx, ev.PatientID)
		if err != nil {
			return nil, fmt.Errorf("resolve patient accounts: %w", err)
		}
		add(ids)
	}
	if ev.Audience.Doctor && ev.DoctorID != "" {
		ids, err := h.recipients.DoctorAccounts(ctx, ev.DoctorID)
		if err != nil {
			return nil, fmt.Errorf("resolve doctor accounts: %w", err)
		}
		add(ids)
	}
	if ev.Audience.Staff {
		ids, err := h.recipients.StaffAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve staff accounts: %w", err)
		}
		add(ids)
	}
	return out, nil
}

// Inbox is the recipient-facing read side.
type Inbox struct {
	repo Repository
}

func NewInbox(repo Repository) *Inbox {
	return &Inbox{repo: repo}
}

func (i *Inbox) List(ctx context.Context, who actor.Actor, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return i.repo.ListForRecipient(ctx, who.ID, unreadOnly, limit)
}

func (i *Inbox) UnreadCount(ctx context.Context, who actor.Actor) (int, error) {
	return i.repo.CountUnread(ctx, who.ID)
}

// MarkRead only touches rows addressed to the caller.
func (i *Inbox) MarkRead(ctx context.Context, who actor.Actor, id uuid.UUID) error {
	ok, err := i.repo.MarkRead(ctx, who.ID, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !ok {
		return ErrNotificationNotFound
	}
	return nil
}

func (i *Inbox) MarkAllRead(ctx context.Context, who actor.Actor) (int64, error) {
	return i.repo.MarkAllRead(ctx, who.ID)
}
