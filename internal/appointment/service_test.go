package appointment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-billing/internal/actor"
	"github.com/hackgods/clinic-scheduling-billing/internal/apperr"
	"github.com/hackgods/clinic-scheduling-billing/internal/notify"
	"github.com/hackgods/clinic-scheduling-billing/internal/slots"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Appointment
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Appointment)}
}

func (m *mockRepo) liveConflict(doctorID string, startsAt time.Time, self uuid.UUID) bool {
	for _, a := range m.items {
		if a.ID != self && a.DoctorID == doctorID && a.StartsAt.Equal(startsAt) && a.Status != StatusCancelled {
			return true
		}
	}
	return false
}

func (m *mockRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveConflict(a.DoctorID, a.StartsAt, a.ID) {
		return ErrSlotTaken
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, f Filter) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.items {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.Status == nil && !f.IncludeCancelled && a.Status == StatusCancelled {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, actorID string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.Status != from {
		return nil, ErrConcurrentUpdate
	}
	a.Status = to
	a.UpdatedBy = actorID
	cp := *a
	return &cp, nil
}

func (m *mockRepo) Reschedule(_ context.Context, id uuid.UUID, from Status, doctorID string, startsAt, endsAt time.Time, actorID string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.Status != from {
		return nil, ErrConcurrentUpdate
	}
	if m.liveConflict(doctorID, startsAt, id) {
		return nil, ErrSlotTaken
	}
	a.Status = StatusRescheduled
	a.DoctorID = doctorID
	a.StartsAt = startsAt
	a.EndsAt = endsAt
	a.UpdatedBy = actorID
	cp := *a
	return &cp, nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *mockRepo) LiveAtSlot(_ context.Context, doctorID string, startsAt time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, a := range m.items {
		if a.DoctorID == doctorID && a.StartsAt.Equal(startsAt) && a.Status != StatusCancelled {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (m *mockRepo) LiveStartTimes(_ context.Context, doctorID string, from, to time.Time) ([]time.Time, error) {
	return nil, nil
}

// -- Mock collaborators --

type auditCall struct {
	entityID string
	actorID  string
	action   string
	diff     map[string]any
}

type mockAuditor struct {
	mu    sync.Mutex
	calls []auditCall
}

func (m *mockAuditor) Record(_ context.Context, _ string, entityID, actorID, action string, diff any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, _ := diff.(map[string]any)
	m.calls = append(m.calls, auditCall{entityID: entityID, actorID: actorID, action: action, diff: d})
}

type mockNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *mockNotifier) Dispatch(_ context.Context, ev notify.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

type mockBilling struct {
	patients []string
	err      error
}

func (m *mockBilling) Reconcile(_ context.Context, patientID string, _ actor.Actor) error {
	m.patients = append(m.patients, patientID)
	return m.err
}

type noRoster struct{}

func (noRoster) DoctorExists(context.Context, string) (bool, error) { return true, nil }
func (noRoster) RosterFor(context.Context, string, time.Time, time.Time) ([]slots.RosterRange, error) {
	return nil, nil
}

// -- Fixtures --

var testNow = time.Date(2026, 11, 1, 8, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

var (
	patientP1 = actor.Actor{ID: "acct-p1", Role: actor.RolePatient, LinkedPatientID: strPtr("P-1")}
	patientP2 = actor.Actor{ID: "acct-p2", Role: actor.RolePatient, LinkedPatientID: strPtr("P-2")}
	doctorD1  = actor.Actor{ID: "acct-d1", Role: actor.RoleDoctor, DoctorProfileID: strPtr("D-1")}
	doctorD2  = actor.Actor{ID: "acct-d2", Role: actor.RoleDoctor, DoctorProfileID: strPtr("D-2")}
	staff     = actor.Actor{ID: "acct-s1", Role: actor.RoleStaff}
)

type fixture struct {
	svc      *Service
	repo     *mockRepo
	audit    *mockAuditor
	notifier *mockNotifier
	billing  *mockBilling
}

func newFixture() *fixture {
	repo := newMockRepo()
	alloc := slots.NewAllocator(noRoster{}, repo, slots.Config{SlotDuration: 30 * time.Minute})
	f := &fixture{
		repo:     repo,
		audit:    &mockAuditor{},
		notifier: &mockNotifier{},
		billing:  &mockBilling{},
	}
	f.svc = NewService(repo, alloc, NewPolicy(12*time.Hour), f.billing, f.audit, f.notifier, zap.NewNop())
	f.svc.now = func() time.Time { return testNow }
	return f
}

func rfc(t time.Time) string { return t.Format(time.RFC3339) }

func bookReq(patientID, doctorID string, start time.Time) BookRequest {
	return BookRequest{
		PatientID:  patientID,
		DoctorID:   doctorID,
		Department: "General Practice",
		StartsAt:   rfc(start),
		EndsAt:     rfc(start.Add(30 * time.Minute)),
	}
}

func (f *fixture) book(t *testing.T, patientID, doctorID string, start time.Time) *Appointment {
	t.Helper()
	a, err := f.svc.Book(context.Background(), bookReq(patientID, doctorID, start), staff)
	require.NoError(t, err)
	return a
}

func (f *fixture) setStatus(id uuid.UUID, s Status) {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	f.repo.items[id].Status = s
}

// -- Book --

func TestBook_Success(t *testing.T) {
	f := newFixture()
	start := testNow.Add(48 * time.Hour)

	a, err := f.svc.Book(context.Background(), bookReq("P-1", "D-1", start), patientP1)
	require.NoError(t, err)

	assert.Equal(t, StatusBooked, a.Status)
	assert.Equal(t, "acct-p1", a.CreatedBy)
	assert.True(t, a.StartsAt.Equal(start))

	require.Len(t, f.audit.calls, 1)
	assert.Equal(t, ActionBook, f.audit.calls[0].action)

	require.Len(t, f.notifier.events, 1)
	ev := f.notifier.events[0]
	assert.Equal(t, notify.EventAppointmentBooked, ev.Name)
	assert.Equal(t, notify.Audience{Patient: true, Doctor: true}, ev.Audience)
	assert.Equal(t, "P-1", ev.PatientID)
	assert.Equal(t, "D-1", ev.DoctorID)
}

func TestBook_Validation(t *testing.T) {
	f := newFixture()
	start := testNow.Add(48 * time.Hour)

	cases := []struct {
		name string
		req  BookRequest
	}{
		{"bad start", BookRequest{PatientID: "P-1", DoctorID: "D-1", StartsAt: "tomorrow", EndsAt: rfc(start)}},
		{"missing end", BookRequest{PatientID: "P-1", DoctorID: "D-1", StartsAt: rfc(start)}},
		{"end before start", BookRequest{PatientID: "P-1", DoctorID: "D-1", StartsAt: rfc(start), EndsAt: rfc(start.Add(-time.Minute))}},
		{"missing doctor", BookRequest{PatientID: "P-1", StartsAt: rfc(start), EndsAt: rfc(start.Add(30 * time.Minute))}},
		{"in the past", bookReq("P-1", "D-1", testNow.Add(-time.Hour))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Book(context.Background(), tc.req, staff)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Empty(t, f.audit.calls)
}

func TestBook_Ownership(t *testing.T) {
	f := newFixture()
	start := testNow.Add(48 * time.Hour)

	_, err := f.svc.Book(context.Background(), bookReq("P-2", "D-1", start), patientP1)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Book(context.Background(), bookReq("P-2", "D-1", start), doctorD2)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Book(context.Background(), bookReq("P-2", "D-2", start), doctorD2)
	assert.NoError(t, err)
}

func TestBook_SlotTaken(t *testing.T) {
	f := newFixture()
	start := testNow.Add(48 * time.Hour)
	f.book(t, "P-1", "D-1", start)

	_, err := f.svc.Book(context.Background(), bookReq("P-2", "D-1", start), patientP2)
	assert.ErrorIs(t, err, ErrSlotTaken)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// another doctor at the same time is fine
	_, err = f.svc.Book(context.Background(), bookReq("P-2", "D-2", start), patientP2)
	assert.NoError(t, err)
}

func TestBook_CancelledSlotIsFree(t *testing.T) {
	f := newFixture()
	start := testNow.Add(48 * time.Hour)
	a := f.book(t, "P-1", "D-1", start)

	_, err := f.svc.Cancel(context.Background(), a.ID, patientP1)
	require.NoError(t, err)

	_, err = f.svc.Book(context.Background(), bookReq("P-2", "D-1", start), patientP2)
	assert.NoError(t, err)
}

func TestBook_ConcurrentSameSlot(t *testing.T) {
	f := newFixture()
	start := testNow.Add(48 * time.Hour)

	const attempts = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	success, conflicts, other := 0, 0, 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Book(context.Background(), bookReq(uuid.NewString(), "D-1", start), staff)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				other++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, attempts-1, conflicts)
	assert.Equal(t, 0, other)

	ids, _ := f.repo.LiveAtSlot(context.Background(), "D-1", start)
	assert.Len(t, ids, 1)
}

// -- Cancel --

func TestCancel_PatientOwnBooked(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(3*time.Hour))

	res, err := f.svc.Cancel(context.Background(), a.ID, patientP1)
	require.NoError(t, err)
	assert.False(t, res.Deleted)
	assert.Equal(t, StatusCancelled, res.Appointment.Status)

	stored, err := f.repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
}

func TestCancel_OtherPatientForbidden(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))

	_, err := f.svc.Cancel(context.Background(), a.ID, patientP2)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestCancel_ApprovedInsideCutoff(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(6*time.Hour))
	f.setStatus(a.ID, StatusApproved)

	_, err := f.svc.Cancel(context.Background(), a.ID, patientP1)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	res, err := f.svc.Cancel(context.Background(), a.ID, staff)
	require.NoError(t, err)
	assert.True(t, res.Deleted)

	_, err = f.repo.GetByID(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	last := f.audit.calls[len(f.audit.calls)-1]
	assert.Equal(t, ActionCancel, last.action)
	assert.Equal(t, true, last.diff["purged"])
}

func TestCancel_DoctorBypassesCutoffAndKeepsRow(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(2*time.Hour))
	f.setStatus(a.ID, StatusConfirmed)

	res, err := f.svc.Cancel(context.Background(), a.ID, doctorD1)
	require.NoError(t, err)
	assert.False(t, res.Deleted)

	_, err = f.svc.Cancel(context.Background(), a.ID, doctorD1)
	assert.ErrorIs(t, err, apperr.ErrConflict, "second cancel is a no-op error")
}

func TestCancel_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Cancel(context.Background(), uuid.New(), staff)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// -- Reschedule --

func TestReschedule_Success(t *testing.T) {
	f := newFixture()
	oldStart := testNow.Add(48 * time.Hour)
	a := f.book(t, "P-1", "D-1", oldStart)
	newStart := oldStart.Add(2 * time.Hour)

	updated, err := f.svc.Reschedule(context.Background(), a.ID, RescheduleRequest{
		StartsAt: rfc(newStart),
		EndsAt:   rfc(newStart.Add(30 * time.Minute)),
	}, patientP1)
	require.NoError(t, err)

	assert.Equal(t, a.ID, updated.ID)
	assert.Equal(t, StatusRescheduled, updated.Status)
	assert.True(t, updated.StartsAt.Equal(newStart))

	last := f.audit.calls[len(f.audit.calls)-1]
	assert.Equal(t, ActionReschedule, last.action)
	assert.True(t, oldStart.Equal(last.diff["old_starts_at"].(time.Time)))
	assert.True(t, newStart.Equal(last.diff["new_starts_at"].(time.Time)))

	ev := f.notifier.events[len(f.notifier.events)-1]
	assert.Equal(t, notify.EventAppointmentRescheduled, ev.Name)
	assert.Contains(t, ev.Body, "previously")
}

func TestReschedule_SameSlotOwnIDIsFree(t *testing.T) {
	f := newFixture()
	start := testNow.Add(48 * time.Hour)
	a := f.book(t, "P-1", "D-1", start)

	_, err := f.svc.Reschedule(context.Background(), a.ID, RescheduleRequest{
		StartsAt: rfc(start),
		EndsAt:   rfc(start.Add(time.Hour)),
	}, patientP1)
	assert.NoError(t, err)
}

func TestReschedule_PastAlwaysFails(t *testing.T) {
	past := testNow.Add(-2 * time.Hour)
	for _, who := range []actor.Actor{patientP1, doctorD1, staff} {
		t.Run(string(who.Role), func(t *testing.T) {
			f := newFixture()
			a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))

			_, err := f.svc.Reschedule(context.Background(), a.ID, RescheduleRequest{
				StartsAt: rfc(past),
				EndsAt:   rfc(past.Add(30 * time.Minute)),
			}, who)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestReschedule_Conflict(t *testing.T) {
	f := newFixture()
	taken := testNow.Add(72 * time.Hour)
	f.book(t, "P-2", "D-1", taken)
	a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))

	_, err := f.svc.Reschedule(context.Background(), a.ID, RescheduleRequest{
		StartsAt: rfc(taken),
		EndsAt:   rfc(taken.Add(30 * time.Minute)),
	}, patientP1)
	assert.ErrorIs(t, err, ErrSlotTaken)
}

func TestReschedule_DoctorChangeStaffOnly(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))
	newStart := testNow.Add(50 * time.Hour)
	req := RescheduleRequest{
		StartsAt: rfc(newStart),
		EndsAt:   rfc(newStart.Add(30 * time.Minute)),
		DoctorID: strPtr("D-2"),
	}

	_, err := f.svc.Reschedule(context.Background(), a.ID, req, patientP1)
	assert.ErrorIs(t, err, ErrReassignStaffOnly)

	_, err = f.svc.Reschedule(context.Background(), a.ID, req, doctorD1)
	assert.ErrorIs(t, err, ErrReassignStaffOnly)

	before := len(f.notifier.events)
	updated, err := f.svc.Reschedule(context.Background(), a.ID, req, staff)
	require.NoError(t, err)
	assert.Equal(t, "D-2", updated.DoctorID)

	// patient + new doctor, then the previous doctor
	require.Len(t, f.notifier.events, before+2)
	assert.Equal(t, "D-1", f.notifier.events[before+1].DoctorID)
}

func TestReschedule_ApprovedPatientForbidden(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))
	f.setStatus(a.ID, StatusApproved)
	newStart := testNow.Add(96 * time.Hour)

	_, err := f.svc.Reschedule(context.Background(), a.ID, RescheduleRequest{
		StartsAt: rfc(newStart),
		EndsAt:   rfc(newStart.Add(30 * time.Minute)),
	}, patientP1)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

// -- Approve / Reject / Complete --

func TestApprove_TriggersBilling(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))

	updated, err := f.svc.Approve(context.Background(), a.ID, doctorD1)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, updated.Status)
	assert.Equal(t, []string{"P-1"}, f.billing.patients)

	last := f.audit.calls[len(f.audit.calls)-1]
	assert.Equal(t, ActionApprove, last.action)
}

func TestApprove_BillingFailureDoesNotFail(t *testing.T) {
	f := newFixture()
	f.billing.err = errors.New("redis down")
	a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))

	updated, err := f.svc.Approve(context.Background(), a.ID, staff)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, updated.Status)
}

func TestApprove_Permissions(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))

	_, err := f.svc.Approve(context.Background(), a.ID, patientP1)
	assert.ErrorIs(t, err, ErrClinicianOnly)

	_, err = f.svc.Approve(context.Background(), a.ID, doctorD2)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.svc.Approve(context.Background(), a.ID, doctorD1)
	require.NoError(t, err)

	_, err = f.svc.Approve(context.Background(), a.ID, doctorD1)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReject(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))

	updated, err := f.svc.Reject(context.Background(), a.ID, doctorD1)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)
	assert.Equal(t, notify.EventAppointmentRejected, f.notifier.events[len(f.notifier.events)-1].Name)
	assert.Empty(t, f.billing.patients)
}

func TestCompleteAndNoShow(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))
	b := f.book(t, "P-1", "D-1", testNow.Add(50*time.Hour))

	_, err := f.svc.Complete(context.Background(), a.ID, doctorD1)
	assert.ErrorIs(t, err, ErrInvalidTransition, "must be approved first")

	f.setStatus(a.ID, StatusApproved)
	f.setStatus(b.ID, StatusAccepted)

	done, err := f.svc.Complete(context.Background(), a.ID, doctorD1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	missed, err := f.svc.MarkNoShow(context.Background(), b.ID, staff)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, missed.Status)
}

func TestBilledVisitChangesRefreshBill(t *testing.T) {
	t.Run("cancel by doctor", func(t *testing.T) {
		f := newFixture()
		a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))
		_, err := f.svc.Approve(context.Background(), a.ID, doctorD1)
		require.NoError(t, err)

		_, err = f.svc.Cancel(context.Background(), a.ID, doctorD1)
		require.NoError(t, err)
		assert.Equal(t, []string{"P-1", "P-1"}, f.billing.patients)
	})

	t.Run("cancel and purge by staff", func(t *testing.T) {
		f := newFixture()
		a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))
		f.setStatus(a.ID, StatusApproved)

		res, err := f.svc.Cancel(context.Background(), a.ID, staff)
		require.NoError(t, err)
		assert.True(t, res.Deleted)
		assert.Equal(t, []string{"P-1"}, f.billing.patients)
	})

	t.Run("reschedule", func(t *testing.T) {
		f := newFixture()
		start := testNow.Add(48 * time.Hour)
		a := f.book(t, "P-1", "D-1", start)
		f.setStatus(a.ID, StatusApproved)

		_, err := f.svc.Reschedule(context.Background(), a.ID, RescheduleRequest{
			StartsAt: rfc(start.Add(time.Hour)),
			EndsAt:   rfc(start.Add(90 * time.Minute)),
		}, staff)
		require.NoError(t, err)
		assert.Equal(t, []string{"P-1"}, f.billing.patients)
	})

	t.Run("no-show", func(t *testing.T) {
		f := newFixture()
		a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))
		f.setStatus(a.ID, StatusConfirmed)

		_, err := f.svc.MarkNoShow(context.Background(), a.ID, doctorD1)
		require.NoError(t, err)
		assert.Equal(t, []string{"P-1"}, f.billing.patients)
	})

	t.Run("unbilled cancel leaves bill alone", func(t *testing.T) {
		f := newFixture()
		a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))

		_, err := f.svc.Cancel(context.Background(), a.ID, patientP1)
		require.NoError(t, err)
		assert.Empty(t, f.billing.patients)
	})

	t.Run("reconcile failure does not fail cancel", func(t *testing.T) {
		f := newFixture()
		f.billing.err = errors.New("redis down")
		a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))
		f.setStatus(a.ID, StatusApproved)

		res, err := f.svc.Cancel(context.Background(), a.ID, doctorD1)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, res.Appointment.Status)
	})
}

// -- Reads --

func TestList_RoleScoped(t *testing.T) {
	f := newFixture()
	f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))
	f.book(t, "P-2", "D-1", testNow.Add(49*time.Hour))
	c := f.book(t, "P-2", "D-2", testNow.Add(50*time.Hour))
	_, err := f.svc.Cancel(context.Background(), c.ID, patientP2)
	require.NoError(t, err)

	got, err := f.svc.List(context.Background(), Filter{PatientID: strPtr("P-2")}, patientP1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "P-1", got[0].PatientID)

	got, err = f.svc.List(context.Background(), Filter{}, doctorD1)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = f.svc.List(context.Background(), Filter{}, staff)
	require.NoError(t, err)
	assert.Len(t, got, 2, "cancelled hidden by default")

	got, err = f.svc.List(context.Background(), Filter{IncludeCancelled: true}, staff)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = f.svc.List(context.Background(), Filter{}, actor.Actor{Role: actor.RolePatient})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGet_Scoped(t *testing.T) {
	f := newFixture()
	a := f.book(t, "P-1", "D-1", testNow.Add(48*time.Hour))

	_, err := f.svc.Get(context.Background(), a.ID, patientP2)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.svc.Get(context.Background(), a.ID, doctorD1)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}
