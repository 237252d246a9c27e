package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/example/inspection-dispatch/internal/apperr"
	"github.com/example/inspection-dispatch/internal/logging"
	"github.com/example/inspection-dispatch/internal/models"
	"github.com/example/inspection-dispatch/internal/presence"
	"github.com/example/inspection-dispatch/internal/storage"
)

func newTestMachine(t *testing.T) (*Machine, *storage.MemoryStore, *presence.Index) {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := presence.NewIndex(2 * time.Minute)
	return NewMachine(store, reg, logging.NewNop()), store, reg
}

func seedAppointment(t *testing.T, store *storage.MemoryStore, id string) {
	t.Helper()
	now := time.Now()
	a := &models.Appointment{
		ID:        id,
		Number:    "INS-20260301-0001",
		ClientID:  "c1",
		VehicleID: "v1",
		Pickup:    models.Coord{Lat: 19.4326, Lng: -99.1332},
		Status:    models.StatusPending,
		Currency:  "mxn",
		CreatedAt: now,
		UpdatedAt: now,
		History:   []models.StatusChange{{Status: models.StatusPending, At: now, Actor: models.ActorClient}},
	}
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatal(err)
	}
}

func seedDriver(t *testing.T, reg *presence.Index, id string) {
	t.Helper()
	ctx := context.Background()
	if err := reg.SetStatus(ctx, id, true, true); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpdateLocation(ctx, id, 19.4330, -99.1330, time.Now()); err != nil {
		t.Fatal(err)
	}
}

func TestConfirmAssignsDriverAndFlipsAvailability(t *testing.T) {
	m, store, reg := newTestMachine(t)
	ctx := context.Background()
	seedAppointment(t, store, "a1")
	seedDriver(t, reg, "d1")

	if err := m.Confirm(ctx, "a1", "d1"); err != nil {
		t.Fatal(err)
	}
	a, _ := store.Get(ctx, "a1")
	if a.Status != models.StatusConfirmed || a.DriverID != "d1" {
		t.Fatalf("unexpected state: status=%s driver=%s", a.Status, a.DriverID)
	}
	d, _ := reg.Get(ctx, "d1")
	if d.Available {
		t.Fatal("driver still available after confirm")
	}
}

func TestFullLifecycleReleasesDriverOnComplete(t *testing.T) {
	m, store, reg := newTestMachine(t)
	ctx := context.Background()
	seedAppointment(t, store, "a1")
	seedDriver(t, reg, "d1")

	if err := m.Confirm(ctx, "a1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx, "a1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, "a1", "d1"); err != nil {
		t.Fatal(err)
	}
	a, _ := store.Get(ctx, "a1")
	if a.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", a.Status)
	}
	d, _ := reg.Get(ctx, "d1")
	if !d.Available {
		t.Fatal("driver not released after completion")
	}
}

func TestCancelConfirmedReleasesDriverAndRecordsActor(t *testing.T) {
	m, store, reg := newTestMachine(t)
	ctx := context.Background()
	seedAppointment(t, store, "a1")
	seedDriver(t, reg, "d1")

	if err := m.Confirm(ctx, "a1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(ctx, "a1", models.ActorClient, "changed plans"); err != nil {
		t.Fatal(err)
	}
	a, _ := store.Get(ctx, "a1")
	if a.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", a.Status)
	}
	last := a.History[len(a.History)-1]
	if last.Actor != models.ActorClient || last.Status != models.StatusCancelled {
		t.Fatalf("history tail wrong: %+v", last)
	}
	d, _ := reg.Get(ctx, "d1")
	if !d.Available {
		t.Fatal("driver not released on cancel")
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	m, store, reg := newTestMachine(t)
	ctx := context.Background()
	seedAppointment(t, store, "a1")
	seedDriver(t, reg, "d1")

	if err := m.Cancel(ctx, "a1", models.ActorAdmin, "test"); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		call func() error
	}{
		{"confirm", func() error { return m.Confirm(ctx, "a1", "d1") }},
		{"start", func() error { return m.Start(ctx, "a1", "d1") }},
		{"complete", func() error { return m.Complete(ctx, "a1", "d1") }},
		{"cancel", func() error { return m.Cancel(ctx, "a1", models.ActorAdmin, "again") }},
		{"unmatched", func() error { return m.MarkUnmatched(ctx, "a1") }},
	}
	for _, tc := range cases {
		err := tc.call()
		if !apperr.IsCode(err, apperr.CodeConflict) {
			t.Fatalf("%s from cancelled: expected conflict, got %v", tc.name, err)
		}
	}
}

func TestStartRejectsWrongDriver(t *testing.T) {
	m, store, reg := newTestMachine(t)
	ctx := context.Background()
	seedAppointment(t, store, "a1")
	seedDriver(t, reg, "d1")

	if err := m.Confirm(ctx, "a1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx, "a1", "d2"); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("expected conflict for wrong driver, got %v", err)
	}
}

func TestHistoryOnlyGrows(t *testing.T) {
	m, store, reg := newTestMachine(t)
	ctx := context.Background()
	seedAppointment(t, store, "a1")
	seedDriver(t, reg, "d1")

	lengths := []int{}
	snap := func() {
		a, _ := store.Get(ctx, "a1")
		lengths = append(lengths, len(a.History))
	}
	snap()
	_ = m.Confirm(ctx, "a1", "d1")
	snap()
	_ = m.Start(ctx, "a1", "d1")
	snap()
	_ = m.Complete(ctx, "a1", "d1")
	snap()

	for i := 1; i < len(lengths); i++ {
		if lengths[i] != lengths[i-1]+1 {
			t.Fatalf("history did not grow by one per transition: %v", lengths)
		}
	}
}

func TestUnmatchedCanBeRequeued(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	seedAppointment(t, store, "a1")

	if err := m.MarkUnmatched(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	a, _ := store.Get(ctx, "a1")
	if a.Status != models.StatusUnmatched {
		t.Fatalf("expected unmatched, got %s", a.Status)
	}
	if err := m.Requeue(ctx, "a1", models.ActorAdmin); err != nil {
		t.Fatal(err)
	}
	a, _ = store.Get(ctx, "a1")
	if a.Status != models.StatusPending {
		t.Fatalf("expected pending after requeue, got %s", a.Status)
	}
}
