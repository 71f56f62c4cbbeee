package notify

import (
	"context"
	"testing"

	"github.com/minhngo/banthan/internal/storage"
)

func setup(t *testing.T) (*storage.Store, storage.Persona) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	u, err := store.CreateUser("tester")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	p, err := store.CreatePersona(storage.Persona{UserID: u.ID, Name: "Mai"})
	if err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}
	return store, p
}

func TestSuccessRecordsEvent(t *testing.T) {
	store, p := setup(t)
	n := New(store, VAPIDConfig{})

	n.Success(context.Background(), p, "good morning")

	events, err := store.Notifications(p.UserID)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Category != storage.CategorySuccess || e.Name != "Mai" || e.Message != "good morning" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.PersonaID != p.ID {
		t.Errorf("persona not referenced: %+v", e)
	}
}

func TestFailureRecordsEvent(t *testing.T) {
	store, p := setup(t)
	n := New(store, VAPIDConfig{})

	n.Failure(context.Background(), p, "generation failed")

	events, _ := store.Notifications(p.UserID)
	if len(events) != 1 || events[0].Category != storage.CategoryFailure {
		t.Fatalf("expected 1 FAILURE event, got %+v", events)
	}
}

func TestPushDisabledWithoutVAPIDKeys(t *testing.T) {
	store, p := setup(t)
	if _, err := store.SaveSubscription(storage.Subscription{
		UserID:   p.UserID,
		Endpoint: "https://push.example.com/abc",
		P256dh:   "key",
		Auth:     "auth",
	}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	n := New(store, VAPIDConfig{})

	// Must return without attempting network delivery.
	n.Push(context.Background(), p.UserID, "Mai", "hello")
}
