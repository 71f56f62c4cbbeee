package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPersona(t *testing.T, s *Store) Persona {
	t.Helper()
	u, err := s.CreateUser("tester")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	p, err := s.CreatePersona(Persona{
		UserID:      u.ID,
		Name:        "Mai",
		Description: "a cheerful study buddy",
		Rules:       []string{"keep answers short"},
	})
	if err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}
	return p
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestAppendAndQueryOrdering(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(p.ID, RoleUser, fmt.Sprintf("msg %d", i), "", nil); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	msgs, err := s.Messages(p.ID, 200, time.Time{})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("msg %d", i) {
			t.Errorf("message %d out of order: %q", i, m.Content)
		}
		if i > 0 && msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("message %d older than its predecessor", i)
		}
	}
}

func TestAppendRejectsEmptyContent(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	if _, err := s.AppendMessage(p.ID, RoleUser, "", "", nil); err != ErrEmptyContent {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	count, err := s.CountMessages(p.ID)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 0 {
		t.Errorf("empty message was persisted (count=%d)", count)
	}
}

func TestMessagesPageIsNewestBeforeCursor(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	var cursors []time.Time
	for i := 0; i < 10; i++ {
		m, err := s.AppendMessage(p.ID, RoleUser, fmt.Sprintf("msg %d", i), "", nil)
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		cursors = append(cursors, m.CreatedAt)
	}

	// Limit only: the newest 3, still oldest-first.
	page, err := s.Messages(p.ID, 3, time.Time{})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(page) != 3 || page[0].Content != "msg 7" || page[2].Content != "msg 9" {
		t.Fatalf("unexpected page: %+v", page)
	}

	// Before cursor: everything strictly before msg 5.
	page, err = s.Messages(p.ID, 200, cursors[5])
	if err != nil {
		t.Fatalf("Messages with before: %v", err)
	}
	if len(page) != 5 || page[len(page)-1].Content != "msg 4" {
		t.Fatalf("unexpected before-page: %+v", page)
	}
}

func TestTrimMessages(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	for i := 0; i < 12; i++ {
		if _, err := s.AppendMessage(p.ID, RoleUser, fmt.Sprintf("msg %d", i), "", nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	deleted, err := s.TrimMessages(p.ID, 10)
	if err != nil {
		t.Fatalf("TrimMessages: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	msgs, err := s.Messages(p.ID, 200, time.Time{})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("expected 10 remaining, got %d", len(msgs))
	}
	if msgs[0].Content != "msg 2" || msgs[9].Content != "msg 11" {
		t.Errorf("wrong messages survived the trim: first=%q last=%q", msgs[0].Content, msgs[9].Content)
	}

	// Under the cap: no-op.
	deleted, err = s.TrimMessages(p.ID, 10)
	if err != nil {
		t.Fatalf("TrimMessages: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected no-op trim, deleted %d", deleted)
	}
}

func TestDeleteMessagesByIDs(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	m1, _ := s.AppendMessage(p.ID, RoleUser, "keep", "", nil)
	m2, _ := s.AppendMessage(p.ID, RoleUser, "drop 1", "", nil)
	m3, _ := s.AppendMessage(p.ID, RoleAssistant, "drop 2", "", nil)

	if err := s.DeleteMessagesByIDs([]string{m2.ID, m3.ID}); err != nil {
		t.Fatalf("DeleteMessagesByIDs: %v", err)
	}

	msgs, err := s.Messages(p.ID, 200, time.Time{})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m1.ID {
		t.Fatalf("expected only %s to remain, got %+v", m1.ID, msgs)
	}

	if err := s.DeleteMessagesByIDs(nil); err != nil {
		t.Errorf("empty id list should be a no-op, got %v", err)
	}
}

func TestDeleteMessagesFrom(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	s.AppendMessage(p.ID, RoleUser, "before", "", nil)
	pivot, _ := s.AppendMessage(p.ID, RoleAssistant, "pivot", "", nil)
	s.AppendMessage(p.ID, RoleUser, "after", "", nil)

	if err := s.DeleteMessagesFrom(p.ID, pivot.CreatedAt); err != nil {
		t.Fatalf("DeleteMessagesFrom: %v", err)
	}

	msgs, _ := s.Messages(p.ID, 200, time.Time{})
	if len(msgs) != 1 || msgs[0].Content != "before" {
		t.Fatalf("expected only the earlier message to remain, got %+v", msgs)
	}
}

func TestLastAssistantMessage(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	if _, err := s.LastAssistantMessage(p.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on empty history, got %v", err)
	}

	s.AppendMessage(p.ID, RoleUser, "hi", "", nil)
	s.AppendMessage(p.ID, RoleAssistant, "first reply", "", nil)
	s.AppendMessage(p.ID, RoleUser, "and?", "", nil)
	want, _ := s.AppendMessage(p.ID, RoleAssistant, "second reply", "", nil)

	got, err := s.LastAssistantMessage(p.ID)
	if err != nil {
		t.Fatalf("LastAssistantMessage: %v", err)
	}
	if got.ID != want.ID {
		t.Errorf("expected %s, got %s (%q)", want.ID, got.ID, got.Content)
	}
}

func TestMessageMetadataRoundTrip(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	meta := &MessageMeta{Cause: CauseAuto, TriggerTime: "08:00"}
	m, err := s.AppendMessage(p.ID, RoleAssistant, "good morning", "gemini-2.0-flash", meta)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	got, err := s.MessageByID(m.ID)
	if err != nil {
		t.Fatalf("MessageByID: %v", err)
	}
	if got.Meta == nil || got.Meta.Cause != CauseAuto || got.Meta.TriggerTime != "08:00" {
		t.Errorf("metadata lost: %+v", got.Meta)
	}
	if got.Model != "gemini-2.0-flash" {
		t.Errorf("model lost: %q", got.Model)
	}
}

func TestPersonaCRUDAndOwnership(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	other, err := s.CreateUser("other")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := s.PersonaByID(p.ID, other.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for foreign owner, got %v", err)
	}

	p.Tone = "playful"
	p.AutoMessageTimes = []string{"08:00"}
	updated, err := s.UpdatePersona(p)
	if err != nil {
		t.Fatalf("UpdatePersona: %v", err)
	}
	if updated.Tone != "playful" || len(updated.AutoMessageTimes) != 1 {
		t.Errorf("update not applied: %+v", updated)
	}

	s.AppendMessage(p.ID, RoleUser, "hello", "", nil)
	if err := s.DeletePersona(p.ID, p.UserID); err != nil {
		t.Fatalf("DeletePersona: %v", err)
	}
	count, _ := s.CountMessages(p.ID)
	if count != 0 {
		t.Errorf("persona delete left %d messages behind", count)
	}
}

func TestLastMessageByPersona(t *testing.T) {
	s := openTestStore(t)
	p1 := testPersona(t, s)

	p2, err := s.CreatePersona(Persona{UserID: p1.UserID, Name: "Binh"})
	if err != nil {
		t.Fatalf("CreatePersona: %v", err)
	}

	s.AppendMessage(p1.ID, RoleUser, "old", "", nil)
	last1, _ := s.AppendMessage(p1.ID, RoleAssistant, "newest of p1", "", nil)
	last2, _ := s.AppendMessage(p2.ID, RoleUser, "only of p2", "", nil)

	result, err := s.LastMessageByPersona(p1.UserID)
	if err != nil {
		t.Fatalf("LastMessageByPersona: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(result))
	}
	if result[p1.ID].ID != last1.ID || result[p2.ID].ID != last2.ID {
		t.Errorf("wrong last messages: %+v", result)
	}
}

func TestNotifications(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.AddNotification(Notification{
			UserID:    p.UserID,
			PersonaID: p.ID,
			Category:  CategorySuccess,
			Name:      p.Name,
			Message:   fmt.Sprintf("auto message %d", i),
		})
		if err != nil {
			t.Fatalf("AddNotification: %v", err)
		}
	}
	if _, err := s.AddNotification(Notification{
		UserID:   p.UserID,
		Category: CategoryFailure,
		Name:     p.Name,
		Message:  "generation failed",
	}); err != nil {
		t.Fatalf("AddNotification: %v", err)
	}

	count, err := s.CountNotifications(p.UserID)
	if err != nil {
		t.Fatalf("CountNotifications: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 notifications, got %d", count)
	}

	deleted, err := s.DeleteNotificationsByCategory(p.UserID, CategorySuccess)
	if err != nil {
		t.Fatalf("DeleteNotificationsByCategory: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", deleted)
	}

	remaining, err := s.Notifications(p.UserID)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Category != CategoryFailure {
		t.Errorf("unexpected remaining notifications: %+v", remaining)
	}
}

func TestSubscriptionsUpsert(t *testing.T) {
	s := openTestStore(t)
	p := testPersona(t, s)

	sub := Subscription{
		UserID:   p.UserID,
		Endpoint: "https://push.example.com/abc",
		P256dh:   "key1",
		Auth:     "auth1",
	}
	if _, err := s.SaveSubscription(sub); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	// Same endpoint again: replaced, not duplicated.
	sub.P256dh = "key2"
	if _, err := s.SaveSubscription(sub); err != nil {
		t.Fatalf("SaveSubscription upsert: %v", err)
	}

	subs, err := s.Subscriptions(p.UserID)
	if err != nil {
		t.Fatalf("Subscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].P256dh != "key2" {
		t.Fatalf("upsert failed: %+v", subs)
	}

	if err := s.DeleteSubscription(p.UserID, sub.Endpoint); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	if err := s.DeleteSubscription(p.UserID, sub.Endpoint); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestUserByToken(t *testing.T) {
	s := openTestStore(t)

	u, err := s.CreateUser("linh")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.UserByToken(u.Token)
	if err != nil {
		t.Fatalf("UserByToken: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("expected user %s, got %s", u.ID, got.ID)
	}

	if _, err := s.UserByToken("bogus"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown token, got %v", err)
	}
}
