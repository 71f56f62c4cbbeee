// Package scheduler owns the per-persona registry of recurring autonomous
// message triggers. Persona rows are the source of truth; the registry is an
// in-memory cache rebuilt from them at startup and after every persona
// change.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/minhngo/banthan/internal/gemini"
	"github.com/minhngo/banthan/internal/persona"
	"github.com/minhngo/banthan/internal/storage"
)

// AutoModel is the model used for autonomous messages.
const AutoModel = "gemini-2.0-flash"

const fireTimeout = 2 * time.Minute

var dailyTimeRe = regexp.MustCompile(`^\d{2}:\d{2}$`)

// Notifier receives the outcome of each firing.
type Notifier interface {
	Success(ctx context.Context, p storage.Persona, text string)
	Failure(ctx context.Context, p storage.Persona, text string)
}

// Scheduler maps persona ids to their active cron entries. All registry
// mutations are serialized by mu; firings run on the cron runner's
// goroutines, independent of in-flight user turns.
type Scheduler struct {
	store    *storage.Store
	gen      gemini.Generator
	notifier Notifier

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string][]cron.EntryID
}

// New creates a Scheduler firing in the given location. Call Start to begin
// dispatching.
func New(store *storage.Store, gen gemini.Generator, notifier Notifier, loc *time.Location) *Scheduler {
	return &Scheduler{
		store:    store,
		gen:      gen,
		notifier: notifier,
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		entries:  make(map[string][]cron.EntryID),
	}
}

// Start begins dispatching registered triggers.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts dispatching and waits briefly for in-flight firings.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		slog.Warn("scheduler stop timed out waiting for running firings")
	}
}

// Reschedule replaces a persona's triggers with ones derived from its
// current configuration. Idempotent: the same configuration always yields
// exactly one entry per configured trigger time. An unparseable trigger is
// skipped and reported; it never blocks the persona's other triggers.
func (s *Scheduler) Reschedule(p storage.Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(p.ID)

	for _, spec := range p.AutoMessageTimes {
		trigger := spec
		id, err := s.cron.AddFunc(cronSpec(spec), func() {
			s.fire(p, trigger)
		})
		if err != nil {
			slog.Error("invalid trigger spec", "persona", p.ID, "spec", spec, "error", err)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.notifier.Failure(ctx, p, fmt.Sprintf("Trigger %q could not be scheduled: %v", spec, err))
			cancel()
			continue
		}
		s.entries[p.ID] = append(s.entries[p.ID], id)
	}

	slog.Info("persona triggers rescheduled", "persona", p.ID, "active", len(s.entries[p.ID]))
}

// Cancel discards all of a persona's triggers.
func (s *Scheduler) Cancel(personaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(personaID)
}

func (s *Scheduler) cancelLocked(personaID string) {
	for _, id := range s.entries[personaID] {
		s.cron.Remove(id)
	}
	delete(s.entries, personaID)
}

// ActiveTriggers reports how many triggers a persona currently has
// registered.
func (s *Scheduler) ActiveTriggers(personaID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[personaID])
}

// ReconcileAll rebuilds the whole registry from persisted personas. Run at
// startup; individual persona changes go through Reschedule/Cancel.
func (s *Scheduler) ReconcileAll(ctx context.Context) error {
	personas, err := s.store.AllPersonas()
	if err != nil {
		return fmt.Errorf("loading personas: %w", err)
	}
	for _, p := range personas {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Reschedule(p)
	}
	slog.Info("scheduler reconciled", "personas", len(personas))
	return nil
}

// fire runs one autonomous message attempt. Failures are contained: they are
// logged and reported through the notifier, never propagated, so one
// persona's bad firing cannot affect another's.
func (s *Scheduler) fire(p storage.Persona, trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	recent, err := s.store.RecentMessages(p.ID, 2)
	if err != nil {
		slog.Error("autonomous firing: loading recent messages", "persona", p.ID, "error", err)
		s.notifier.Failure(ctx, p, "Could not load recent conversation: "+err.Error())
		return
	}

	reply, err := s.gen.Generate(ctx, gemini.Request{
		Model:           AutoModel,
		History:         []gemini.Turn{{Role: "user", Text: persona.AutoPrompt(p, trigger, recent)}},
		Temperature:     0.7,
		MaxOutputTokens: 1024,
	})
	if err != nil {
		slog.Error("autonomous firing: generation failed", "persona", p.ID, "trigger", trigger, "error", err)
		s.notifier.Failure(ctx, p, "Autonomous message failed: "+err.Error())
		return
	}

	meta := &storage.MessageMeta{Cause: storage.CauseAuto, TriggerTime: trigger}
	if _, err := s.store.AppendMessage(p.ID, storage.RoleAssistant, reply, AutoModel, meta); err != nil {
		slog.Error("autonomous firing: persisting message", "persona", p.ID, "error", err)
		s.notifier.Failure(ctx, p, "Autonomous message could not be saved: "+err.Error())
		return
	}

	slog.Info("autonomous message sent", "persona", p.ID, "trigger", trigger)
	s.notifier.Success(ctx, p, reply)
}

// cronSpec converts a bare "HH:mm" trigger into a daily 6-field cron
// expression; anything else is passed through verbatim.
func cronSpec(spec string) string {
	if dailyTimeRe.MatchString(spec) {
		return fmt.Sprintf("0 %s %s * * *", spec[3:5], spec[0:2])
	}
	return spec
}
