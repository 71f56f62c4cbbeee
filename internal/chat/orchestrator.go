// Package chat drives conversational turns: build persona context, call the
// generation service, stream deltas to the caller, and persist the outcome
// with compensating rollback when anything fails mid-turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/minhngo/banthan/internal/gemini"
	"github.com/minhngo/banthan/internal/persona"
	"github.com/minhngo/banthan/internal/storage"
)

// ErrValidation marks a malformed turn request. Surfaced before any write.
var ErrValidation = errors.New("invalid turn request")

// DefaultRetentionCap is the per-persona message retention bound.
const DefaultRetentionCap = 1000

// DeltaSink receives streamed text fragments in arrival order. Returning an
// error means the caller is gone; the turn is rolled back.
type DeltaSink func(delta string) error

// TurnRequest describes one conversational turn. Messages is the caller's
// view of the conversation, oldest first; its last entry is the new user
// content unless Regenerate is set.
type TurnRequest struct {
	UserID          string
	PersonaID       string
	Messages        []persona.ChatMessage
	Model           string
	Temperature     float64
	MaxOutputTokens int
	Safety          []gemini.SafetySetting
	Regenerate      bool
}

// Validate checks the request's message shape. Errors wrap ErrValidation.
func (req TurnRequest) Validate() error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrValidation)
	}
	if !req.Regenerate {
		last := req.Messages[len(req.Messages)-1]
		if last.Role != storage.RoleUser {
			return fmt.Errorf("%w: last message must have role %q", ErrValidation, storage.RoleUser)
		}
		if last.Content == "" {
			return fmt.Errorf("%w: user message content must not be empty", ErrValidation)
		}
	}
	return nil
}

// TurnResult is the final payload of a successful turn. UserMsg is nil for
// regenerate turns, which reuse the existing user message.
type TurnResult struct {
	Reply        string
	UserMsg      *storage.Message
	AssistantMsg storage.Message
}

// Orchestrator executes turns against a store and a generator.
type Orchestrator struct {
	store        *storage.Store
	gen          gemini.Generator
	retentionCap int
}

// NewOrchestrator creates an Orchestrator. retentionCap <= 0 selects the
// default cap.
func NewOrchestrator(store *storage.Store, gen gemini.Generator, retentionCap int) *Orchestrator {
	if retentionCap <= 0 {
		retentionCap = DefaultRetentionCap
	}
	return &Orchestrator{store: store, gen: gen, retentionCap: retentionCap}
}

// Complete runs a non-streaming turn.
func (o *Orchestrator) Complete(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return o.run(ctx, req, nil)
}

// Stream runs a streaming turn, forwarding each fragment to sink as it
// arrives. A sink error or ctx cancellation aborts generation and rolls the
// turn back.
func (o *Orchestrator) Stream(ctx context.Context, req TurnRequest, sink DeltaSink) (*TurnResult, error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: nil delta sink", ErrValidation)
	}
	return o.run(ctx, req, sink)
}

// run is the turn state machine. Every message this turn creates is recorded
// in a rollback set; on any failure the set is deleted best-effort so the
// history ends up exactly where it started.
//
// The regenerate path reads then deletes the last assistant message without
// a persona-level lock. A concurrent autonomous firing can insert a new
// assistant message between the read and the delete and have that one
// removed instead; the pre-existing message removed for regenerate is never
// restored on rollback either way.
func (o *Orchestrator) run(ctx context.Context, req TurnRequest, sink DeltaSink) (*TurnResult, error) {
	p, err := o.store.PersonaByID(req.PersonaID, req.UserID)
	if err != nil {
		return nil, err
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	last := req.Messages[len(req.Messages)-1]

	var rollback []string
	var userMsg *storage.Message

	if req.Regenerate {
		prev, err := o.store.LastAssistantMessage(p.ID)
		switch {
		case err == nil:
			if err := o.store.DeleteMessagesByIDs([]string{prev.ID}); err != nil {
				return nil, fmt.Errorf("removing previous assistant message: %w", err)
			}
		case errors.Is(err, storage.ErrNotFound):
			// Nothing to replace; proceed as a plain generation.
		default:
			return nil, fmt.Errorf("finding previous assistant message: %w", err)
		}
	} else {
		created, err := o.store.AppendMessage(p.ID, storage.RoleUser, last.Content, "", nil)
		if err != nil {
			return nil, fmt.Errorf("persisting user message: %w", err)
		}
		userMsg = &created
		rollback = append(rollback, created.ID)
	}

	genReq := gemini.Request{
		Model:           req.Model,
		System:          persona.SystemInstruction(p),
		History:         persona.History(req.Messages),
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
		Safety:          req.Safety,
	}

	reply, err := o.generate(ctx, genReq, sink)
	if err != nil {
		o.rollbackMessages(rollback)
		return nil, err
	}

	assistantMsg, err := o.store.AppendMessage(p.ID, storage.RoleAssistant, reply, genReq.Model, nil)
	if err != nil {
		o.rollbackMessages(rollback)
		return nil, fmt.Errorf("persisting assistant message: %w", err)
	}
	rollback = append(rollback, assistantMsg.ID)

	if _, err := o.store.TrimMessages(p.ID, o.retentionCap); err != nil {
		o.rollbackMessages(rollback)
		return nil, fmt.Errorf("trimming history: %w", err)
	}

	return &TurnResult{Reply: reply, UserMsg: userMsg, AssistantMsg: assistantMsg}, nil
}

// generate invokes the generator, one-shot when sink is nil, otherwise
// streaming with per-fragment forwarding.
func (o *Orchestrator) generate(ctx context.Context, req gemini.Request, sink DeltaSink) (string, error) {
	if sink == nil {
		return o.gen.Generate(ctx, req)
	}

	// A dedicated cancel lets a dead sink abandon the upstream stream.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := o.gen.GenerateStream(streamCtx, req)
	if err != nil {
		return "", err
	}

	var reply string
	for ev := range events {
		if ev.Err != nil {
			return "", ev.Err
		}
		if err := sink(ev.Delta); err != nil {
			cancel()
			return "", fmt.Errorf("forwarding delta: %w", err)
		}
		reply += ev.Delta
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if reply == "" {
		return "", gemini.ErrBlocked
	}
	return reply, nil
}

// rollbackMessages deletes this turn's created messages. Best effort: a
// failing delete is logged, not propagated, so the caller still sees the
// original turn error.
func (o *Orchestrator) rollbackMessages(ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := o.store.DeleteMessagesByIDs(ids); err != nil {
		slog.Error("turn rollback failed", "message_ids", ids, "error", err)
		return
	}
	slog.Debug("turn rolled back", "messages", len(ids))
}
