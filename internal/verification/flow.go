// Package verification gates a citizen's first contact until their name
// and document are captured or confirmed.
//
// The step machine lives entirely in the session store keyed by citizen,
// so a restart only makes the citizen answer the current prompt again.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/scheduler"
	"github.com/nextlevelbuilder/goattend/internal/sessions"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// Steps.
const (
	StepName           = "name"
	StepDocumentType   = "documentType"
	StepDocumentNumber = "documentNumber"
	StepConfirm        = "confirmExistingData"
)

// Resumer re-enters the ingestion pipeline with the citizen's original
// request once verification is complete.
type Resumer func(ctx context.Context, t conversation.Target, text string) error

// Flow runs identity verification.
type Flow struct {
	sessions sessions.Store
	convs    store.ConversationStore
	machine  *conversation.Machine
	sender   conversation.Sender
	timers   *scheduler.Timers
	cfg      *config.Config
	resume   Resumer

	// own lock set: completion re-enters the pipeline, which takes the
	// buffer's per-citizen lock
	locks *sessions.KeyLock
}

// Deps wires a Flow.
type Deps struct {
	Sessions sessions.Store
	Convs    store.ConversationStore
	Machine  *conversation.Machine
	Sender   conversation.Sender
	Timers   *scheduler.Timers
	Config   *config.Config
}

// NewFlow creates a Flow and registers its cleanup on attention close.
func NewFlow(d Deps) *Flow {
	f := &Flow{
		sessions: d.Sessions,
		convs:    d.Convs,
		machine:  d.Machine,
		sender:   d.Sender,
		timers:   d.Timers,
		locks:    sessions.NewKeyLock(),
		cfg:      d.Config,
	}
	if d.Machine != nil {
		d.Machine.OnClose(f.purgeHook)
	}
	return f
}

// SetResumer sets the completion callback.
func (f *Flow) SetResumer(r Resumer) { f.resume = r }

func idleKey(citizenKey string) string { return sessions.Field(citizenKey, "verify:idle") }
func nameKey(citizenKey string) string { return sessions.Field(citizenKey, "verify:name:timer") }

func verifyFields(citizenKey string) []string {
	return []string{
		sessions.Field(citizenKey, sessions.FieldVerifyStep),
		sessions.Field(citizenKey, sessions.FieldVerifyName),
		sessions.Field(citizenKey, sessions.FieldVerifyLast),
	}
}

// Step returns the citizen's current step, or "" outside the flow.
func (f *Flow) Step(ctx context.Context, citizenKey string) (string, error) {
	step, _, err := f.sessions.Get(ctx, sessions.Field(citizenKey, sessions.FieldVerifyStep))
	return step, err
}

// Handle consumes one citizen message for an attention in identity verification.
func (f *Flow) Handle(ctx context.Context, t conversation.Target, text string) error {
	unlock := f.locks.Lock(t.CitizenKey)
	defer unlock()

	step, err := f.Step(ctx, t.CitizenKey)
	if err != nil {
		return fmt.Errorf("read verify step: %w", err)
	}

	if step == "" {
		return f.enter(ctx, t, text)
	}
	f.armIdle(t)

	switch step {
	case StepName:
		return f.collectName(ctx, t, text)
	case StepDocumentType:
		return f.captureDocumentType(ctx, t, text)
	case StepDocumentNumber:
		return f.captureDocumentNumber(ctx, t, text)
	case StepConfirm:
		return f.captureConfirmation(ctx, t, text)
	default:
		slog.Warn("verification: unknown step, restarting", "citizen", t.CitizenKey, "step", step)
		return f.enter(ctx, t, text)
	}
}

// enter starts the flow and remembers the citizen's request for resume.
func (f *Flow) enter(ctx context.Context, t conversation.Target, text string) error {
	ttl := f.cfg.Timings().SessionTTL
	if err := f.sessions.Set(ctx, sessions.Field(t.CitizenKey, sessions.FieldVerifyLast), text, ttl); err != nil {
		return fmt.Errorf("save last payload: %w", err)
	}
	citizen, err := f.convs.GetCitizen(ctx, t.CitizenID)
	if err != nil {
		return fmt.Errorf("load citizen: %w", err)
	}
	slog.Info("verification: started", "citizen", t.CitizenKey, "attention", t.AttentionID, "has_identity", citizen.HasIdentity())

	if citizen.HasIdentity() {
		if err := f.setStep(ctx, t, StepConfirm); err != nil {
			return err
		}
		f.armIdle(t)
		return f.prompt(ctx, t, promptConfirm(*citizen.FullName, *citizen.DocumentType, *citizen.DocumentNumber))
	}
	return f.advance(ctx, t, citizen)
}

// advance asks for the first missing field, or completes.
func (f *Flow) advance(ctx context.Context, t conversation.Target, c *store.Citizen) error {
	var step, text string
	switch {
	case c.FullName == nil || *c.FullName == "":
		step, text = StepName, promptName
	case c.DocumentType == nil || *c.DocumentType == "":
		step, text = StepDocumentType, promptDocumentType
	case c.DocumentNumber == nil || *c.DocumentNumber == "":
		step, text = StepDocumentNumber, promptDocumentNumber(*c.DocumentType)
	default:
		return f.complete(ctx, t)
	}
	if err := f.setStep(ctx, t, step); err != nil {
		return err
	}
	f.armIdle(t)
	return f.prompt(ctx, t, text)
}

func (f *Flow) setStep(ctx context.Context, t conversation.Target, step string) error {
	if err := f.sessions.Set(ctx, sessions.Field(t.CitizenKey, sessions.FieldVerifyStep), step, f.cfg.Timings().SessionTTL); err != nil {
		return fmt.Errorf("save verify step: %w", err)
	}
	return nil
}

// collectName buffers name fragments; validation runs once the citizen
// stops typing for the name buffer delay.
func (f *Flow) collectName(ctx context.Context, t conversation.Target, text string) error {
	tm := f.cfg.Timings()
	if _, err := f.sessions.Append(ctx, sessions.Field(t.CitizenKey, sessions.FieldVerifyName), strings.TrimSpace(text), tm.SessionTTL); err != nil {
		return fmt.Errorf("buffer name fragment: %w", err)
	}
	f.timers.Schedule(nameKey(t.CitizenKey), tm.NameBufferDelay, func(ctx context.Context) {
		if err := f.finishName(ctx, t); err != nil {
			slog.Error("verification: name capture failed", "citizen", t.CitizenKey, "error", err)
		}
	})
	return nil
}

func (f *Flow) finishName(ctx context.Context, t conversation.Target) error {
	unlock := f.locks.Lock(t.CitizenKey)
	defer unlock()

	if step, _ := f.Step(ctx, t.CitizenKey); step != StepName {
		return nil
	}
	if !f.stillVerifying(ctx, t) {
		return nil
	}
	fragments, err := f.sessions.Drain(ctx, sessions.Field(t.CitizenKey, sessions.FieldVerifyName))
	if err != nil {
		return fmt.Errorf("drain name fragments: %w", err)
	}
	name, err := ValidateName(strings.Join(fragments, " "))
	if err != nil {
		slog.Debug("verification: name rejected", "citizen", t.CitizenKey, "fragments", len(fragments))
		f.armIdle(t)
		return f.prompt(ctx, t, promptNameInvalid)
	}

	citizen, err := f.saveIdentity(ctx, t, func(id *store.CitizenIdentity) { id.FullName = &name })
	if err != nil {
		return err
	}
	return f.advance(ctx, t, citizen)
}

func (f *Flow) captureDocumentType(ctx context.Context, t conversation.Target, text string) error {
	docType, err := ParseDocumentType(text)
	if err != nil {
		return f.prompt(ctx, t, promptDocumentTypeInvalid)
	}
	citizen, err := f.saveIdentity(ctx, t, func(id *store.CitizenIdentity) {
		id.DocumentType = &docType
		id.DocumentNumber = nil
	})
	if err != nil {
		return err
	}
	return f.advance(ctx, t, citizen)
}

func (f *Flow) captureDocumentNumber(ctx context.Context, t conversation.Target, text string) error {
	citizen, err := f.convs.GetCitizen(ctx, t.CitizenID)
	if err != nil {
		return fmt.Errorf("load citizen: %w", err)
	}
	docType := DocOther
	if citizen.DocumentType != nil {
		docType = *citizen.DocumentType
	}
	rules := RulesFrom(f.cfg.VerificationRules())
	number, err := ValidateDocumentNumber(docType, text, rules)
	if err != nil {
		return f.prompt(ctx, t, promptDocumentNumberInvalid(docType, rules))
	}
	citizen, err = f.saveIdentity(ctx, t, func(id *store.CitizenIdentity) { id.DocumentNumber = &number })
	if err != nil {
		return err
	}
	return f.advance(ctx, t, citizen)
}

func (f *Flow) captureConfirmation(ctx context.Context, t conversation.Target, text string) error {
	yes, ok := ParseConfirmation(text)
	switch {
	case !ok:
		return f.prompt(ctx, t, promptConfirmInvalid)
	case yes:
		return f.complete(ctx, t)
	}

	if err := f.convs.UpdateCitizenIdentity(ctx, t.CitizenID, store.CitizenIdentity{}); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	slog.Info("verification: citizen rejected stored data, restarting", "citizen", t.CitizenKey)
	return f.advance(ctx, t, &store.Citizen{ID: t.CitizenID})
}

// saveIdentity applies patch over the citizen's current identity.
func (f *Flow) saveIdentity(ctx context.Context, t conversation.Target, patch func(*store.CitizenIdentity)) (*store.Citizen, error) {
	c, err := f.convs.GetCitizen(ctx, t.CitizenID)
	if err != nil {
		return nil, fmt.Errorf("load citizen: %w", err)
	}
	id := store.CitizenIdentity{FullName: c.FullName, DocumentType: c.DocumentType, DocumentNumber: c.DocumentNumber}
	patch(&id)
	if err := f.convs.UpdateCitizenIdentity(ctx, t.CitizenID, id); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	c.FullName, c.DocumentType, c.DocumentNumber = id.FullName, id.DocumentType, id.DocumentNumber
	return c, nil
}

// complete ends the flow: promote the attention, then hand the original
// request back to the pipeline.
func (f *Flow) complete(ctx context.Context, t conversation.Target) error {
	last, _, err := f.sessions.Get(ctx, sessions.Field(t.CitizenKey, sessions.FieldVerifyLast))
	if err != nil {
		return fmt.Errorf("read last payload: %w", err)
	}
	f.purge(ctx, t.CitizenKey)

	if _, err := f.machine.Promote(ctx, t.AttentionID); err != nil {
		return fmt.Errorf("promote attention: %w", err)
	}
	slog.Info("verification: completed", "citizen", t.CitizenKey, "attention", t.AttentionID)
	if err := f.prompt(ctx, t, promptVerified); err != nil {
		slog.Warn("verification: completion notice failed", "citizen", t.CitizenKey, "error", err)
	}
	if f.resume == nil || strings.TrimSpace(last) == "" {
		return nil
	}
	if err := f.resume(ctx, t, last); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// stillVerifying re-checks the durable state before a timer acts.
func (f *Flow) stillVerifying(ctx context.Context, t conversation.Target) bool {
	att, err := f.convs.GetAttention(ctx, t.AttentionID)
	if err != nil {
		return false
	}
	return att.Status == store.AttentionIdentityVerification
}

func (f *Flow) prompt(ctx context.Context, t conversation.Target, text string) error {
	if err := f.sender.SendBot(ctx, t, text); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// armIdle (re)starts the verification inactivity deadline.
func (f *Flow) armIdle(t conversation.Target) {
	f.timers.Schedule(idleKey(t.CitizenKey), f.cfg.Timings().InactivityTimeout, func(ctx context.Context) {
		f.expire(ctx, t)
	})
}

// expire closes an attention that sat idle in verification.
func (f *Flow) expire(ctx context.Context, t conversation.Target) {
	unlock := f.locks.Lock(t.CitizenKey)
	if !f.stillVerifying(ctx, t) {
		unlock()
		return
	}
	if err := f.sender.SendBot(ctx, t, f.cfg.ClosingNotice()); err != nil {
		slog.Warn("verification: closing notice failed", "citizen", t.CitizenKey, "error", err)
	}
	unlock()

	_, err := f.machine.Close(ctx, t.AttentionID, conversation.ReasonVerificationTimeout)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("verification: timeout close failed", "attention", t.AttentionID, "error", err)
	}
	// best effort even when close failed
	f.purge(ctx, t.CitizenKey)
}

func (f *Flow) purgeHook(ctx context.Context, t conversation.Target, _ string) {
	f.purge(ctx, t.CitizenKey)
}

// purge drops every verification timer and session key of a citizen.
func (f *Flow) purge(ctx context.Context, citizenKey string) {
	f.timers.Cancel(idleKey(citizenKey))
	f.timers.Cancel(nameKey(citizenKey))
	if err := f.sessions.Delete(ctx, verifyFields(citizenKey)...); err != nil {
		slog.Warn("verification: purge session", "citizen", citizenKey, "error", err)
	}
}
