// Package ingest is the entry point for every citizen message and every
// agent or bot reply.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/metrics"
	"github.com/nextlevelbuilder/goattend/internal/notify"
	"github.com/nextlevelbuilder/goattend/internal/sessions"
	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/internal/tracing"
)

// Verifier gates first contact behind identity capture.
type Verifier interface {
	Handle(ctx context.Context, t conversation.Target, text string) error
}

// Buffer queues citizen text for the bot.
type Buffer interface {
	Enqueue(ctx context.Context, t conversation.Target, text string) error
}

// Dispatcher delivers outbound messages through the channel connector.
type Dispatcher interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Result reports what happened to one inbound message.
type Result struct {
	Registered  bool      `json:"registered"`
	RoomID      uuid.UUID `json:"room_id,omitempty"`
	AttentionID uuid.UUID `json:"attention_id,omitempty"`
	CitizenID   uuid.UUID `json:"citizen_id,omitempty"`
	Err         error     `json:"-"`
}

// Pipeline runs inbound messages through resolution, persistence,
// broadcast and the verification or bot path.
type Pipeline struct {
	dir      store.DirectoryStore
	convs    store.ConversationStore
	machine  *conversation.Machine
	notify   *notify.Notifier
	verifier Verifier
	buffer   Buffer
	out      Dispatcher
	tracer   trace.Tracer

	// serializes citizen lookup-or-create per channel address
	citizens *sessions.KeyLock
}

// Deps wires a Pipeline. Verifier and Buffer may be set later with
// SetVerifier / SetBuffer since both also depend on the pipeline.
type Deps struct {
	Stores     *store.Stores
	Machine    *conversation.Machine
	Notifier   *notify.Notifier
	Dispatcher Dispatcher
}

// New creates a Pipeline.
func New(d Deps) *Pipeline {
	return &Pipeline{
		dir:      d.Stores.Directory,
		convs:    d.Stores.Conversations,
		machine:  d.Machine,
		notify:   d.Notifier,
		out:      d.Dispatcher,
		tracer:   tracing.Tracer("ingest"),
		citizens: sessions.NewKeyLock(),
	}
}

func (p *Pipeline) SetVerifier(v Verifier) { p.verifier = v }
func (p *Pipeline) SetBuffer(b Buffer)     { p.buffer = b }

// HandleInbound processes one normalized citizen message. Persistence
// failures are returned in Result.Err so the connector can retry; a retry
// of an already stored message id is acknowledged without side effects.
func (p *Pipeline) HandleInbound(ctx context.Context, msg bus.InboundMessage) Result {
	ctx, span := p.tracer.Start(ctx, "ingest.HandleInbound",
		trace.WithAttributes(attribute.String("channel", msg.Channel)))
	defer span.End()

	res, outcome := p.handleInbound(ctx, msg)
	metrics.Inbound(msg.Channel, outcome)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	return res
}

func (p *Pipeline) handleInbound(ctx context.Context, msg bus.InboundMessage) (Result, string) {
	var res Result

	cred, err := p.authenticate(ctx, msg)
	if err != nil {
		res.Err = err
		if errors.Is(err, store.ErrUnauthorized) {
			slog.Warn("security.unauthorized_inbound", "channel", msg.Channel, "sender", msg.SenderID)
			return res, "unauthorized"
		}
		return res, "error"
	}

	ch, err := p.dir.GetChannel(ctx, cred.ChannelID)
	if err != nil {
		res.Err = fmt.Errorf("load channel: %w", err)
		return res, "error"
	}

	citizen, err := p.resolveCitizen(ctx, ch, msg)
	if err != nil {
		res.Err = err
		return res, "error"
	}
	res.CitizenID = citizen.ID

	opened, err := p.machine.OpenForInbound(ctx, conversation.OpenParams{
		Citizen:        citizen,
		Channel:        ch,
		InboxID:        cred.InboxID,
		ExternalRoomID: msg.ChatID,
	})
	if err != nil {
		res.Err = err
		return res, "error"
	}
	res.RoomID = opened.Room.ID
	res.AttentionID = opened.Attention.ID

	m := &store.Message{
		RoomID:            opened.Room.ID,
		AttentionID:       opened.Attention.ID,
		SenderType:        store.SenderCitizen,
		Content:           msg.Content,
		ExternalMessageID: msg.MessageID,
		ReadStatus:        store.MessageUnread,
		CreatedAt:         msg.Timestamp,
	}
	records := buildAttachments(msg.Attachments)
	created, err := p.convs.CreateMessage(ctx, m, records...)
	if err != nil {
		// nothing was written: the connector's retry runs the whole path again
		res.Err = fmt.Errorf("persist message: %w", err)
		return res, "error"
	}
	if !created {
		slog.Debug("ingest: duplicate message ignored", "room", m.RoomID, "external_id", msg.MessageID)
		return res, "duplicate"
	}
	res.Registered = true

	atts := make([]store.Attachment, 0, len(records))
	for _, a := range records {
		atts = append(atts, *a)
	}

	p.broadcast(ctx, *m, atts, citizen.ID, opened.Room.AgentID)

	t := conversation.NewTarget(citizen, ch, opened.Room, opened.Attention.ID)
	if err := p.route(ctx, t, ch, opened.Attention, msg.Content); err != nil {
		// the message is stored; the citizen simply gets no automated reply
		slog.Error("ingest: routing failed", "room", t.RoomID, "attention", t.AttentionID, "error", err)
	}

	slog.Debug("ingest: message registered",
		"citizen", citizen.ID, "room", res.RoomID, "attention", res.AttentionID,
		"room_created", opened.RoomCreated, "attention_created", opened.AttentionCreated)
	return res, "registered"
}

// authenticate resolves the inbox credential from the token, or from the
// business address the citizen wrote to.
func (p *Pipeline) authenticate(ctx context.Context, msg bus.InboundMessage) (*store.InboxCredential, error) {
	var (
		cred *store.InboxCredential
		err  error
	)
	switch {
	case msg.Token != "":
		cred, err = p.dir.GetInboxCredentialByToken(ctx, msg.Token)
	case msg.InboxAddress != "":
		cred, err = p.dir.GetInboxCredentialByPhone(ctx, msg.InboxAddress)
	default:
		return nil, fmt.Errorf("%w: no inbox credential", store.ErrUnauthorized)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown inbox credential", store.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	return cred, nil
}

// route hands the message to identity verification while the attention
// is gated, otherwise to the bot buffer.
func (p *Pipeline) route(ctx context.Context, t conversation.Target, ch *store.Channel, att *store.Attention, text string) error {
	if att.Status == store.AttentionIdentityVerification && !ch.OperatorInitiated && p.verifier != nil {
		return p.verifier.Handle(ctx, t, text)
	}
	if p.buffer == nil {
		return nil
	}
	return p.buffer.Enqueue(ctx, t, text)
}

// Resume re-enters a message after identity verification completes.
func (p *Pipeline) Resume(ctx context.Context, t conversation.Target, text string) error {
	if p.buffer == nil {
		return nil
	}
	return p.buffer.Enqueue(ctx, t, text)
}

func (p *Pipeline) broadcast(ctx context.Context, m store.Message, atts []store.Attachment, citizenID uuid.UUID, agentID *uuid.UUID) {
	unread, err := p.convs.CountUnread(ctx, m.RoomID)
	if err != nil {
		slog.Warn("ingest: count unread", "room", m.RoomID, "error", err)
	}
	p.notify.MessageNew(notify.MessageNewPayload{
		Message:     m,
		Attachments: atts,
		CitizenID:   citizenID,
		AgentID:     agentID,
		UnreadCount: unread,
	})
}

func now() time.Time { return time.Now().UTC() }
