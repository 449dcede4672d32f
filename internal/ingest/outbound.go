package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// SendBot records a bot message for the target and delivers it. Delivery
// failures are logged; the stored message stands.
func (p *Pipeline) SendBot(ctx context.Context, t conversation.Target, text string) error {
	m := &store.Message{
		RoomID:      t.RoomID,
		AttentionID: t.AttentionID,
		SenderType:  store.SenderBot,
		Content:     text,
		ReadStatus:  store.MessageRead,
		CreatedAt:   now(),
	}
	if _, err := p.convs.CreateMessage(ctx, m); err != nil {
		return fmt.Errorf("persist bot message: %w", err)
	}
	if err := p.deliver(ctx, t, m, nil); err != nil {
		slog.Warn("ingest: bot reply not delivered", "room", t.RoomID, "error", err)
	}
	p.broadcast(ctx, *m, nil, t.CitizenID, nil)
	return nil
}

// AgentMessage is an operator reply.
type AgentMessage struct {
	RoomID      uuid.UUID        `json:"room_id"`
	AgentID     uuid.UUID        `json:"agent_id"`
	Content     string           `json:"content"`
	Attachments []bus.Attachment `json:"attachments,omitempty"`
}

// SendAgent persists an operator reply, hands it to the connector and
// broadcasts it. It never passes through verification or the bot buffer.
// A delivery failure is returned wrapped in ErrDownstreamUnavailable
// together with the stored message.
func (p *Pipeline) SendAgent(ctx context.Context, am AgentMessage) (*store.Message, error) {
	if am.Content == "" && len(am.Attachments) == 0 {
		return nil, fmt.Errorf("%w: empty message", store.ErrValidationFailed)
	}
	t, err := p.machine.RoomTarget(ctx, am.RoomID)
	if err != nil {
		return nil, err
	}
	if t.AttentionID == uuid.Nil {
		return nil, fmt.Errorf("room %s has no open attention: %w", am.RoomID, store.ErrNotFound)
	}

	agent := am.AgentID
	m := &store.Message{
		RoomID:       t.RoomID,
		AttentionID:  t.AttentionID,
		SenderType:   store.SenderAgent,
		AuthorUserID: &agent,
		Content:      am.Content,
		ReadStatus:   store.MessageRead,
		CreatedAt:    now(),
	}
	records := buildAttachments(am.Attachments)
	if _, err := p.convs.CreateMessage(ctx, m, records...); err != nil {
		return nil, fmt.Errorf("persist agent message: %w", err)
	}
	atts := make([]store.Attachment, 0, len(records))
	for _, a := range records {
		atts = append(atts, *a)
	}

	deliverErr := p.deliver(ctx, t, m, am.Attachments)
	p.broadcast(ctx, *m, atts, t.CitizenID, &agent)
	if deliverErr != nil {
		slog.Warn("ingest: agent reply not delivered", "room", t.RoomID, "error", deliverErr)
		return m, fmt.Errorf("%w: %v", store.ErrDownstreamUnavailable, deliverErr)
	}
	return m, nil
}

func (p *Pipeline) deliver(ctx context.Context, t conversation.Target, m *store.Message, atts []bus.Attachment) error {
	if p.out == nil {
		return nil
	}
	return p.out.Send(ctx, bus.OutboundMessage{
		Channel:     t.Channel,
		ChatID:      t.ChatID,
		Content:     m.Content,
		Attachments: atts,
		Metadata: map[string]string{
			"room_id":    t.RoomID.String(),
			"message_id": m.ID.String(),
		},
	})
}
