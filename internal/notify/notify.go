// Package notify publishes conversation state changes to operator consoles.
//
// Every event is fire-and-forget: nothing is stored or replayed, and
// consoles resynchronize through the query API after a reconnect.
package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/metrics"
	"github.com/nextlevelbuilder/goattend/internal/store"
	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

// MessageNewPayload accompanies message.new.
type MessageNewPayload struct {
	Message     store.Message      `json:"message"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	CitizenID   uuid.UUID          `json:"citizen_id"`
	AgentID     *uuid.UUID         `json:"agent_id,omitempty"`
	UnreadCount int                `json:"unread_count"`
}

// ChatViewedPayload accompanies chat.viewed.
type ChatViewedPayload struct {
	RoomID   uuid.UUID `json:"room_id"`
	ViewerID string    `json:"viewer_id,omitempty"`
	Marked   int       `json:"marked"`
}

// AdvisorChangedPayload accompanies advisor.changed.
type AdvisorChangedPayload struct {
	RoomID      uuid.UUID  `json:"room_id"`
	PreviousID  *uuid.UUID `json:"previous_agent_id,omitempty"`
	AgentID     *uuid.UUID `json:"agent_id,omitempty"`
	AttentionID uuid.UUID  `json:"attention_id,omitempty"`
}

// BotStatusPayload accompanies bot.status.changed.
type BotStatusPayload struct {
	RoomID     uuid.UUID `json:"room_id"`
	BotReplies bool      `json:"bot_replies"`
}

// RoomStatusPayload accompanies room.status.changed.
type RoomStatusPayload struct {
	RoomID          uuid.UUID             `json:"room_id"`
	Status          store.RoomStatus      `json:"status"`
	AttentionID     uuid.UUID             `json:"attention_id,omitempty"`
	AttentionStatus store.AttentionStatus `json:"attention_status,omitempty"`
}

// AssistanceClosedPayload accompanies assistance.closed.
type AssistanceClosedPayload struct {
	RoomID      uuid.UUID `json:"room_id"`
	AttentionID uuid.UUID `json:"attention_id"`
	Reason      string    `json:"reason"`
	EndDate     time.Time `json:"end_date"`
}

// AdvisorRequestedPayload accompanies advisor.requested.
type AdvisorRequestedPayload struct {
	RoomID      uuid.UUID  `json:"room_id"`
	AttentionID uuid.UUID  `json:"attention_id"`
	AgentID     *uuid.UUID `json:"agent_id,omitempty"`
}

// TypingPayload accompanies typing.
type TypingPayload struct {
	RoomID uuid.UUID `json:"room_id"`
	Actor  string    `json:"actor"` // "agent" or "citizen"
	UserID string    `json:"user_id,omitempty"`
	Typing bool      `json:"typing"`
}

// Notifier turns state changes into bus events.
type Notifier struct {
	pub bus.EventPublisher
}

// New creates a Notifier publishing on pub.
func New(pub bus.EventPublisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) emit(name string, payload any) {
	if n == nil || n.pub == nil {
		return
	}
	metrics.Event(name)
	n.pub.Broadcast(bus.Event{Name: name, Payload: payload})
}

func (n *Notifier) MessageNew(p MessageNewPayload) { n.emit(protocol.EventMessageNew, p) }

func (n *Notifier) ChatViewed(p ChatViewedPayload) { n.emit(protocol.EventChatViewed, p) }

func (n *Notifier) AdvisorChanged(p AdvisorChangedPayload) { n.emit(protocol.EventAdvisorChanged, p) }

func (n *Notifier) BotStatusChanged(roomID uuid.UUID, enabled bool) {
	n.emit(protocol.EventBotStatusChanged, BotStatusPayload{RoomID: roomID, BotReplies: enabled})
}

func (n *Notifier) RoomStatusChanged(p RoomStatusPayload) { n.emit(protocol.EventRoomStatusChanged, p) }

func (n *Notifier) AssistanceClosed(p AssistanceClosedPayload) {
	n.emit(protocol.EventAssistanceClosed, p)
}

func (n *Notifier) AdvisorRequested(p AdvisorRequestedPayload) {
	n.emit(protocol.EventAdvisorRequested, p)
}

// Typing relays a typing indicator. Typing events are not counted as
// state changes but still pass through the bus.
func (n *Notifier) Typing(p TypingPayload) { n.emit(protocol.EventTyping, p) }
