package bus

import (
	"context"
	"time"
)

// InboundMessage is the canonical shape of a citizen message after channel
// normalization. Every connector payload variant is converted to this before
// it reaches the ingestion pipeline.
type InboundMessage struct {
	Channel        string            `json:"channel"`                   // channel kind: "whatsapp", "webchat", "telegram"
	Token          string            `json:"token,omitempty"`           // inbox credential token, when the connector sends one
	InboxAddress   string            `json:"inbox_address,omitempty"`   // business number / address the citizen wrote to
	SenderID       string            `json:"sender_id"`                 // citizen phone or channel user id
	ExternalUserID string            `json:"external_user_id,omitempty"`
	SenderName     string            `json:"sender_name,omitempty"`
	CandidateNames []string          `json:"candidate_names,omitempty"` // loose identity matching
	ChatID         string            `json:"chat_id,omitempty"`         // channel-native thread id
	MessageID      string            `json:"message_id,omitempty"`      // channel-native message id (idempotency key)
	Content        string            `json:"content"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Attachment is a base64-encoded file carried inline with a message.
type Attachment struct {
	Name      string `json:"name"`
	Extension string `json:"extension,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Data      string `json:"data"` // base64
}

// OutboundMessage represents a message to be delivered by the channel connector.
type OutboundMessage struct {
	Channel     string            `json:"channel"`
	ChatID      string            `json:"chat_id"`
	Content     string            `json:"content"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"` // room_id, message_id
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"` // event name (e.g. "message.new")
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the notifier to decouple from concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between connectors and the core.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
