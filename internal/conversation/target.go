// Package conversation owns the Room and Attention lifecycle.
//
// Room:      pending -> priority -> completed -> pending (reopen)
// Attention: identity_verification -> in_progress -> priority -> closed
//
// Closed attentions are terminal; the next inbound message opens a new one.
package conversation

import (
	"context"

	"github.com/google/uuid"
)

// Target addresses one open conversation: enough to persist a message,
// deliver it through the connector and key the citizen's session state.
type Target struct {
	CitizenKey  string    `json:"citizen_key"`
	CitizenID   uuid.UUID `json:"citizen_id"`
	RoomID      uuid.UUID `json:"room_id"`
	AttentionID uuid.UUID `json:"attention_id"`
	ChannelID   uuid.UUID `json:"channel_id"`
	InboxID     uuid.UUID `json:"inbox_id"`
	Channel     string    `json:"channel"` // channel kind
	ChatID      string    `json:"chat_id"`
}

// Sender delivers an automated message to the citizen of a Target.
type Sender interface {
	SendBot(ctx context.Context, t Target, text string) error
}

// CloseHook runs after an attention is closed. Hooks must tolerate being
// called for a citizen with no remaining state.
type CloseHook func(ctx context.Context, t Target, reason string)

// Close reasons.
const (
	ReasonAgent               = "agent"
	ReasonCitizen             = "citizen"
	ReasonInactivity          = "inactivity"
	ReasonVerificationTimeout = "verification_timeout"
	ReasonSweeper             = "sweeper"
)
