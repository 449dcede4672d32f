package store

import (
	"time"

	"github.com/google/uuid"
)

// GenNewID returns a time-ordered UUID v7.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// RoomStatus is the lifecycle state of a Room.
type RoomStatus string

const (
	RoomPending   RoomStatus = "pending"
	RoomPriority  RoomStatus = "priority"
	RoomCompleted RoomStatus = "completed"
)

// AttentionStatus is the lifecycle state of an Attention.
type AttentionStatus string

const (
	AttentionIdentityVerification AttentionStatus = "identity_verification"
	AttentionInProgress           AttentionStatus = "in_progress"
	AttentionPriority             AttentionStatus = "priority"
	AttentionClosed               AttentionStatus = "closed"
)

// SenderType identifies who authored a Message.
type SenderType string

const (
	SenderCitizen SenderType = "citizen"
	SenderAgent   SenderType = "agent"
	SenderBot     SenderType = "bot"
)

// ReadStatus of a Message.
type ReadStatus string

const (
	MessageUnread ReadStatus = "unread"
	MessageRead   ReadStatus = "read"
)

// MediaKind of an Attachment.
type MediaKind string

const (
	MediaFile  MediaKind = "file"
	MediaImage MediaKind = "image"
)

// Agent roles excluded from load balancing.
const (
	RoleAgent      = "agent"
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
)

// Channel is a delivery channel (a WhatsApp number, a web widget...).
type Channel struct {
	ID                   uuid.UUID `json:"id"`
	Name                 string    `json:"name"`
	Kind                 string    `json:"kind"` // connector kind: "whatsapp", "webchat", "telegram"
	RequiresVerification bool      `json:"requires_verification"`
	BotEnabled           bool      `json:"bot_enabled"`
	StrictIdentity       bool      `json:"strict_identity"`    // match citizens by external id
	OperatorInitiated    bool      `json:"operator_initiated"` // chats opened by operators skip verification
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Inbox groups rooms of one channel for a team of agents.
type Inbox struct {
	ID        uuid.UUID `json:"id"`
	ChannelID uuid.UUID `json:"channel_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// InboxCredential authenticates connector traffic for an inbox.
type InboxCredential struct {
	ID        uuid.UUID `json:"id"`
	InboxID   uuid.UUID `json:"inbox_id"`
	ChannelID uuid.UUID `json:"channel_id"`
	Token     string    `json:"-"`
	Phone     string    `json:"phone,omitempty"`
}

// Agent is a human operator.
type Agent struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentAssignment links an agent to an inbox.
type AgentAssignment struct {
	AgentID        uuid.UUID  `json:"agent_id"`
	InboxID        uuid.UUID  `json:"inbox_id"`
	Role           string     `json:"role"`
	ChannelStateID *uuid.UUID `json:"channel_state_id,omitempty"`
	Online         bool       `json:"online"`
}

// Citizen is the external party messaging in.
type Citizen struct {
	ID             uuid.UUID `json:"id"`
	ExternalUserID string    `json:"external_user_id,omitempty"`
	DisplayName    string    `json:"display_name"`
	FullName       *string   `json:"full_name,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	DocumentType   *string   `json:"document_type,omitempty"`
	DocumentNumber *string   `json:"document_number,omitempty"`
	Email          string    `json:"email,omitempty"`
	Avatar         string    `json:"avatar,omitempty"`
	IsExternal     bool      `json:"is_external"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasIdentity reports whether name, document type and number are all known.
func (c *Citizen) HasIdentity() bool {
	return nonEmpty(c.FullName) && nonEmpty(c.DocumentType) && nonEmpty(c.DocumentNumber)
}

// Address is the channel address used to reach the citizen.
func (c *Citizen) Address() string {
	if c.Phone != "" {
		return c.Phone
	}
	return c.ExternalUserID
}

func nonEmpty(s *string) bool { return s != nil && *s != "" }

// CitizenIdentity is the patch applied by identity verification.
// Nil fields are cleared.
type CitizenIdentity struct {
	FullName       *string
	DocumentType   *string
	DocumentNumber *string
}

// Room is the durable conversation between a citizen and an inbox.
type Room struct {
	ID             uuid.UUID  `json:"id"`
	CitizenID      uuid.UUID  `json:"citizen_id"`
	ChannelID      uuid.UUID  `json:"channel_id"`
	InboxID        uuid.UUID  `json:"inbox_id"`
	AgentID        *uuid.UUID `json:"agent_id,omitempty"`
	ExternalRoomID string     `json:"external_room_id,omitempty"`
	Status         RoomStatus `json:"status"`
	BotReplies     bool       `json:"bot_replies"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Attention is one spell of active service within a Room.
type Attention struct {
	ID            uuid.UUID       `json:"id"`
	RoomID        uuid.UUID       `json:"room_id"`
	ConsultTypeID *uuid.UUID      `json:"consult_type_id,omitempty"`
	Status        AttentionStatus `json:"status"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       *time.Time      `json:"end_date,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsOpen reports whether the attention is not closed.
func (a *Attention) IsOpen() bool { return a.Status != AttentionClosed }

// Message is one inbound or outbound content unit.
type Message struct {
	ID                uuid.UUID  `json:"id"`
	RoomID            uuid.UUID  `json:"room_id"`
	AttentionID       uuid.UUID  `json:"attention_id"`
	SenderType        SenderType `json:"sender_type"`
	AuthorUserID      *uuid.UUID `json:"author_user_id,omitempty"`
	Content           string     `json:"content"`
	ExternalMessageID string     `json:"external_message_id,omitempty"`
	ReadStatus        ReadStatus `json:"read_status"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Attachment belongs to exactly one Message.
type Attachment struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	Content   string    `json:"-"` // base64 payload
	Name      string    `json:"name"`
	Extension string    `json:"extension"`
	SizeBytes int64     `json:"size_bytes"`
	MediaKind MediaKind `json:"media_kind"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryHistory records one debounced bot query and its responses.
type QueryHistory struct {
	ID          uuid.UUID `json:"id"`
	RoomID      uuid.UUID `json:"room_id"`
	AttentionID uuid.UUID `json:"attention_id"`
	Query       string    `json:"query"`
	Responses   []string  `json:"responses"`
	CreatedAt   time.Time `json:"created_at"`
}
