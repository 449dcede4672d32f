package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DirectoryStore is read access to channels, inboxes, credentials and
// agent assignments. Records are managed elsewhere.
type DirectoryStore interface {
	GetInboxCredentialByToken(ctx context.Context, token string) (*InboxCredential, error)
	GetInboxCredentialByPhone(ctx context.Context, phone string) (*InboxCredential, error)
	GetChannel(ctx context.Context, id uuid.UUID) (*Channel, error)
	GetChannelByKind(ctx context.Context, kind string) (*Channel, error)

	// ListEligibleAgents returns every agent assigned to the inbox with its role.
	// Role filtering is the caller's job.
	ListEligibleAgents(ctx context.Context, inboxID uuid.UUID) ([]AgentAssignment, error)

	// CountOpenAttentionsByAgent counts non-closed attentions on rooms owned
	// by each agent. Agents with none are absent from the map.
	CountOpenAttentionsByAgent(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]int, error)
}

// ConversationStore persists citizens, rooms, attentions and messages.
//
// The find-or-create methods are atomic: concurrent callers for the same
// key observe one winner and everyone else gets the winner's row with
// created == false.
type ConversationStore interface {
	// Citizens
	GetCitizen(ctx context.Context, id uuid.UUID) (*Citizen, error)
	FindCitizenByExternalID(ctx context.Context, externalID string) (*Citizen, error)
	FindCitizensByPhone(ctx context.Context, phone string) ([]Citizen, error)
	CreateCitizen(ctx context.Context, c *Citizen) (created bool, err error)
	UpdateCitizenIdentity(ctx context.Context, id uuid.UUID, ident CitizenIdentity) error

	// Rooms
	GetRoom(ctx context.Context, id uuid.UUID) (*Room, error)
	FindActiveRoom(ctx context.Context, citizenID, channelID uuid.UUID) (*Room, error)
	FindLatestRoom(ctx context.Context, citizenID, channelID uuid.UUID) (*Room, error)
	FindOrCreateActiveRoom(ctx context.Context, r *Room) (created bool, err error)
	ReopenRoom(ctx context.Context, id uuid.UUID, agentID *uuid.UUID) (bool, error)
	UpdateRoomStatus(ctx context.Context, id uuid.UUID, status RoomStatus) error
	SetRoomAgent(ctx context.Context, id uuid.UUID, agentID *uuid.UUID) error
	SetRoomBotReplies(ctx context.Context, id uuid.UUID, enabled bool) error

	// Attentions
	GetAttention(ctx context.Context, id uuid.UUID) (*Attention, error)
	FindOpenAttention(ctx context.Context, roomID uuid.UUID) (*Attention, error)
	FindOrCreateOpenAttention(ctx context.Context, a *Attention) (created bool, err error)

	// UpdateAttentionStatus moves a non-closed attention to status. When from
	// is non-empty the current status must be one of them. Returns false when
	// no row matched.
	UpdateAttentionStatus(ctx context.Context, id uuid.UUID, status AttentionStatus, from ...AttentionStatus) (bool, error)

	// CloseAttention stamps endDate and closes. Returns false if it was
	// already closed.
	CloseAttention(ctx context.Context, id uuid.UUID, endDate time.Time) (bool, error)

	// ListStaleAttentions returns open attentions whose latest message (or
	// start date, without messages) is older than before.
	ListStaleAttentions(ctx context.Context, before time.Time, limit int) ([]Attention, error)

	// Messages
	// CreateMessage inserts m and its attachments atomically: either all rows
	// land or none do. A duplicate external id returns the stored message
	// in m with created == false and writes nothing.
	CreateMessage(ctx context.Context, m *Message, atts ...*Attachment) (created bool, err error)
	ListMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]Message, error)
	ListAttentionMessages(ctx context.Context, attentionID uuid.UUID) ([]Message, error)
	CountUnread(ctx context.Context, roomID uuid.UUID) (int, error)
	MarkRoomRead(ctx context.Context, roomID uuid.UUID) (int, error)
	CreateQueryHistory(ctx context.Context, q *QueryHistory) error
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Directory     DirectoryStore
	Conversations ConversationStore
}
