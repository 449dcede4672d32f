package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/metrics"
	"github.com/nextlevelbuilder/goattend/internal/notify"
	"github.com/nextlevelbuilder/goattend/internal/sessions"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

// AgentPicker chooses an agent for an inbox.
type AgentPicker interface {
	PickAgent(ctx context.Context, inboxID uuid.UUID) (uuid.UUID, error)
}

// Machine applies lifecycle transitions and announces them.
type Machine struct {
	dir    store.DirectoryStore
	convs  store.ConversationStore
	picker AgentPicker
	notify *notify.Notifier
	now    func() time.Time

	mu    sync.RWMutex
	hooks []CloseHook
}

// NewMachine creates a Machine.
func NewMachine(stores *store.Stores, picker AgentPicker, n *notify.Notifier) *Machine {
	return &Machine{
		dir:    stores.Directory,
		convs:  stores.Conversations,
		picker: picker,
		notify: n,
		now:    time.Now,
	}
}

// OnClose registers a hook run after every successful close.
func (m *Machine) OnClose(h CloseHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// OpenParams identifies the conversation an inbound message belongs to.
type OpenParams struct {
	Citizen        *store.Citizen
	Channel        *store.Channel
	InboxID        uuid.UUID
	ExternalRoomID string
}

// Opened is the resolved room and attention for an inbound message.
type Opened struct {
	Room             *store.Room
	Attention        *store.Attention
	RoomCreated      bool
	RoomReopened     bool
	AttentionCreated bool
}

// InitialStatus is the status of a fresh attention on ch.
func InitialStatus(ch *store.Channel) store.AttentionStatus {
	if ch.RequiresVerification && !ch.OperatorInitiated {
		return store.AttentionIdentityVerification
	}
	return store.AttentionInProgress
}

// OpenForInbound resolves (or creates) the active room of the citizen on
// the channel and its open attention. A completed room is reopened rather
// than duplicated; a closed attention is never reused.
func (m *Machine) OpenForInbound(ctx context.Context, p OpenParams) (*Opened, error) {
	out := &Opened{}

	room, err := m.convs.FindActiveRoom(ctx, p.Citizen.ID, p.Channel.ID)
	switch {
	case err == nil:
		out.Room = room
	case errors.Is(err, store.ErrNotFound):
		out.Room, out.RoomCreated, out.RoomReopened, err = m.activateRoom(ctx, p)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("find active room: %w", err)
	}

	att, err := m.convs.FindOpenAttention(ctx, out.Room.ID)
	switch {
	case err == nil:
		out.Attention = att
		return out, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("find open attention: %w", err)
	}

	att = &store.Attention{
		RoomID:    out.Room.ID,
		Status:    InitialStatus(p.Channel),
		StartDate: m.now(),
	}
	created, err := m.convs.FindOrCreateOpenAttention(ctx, att)
	if err != nil {
		return nil, fmt.Errorf("create attention: %w", err)
	}
	out.Attention = att
	out.AttentionCreated = created

	if created {
		slog.Info("conversation: attention opened",
			"room", out.Room.ID, "attention", att.ID, "status", att.Status)
		// assignment deferred when the room was created without an agent
		if out.Room.AgentID == nil && !out.RoomCreated {
			m.assignIfPossible(ctx, out.Room)
		}
		m.notify.RoomStatusChanged(notify.RoomStatusPayload{
			RoomID:          out.Room.ID,
			Status:          out.Room.Status,
			AttentionID:     att.ID,
			AttentionStatus: att.Status,
		})
	}
	return out, nil
}

// activateRoom reopens the citizen's latest completed room or creates one.
func (m *Machine) activateRoom(ctx context.Context, p OpenParams) (room *store.Room, created, reopened bool, err error) {
	latest, err := m.convs.FindLatestRoom(ctx, p.Citizen.ID, p.Channel.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, false, fmt.Errorf("find latest room: %w", err)
	}

	if latest != nil && latest.Status == store.RoomCompleted {
		agent := m.pick(ctx, latest.InboxID)
		ok, err := m.convs.ReopenRoom(ctx, latest.ID, agent)
		if err != nil {
			return nil, false, false, fmt.Errorf("reopen room: %w", err)
		}
		if ok {
			if latest.BotReplies != p.Channel.BotEnabled {
				if err := m.convs.SetRoomBotReplies(ctx, latest.ID, p.Channel.BotEnabled); err != nil {
					return nil, false, false, fmt.Errorf("reset bot replies: %w", err)
				}
			}
			room, err := m.convs.GetRoom(ctx, latest.ID)
			if err != nil {
				return nil, false, false, err
			}
			slog.Info("conversation: room reopened", "room", room.ID, "agent", room.AgentID)
			if agent != nil && !sameAgent(agent, latest.AgentID) {
				m.notify.AdvisorChanged(notify.AdvisorChangedPayload{
					RoomID: room.ID, PreviousID: latest.AgentID, AgentID: room.AgentID,
				})
			}
			return room, false, true, nil
		}
		// lost the race against a concurrent reopen or create
	}

	r := &store.Room{
		CitizenID:      p.Citizen.ID,
		ChannelID:      p.Channel.ID,
		InboxID:        p.InboxID,
		ExternalRoomID: p.ExternalRoomID,
		Status:         store.RoomPending,
		BotReplies:     p.Channel.BotEnabled,
	}
	if active, err := m.convs.FindActiveRoom(ctx, p.Citizen.ID, p.Channel.ID); err == nil {
		return active, false, false, nil
	}
	r.AgentID = m.pick(ctx, p.InboxID)
	created, err = m.convs.FindOrCreateActiveRoom(ctx, r)
	if err != nil {
		return nil, false, false, fmt.Errorf("create room: %w", err)
	}
	if created {
		slog.Info("conversation: room created", "room", r.ID, "citizen", p.Citizen.ID, "agent", r.AgentID)
	}
	return r, created, false, nil
}

// pick asks the balancer for an agent. No eligible agent leaves the room
// unassigned; the message is still persisted.
func (m *Machine) pick(ctx context.Context, inboxID uuid.UUID) *uuid.UUID {
	if m.picker == nil {
		return nil
	}
	id, err := m.picker.PickAgent(ctx, inboxID)
	switch {
	case err == nil:
		metrics.Assignment("assigned")
		return &id
	case errors.Is(err, store.ErrNoEligibleAgent):
		metrics.Assignment("no_agent")
		slog.Warn("conversation: no eligible agent, assignment deferred", "inbox", inboxID)
	default:
		metrics.Assignment("error")
		slog.Error("conversation: agent pick failed", "inbox", inboxID, "error", err)
	}
	return nil
}

func (m *Machine) assignIfPossible(ctx context.Context, room *store.Room) {
	agent := m.pick(ctx, room.InboxID)
	if agent == nil {
		return
	}
	if err := m.convs.SetRoomAgent(ctx, room.ID, agent); err != nil {
		slog.Error("conversation: set room agent", "room", room.ID, "error", err)
		return
	}
	room.AgentID = agent
	m.notify.AdvisorChanged(notify.AdvisorChangedPayload{RoomID: room.ID, AgentID: agent})
}

func sameAgent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Close closes an attention and completes its room. Closing an already
// closed attention is a no-op returning false; a missing one is
// store.ErrNotFound.
func (m *Machine) Close(ctx context.Context, attentionID uuid.UUID, reason string) (bool, error) {
	att, err := m.convs.GetAttention(ctx, attentionID)
	if err != nil {
		return false, err
	}
	end := m.now()
	closed, err := m.convs.CloseAttention(ctx, att.ID, end)
	if err != nil {
		return false, fmt.Errorf("close attention: %w", err)
	}
	if !closed {
		return false, nil
	}
	if err := m.convs.UpdateRoomStatus(ctx, att.RoomID, store.RoomCompleted); err != nil {
		slog.Error("conversation: complete room", "room", att.RoomID, "error", err)
	}

	metrics.AttentionClosed(reason)
	slog.Info("conversation: attention closed", "attention", att.ID, "room", att.RoomID, "reason", reason)

	m.notify.AssistanceClosed(notify.AssistanceClosedPayload{
		RoomID: att.RoomID, AttentionID: att.ID, Reason: reason, EndDate: end,
	})
	m.notify.RoomStatusChanged(notify.RoomStatusPayload{
		RoomID: att.RoomID, Status: store.RoomCompleted,
		AttentionID: att.ID, AttentionStatus: store.AttentionClosed,
	})

	t, err := m.targetFor(ctx, att)
	if err != nil {
		slog.Warn("conversation: close hooks skipped", "attention", att.ID, "error", err)
		return true, nil
	}
	m.mu.RLock()
	hooks := append([]CloseHook(nil), m.hooks...)
	m.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, t, reason)
	}
	return true, nil
}

// CloseRoom closes the open attention of a room. A room without an open
// attention is completed and reported as not closed.
func (m *Machine) CloseRoom(ctx context.Context, roomID uuid.UUID, reason string) (bool, error) {
	room, err := m.convs.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	att, err := m.convs.FindOpenAttention(ctx, room.ID)
	if errors.Is(err, store.ErrNotFound) {
		if room.Status != store.RoomCompleted {
			if err := m.convs.UpdateRoomStatus(ctx, room.ID, store.RoomCompleted); err != nil {
				return false, err
			}
			m.notify.RoomStatusChanged(notify.RoomStatusPayload{RoomID: room.ID, Status: store.RoomCompleted})
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Close(ctx, att.ID, reason)
}

// Promote moves an attention out of identity verification. Returns false
// when it was not in that state.
func (m *Machine) Promote(ctx context.Context, attentionID uuid.UUID) (bool, error) {
	ok, err := m.convs.UpdateAttentionStatus(ctx, attentionID,
		store.AttentionInProgress, store.AttentionIdentityVerification)
	if err != nil || !ok {
		return ok, err
	}
	att, err := m.convs.GetAttention(ctx, attentionID)
	if err != nil {
		return true, nil
	}
	if room, err := m.convs.GetRoom(ctx, att.RoomID); err == nil {
		m.notify.RoomStatusChanged(notify.RoomStatusPayload{
			RoomID: room.ID, Status: room.Status,
			AttentionID: att.ID, AttentionStatus: store.AttentionInProgress,
		})
	}
	return true, nil
}

// Escalation is the outcome of an advisor request.
type Escalation struct {
	RoomID      uuid.UUID  `json:"room_id"`
	AttentionID uuid.UUID  `json:"attention_id"`
	AgentID     *uuid.UUID `json:"agent_id,omitempty"`
	Reassigned  bool       `json:"reassigned"`
}

// Escalate hands a bot-served attention to a human: both room and
// attention go to priority, a fresh agent is picked and the bot is
// switched off for the room.
func (m *Machine) Escalate(ctx context.Context, attentionID uuid.UUID) (*Escalation, error) {
	att, err := m.convs.GetAttention(ctx, attentionID)
	if err != nil {
		return nil, err
	}
	if !att.IsOpen() {
		return nil, fmt.Errorf("attention %s is closed: %w", att.ID, store.ErrNotFound)
	}
	room, err := m.convs.GetRoom(ctx, att.RoomID)
	if err != nil {
		return nil, err
	}

	if _, err := m.convs.UpdateAttentionStatus(ctx, att.ID, store.AttentionPriority); err != nil {
		return nil, fmt.Errorf("attention to priority: %w", err)
	}
	if err := m.convs.UpdateRoomStatus(ctx, room.ID, store.RoomPriority); err != nil {
		return nil, fmt.Errorf("room to priority: %w", err)
	}
	if err := m.convs.SetRoomBotReplies(ctx, room.ID, false); err != nil {
		return nil, fmt.Errorf("disable bot: %w", err)
	}

	out := &Escalation{RoomID: room.ID, AttentionID: att.ID, AgentID: room.AgentID}
	if agent := m.pick(ctx, room.InboxID); agent != nil {
		if err := m.convs.SetRoomAgent(ctx, room.ID, agent); err != nil {
			return nil, fmt.Errorf("assign agent: %w", err)
		}
		out.Reassigned = !sameAgent(agent, room.AgentID)
		out.AgentID = agent
	}

	slog.Info("conversation: advisor requested", "room", room.ID, "attention", att.ID, "agent", out.AgentID)
	m.notify.AdvisorRequested(notify.AdvisorRequestedPayload{RoomID: room.ID, AttentionID: att.ID, AgentID: out.AgentID})
	m.notify.RoomStatusChanged(notify.RoomStatusPayload{
		RoomID: room.ID, Status: store.RoomPriority,
		AttentionID: att.ID, AttentionStatus: store.AttentionPriority,
	})
	m.notify.BotStatusChanged(room.ID, false)
	if out.Reassigned {
		m.notify.AdvisorChanged(notify.AdvisorChangedPayload{
			RoomID: room.ID, PreviousID: room.AgentID, AgentID: out.AgentID, AttentionID: att.ID,
		})
	}
	return out, nil
}

// Transfer reassigns a room to another agent of its inbox. Status is unchanged.
func (m *Machine) Transfer(ctx context.Context, roomID, agentID uuid.UUID) error {
	room, err := m.convs.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	assignments, err := m.dir.ListEligibleAgents(ctx, room.InboxID)
	if err != nil {
		return fmt.Errorf("list inbox agents: %w", err)
	}
	assigned := false
	for _, a := range assignments {
		if a.AgentID == agentID {
			assigned = true
			break
		}
	}
	if !assigned {
		return fmt.Errorf("agent %s not assigned to inbox %s: %w", agentID, room.InboxID, store.ErrNotFound)
	}
	if err := m.convs.SetRoomAgent(ctx, room.ID, &agentID); err != nil {
		return err
	}
	slog.Info("conversation: room transferred", "room", room.ID, "from", room.AgentID, "to", agentID)
	m.notify.AdvisorChanged(notify.AdvisorChangedPayload{RoomID: room.ID, PreviousID: room.AgentID, AgentID: &agentID})
	return nil
}

// SetBotReplies toggles the bot for a room.
func (m *Machine) SetBotReplies(ctx context.Context, roomID uuid.UUID, enabled bool) error {
	if _, err := m.convs.GetRoom(ctx, roomID); err != nil {
		return err
	}
	if err := m.convs.SetRoomBotReplies(ctx, roomID, enabled); err != nil {
		return err
	}
	m.notify.BotStatusChanged(roomID, enabled)
	return nil
}

// MarkRead marks the room's citizen messages read and announces it.
func (m *Machine) MarkRead(ctx context.Context, roomID uuid.UUID, viewerID string) (int, error) {
	if _, err := m.convs.GetRoom(ctx, roomID); err != nil {
		return 0, err
	}
	n, err := m.convs.MarkRoomRead(ctx, roomID)
	if err != nil {
		return 0, err
	}
	m.notify.ChatViewed(notify.ChatViewedPayload{RoomID: roomID, ViewerID: viewerID, Marked: n})
	return n, nil
}

// TargetFor builds the Target of an attention.
func (m *Machine) TargetFor(ctx context.Context, attentionID uuid.UUID) (Target, error) {
	att, err := m.convs.GetAttention(ctx, attentionID)
	if err != nil {
		return Target{}, err
	}
	return m.targetFor(ctx, att)
}

// RoomTarget builds the Target of a room and its open attention, if any.
func (m *Machine) RoomTarget(ctx context.Context, roomID uuid.UUID) (Target, error) {
	room, err := m.convs.GetRoom(ctx, roomID)
	if err != nil {
		return Target{}, err
	}
	t, err := m.roomTarget(ctx, room)
	if err != nil {
		return Target{}, err
	}
	if att, err := m.convs.FindOpenAttention(ctx, room.ID); err == nil {
		t.AttentionID = att.ID
	}
	return t, nil
}

func (m *Machine) targetFor(ctx context.Context, att *store.Attention) (Target, error) {
	room, err := m.convs.GetRoom(ctx, att.RoomID)
	if err != nil {
		return Target{}, err
	}
	t, err := m.roomTarget(ctx, room)
	if err != nil {
		return Target{}, err
	}
	t.AttentionID = att.ID
	return t, nil
}

func (m *Machine) roomTarget(ctx context.Context, room *store.Room) (Target, error) {
	citizen, err := m.convs.GetCitizen(ctx, room.CitizenID)
	if err != nil {
		return Target{}, fmt.Errorf("room citizen: %w", err)
	}
	ch, err := m.dir.GetChannel(ctx, room.ChannelID)
	if err != nil {
		return Target{}, fmt.Errorf("room channel: %w", err)
	}
	return NewTarget(citizen, ch, room, uuid.Nil), nil
}

// NewTarget assembles a Target from already loaded records.
func NewTarget(c *store.Citizen, ch *store.Channel, room *store.Room, attentionID uuid.UUID) Target {
	chatID := room.ExternalRoomID
	if chatID == "" {
		chatID = c.Address()
	}
	return Target{
		CitizenKey:  sessions.CitizenKey(ch.Kind, c.Address()),
		CitizenID:   c.ID,
		RoomID:      room.ID,
		AttentionID: attentionID,
		ChannelID:   ch.ID,
		InboxID:     room.InboxID,
		Channel:     ch.Kind,
		ChatID:      chatID,
	}
}
