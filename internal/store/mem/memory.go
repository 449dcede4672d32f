// Package mem is an in-memory implementation of the directory and
// conversation stores, used in standalone mode and by tests.
//
// A single mutex guards every table, so the find-or-create operations are
// atomic in the same way the Postgres partial unique indexes make them.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goattend/internal/store"
)

// Store implements store.DirectoryStore and store.ConversationStore.
type Store struct {
	mu sync.Mutex

	channels    map[uuid.UUID]*store.Channel
	inboxes     map[uuid.UUID]*store.Inbox
	credentials []store.InboxCredential
	agents      map[uuid.UUID]*store.Agent
	assignments []store.AgentAssignment

	citizens    map[uuid.UUID]*store.Citizen
	rooms       map[uuid.UUID]*store.Room
	attentions  map[uuid.UUID]*store.Attention
	messages    []*store.Message
	attachments []store.Attachment
	history     []store.QueryHistory
}

// New creates an empty store.
func New() *Store {
	return &Store{
		channels:   make(map[uuid.UUID]*store.Channel),
		inboxes:    make(map[uuid.UUID]*store.Inbox),
		agents:     make(map[uuid.UUID]*store.Agent),
		citizens:   make(map[uuid.UUID]*store.Citizen),
		rooms:      make(map[uuid.UUID]*store.Room),
		attentions: make(map[uuid.UUID]*store.Attention),
	}
}

// Stores wraps s in the store container.
func (s *Store) Stores() *store.Stores {
	return &store.Stores{Directory: s, Conversations: s}
}

// --- seeding ---

// AddChannel registers a channel.
func (s *Store) AddChannel(ch store.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.ID == uuid.Nil {
		ch.ID = store.GenNewID()
	}
	s.channels[ch.ID] = &ch
}

// AddInbox registers an inbox and, when token or phone is set, its credential.
func (s *Store) AddInbox(in store.Inbox, token, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == uuid.Nil {
		in.ID = store.GenNewID()
	}
	s.inboxes[in.ID] = &in
	if token != "" || phone != "" {
		s.credentials = append(s.credentials, store.InboxCredential{
			ID:        store.GenNewID(),
			InboxID:   in.ID,
			ChannelID: in.ChannelID,
			Token:     token,
			Phone:     phone,
		})
	}
}

// AddAgent registers an agent assigned to the given inboxes.
func (s *Store) AddAgent(a store.Agent, online bool, inboxIDs ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Role == "" {
		a.Role = store.RoleAgent
	}
	s.agents[a.ID] = &a
	for _, id := range inboxIDs {
		s.assignments = append(s.assignments, store.AgentAssignment{
			AgentID: a.ID,
			InboxID: id,
			Role:    a.Role,
			Online:  online,
		})
	}
}

// --- DirectoryStore ---

func (s *Store) GetInboxCredentialByToken(_ context.Context, token string) (*store.InboxCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.credentials {
		if token != "" && c.Token == token {
			cp := c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetInboxCredentialByPhone(_ context.Context, phone string) (*store.InboxCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.credentials {
		if phone != "" && c.Phone == phone {
			cp := c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetChannel(_ context.Context, id uuid.UUID) (*store.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *Store) GetChannelByKind(_ context.Context, kind string) (*store.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.Kind == kind {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListEligibleAgents(_ context.Context, inboxID uuid.UUID) ([]store.AgentAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AgentAssignment
	for _, a := range s.assignments {
		if a.InboxID == inboxID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) CountOpenAttentionsByAgent(_ context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(agentIDs))
	for _, id := range agentIDs {
		want[id] = true
	}
	counts := make(map[uuid.UUID]int)
	for _, a := range s.attentions {
		if !a.IsOpen() {
			continue
		}
		r, ok := s.rooms[a.RoomID]
		if !ok || r.AgentID == nil || !want[*r.AgentID] {
			continue
		}
		counts[*r.AgentID]++
	}
	return counts, nil
}

// --- citizens ---

func (s *Store) GetCitizen(_ context.Context, id uuid.UUID) (*store.Citizen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.citizens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) FindCitizenByExternalID(_ context.Context, externalID string) (*store.Citizen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if externalID == "" {
		return nil, store.ErrNotFound
	}
	for _, c := range s.citizens {
		if c.ExternalUserID == externalID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindCitizensByPhone(_ context.Context, phone string) ([]store.Citizen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Citizen
	for _, c := range s.citizens {
		if phone != "" && c.Phone == phone {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateCitizen(_ context.Context, c *store.Citizen) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ExternalUserID != "" {
		for _, existing := range s.citizens {
			if existing.ExternalUserID == c.ExternalUserID {
				*c = *existing
				return false, nil
			}
		}
	}
	if c.ID == uuid.Nil {
		c.ID = store.GenNewID()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.citizens[c.ID] = &cp
	return true, nil
}

func (s *Store) UpdateCitizenIdentity(_ context.Context, id uuid.UUID, ident store.CitizenIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.citizens[id]
	if !ok {
		return store.ErrNotFound
	}
	c.FullName = copyStr(ident.FullName)
	c.DocumentType = copyStr(ident.DocumentType)
	c.DocumentNumber = copyStr(ident.DocumentNumber)
	c.UpdatedAt = time.Now()
	return nil
}

func copyStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// --- rooms ---

func (s *Store) GetRoom(_ context.Context, id uuid.UUID) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) FindActiveRoom(_ context.Context, citizenID, channelID uuid.UUID) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.activeRoomLocked(citizenID, channelID); r != nil {
		cp := *r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) activeRoomLocked(citizenID, channelID uuid.UUID) *store.Room {
	for _, r := range s.rooms {
		if r.CitizenID == citizenID && r.ChannelID == channelID && r.Status != store.RoomCompleted {
			return r
		}
	}
	return nil
}

func (s *Store) FindLatestRoom(_ context.Context, citizenID, channelID uuid.UUID) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *store.Room
	for _, r := range s.rooms {
		if r.CitizenID != citizenID || r.ChannelID != channelID {
			continue
		}
		if latest == nil || r.UpdatedAt.After(latest.UpdatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) FindOrCreateActiveRoom(_ context.Context, r *store.Room) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.activeRoomLocked(r.CitizenID, r.ChannelID); existing != nil {
		*r = *existing
		return false, nil
	}
	if r.ID == uuid.Nil {
		r.ID = store.GenNewID()
	}
	if r.Status == "" {
		r.Status = store.RoomPending
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	s.rooms[r.ID] = &cp
	return true, nil
}

func (s *Store) ReopenRoom(_ context.Context, id uuid.UUID, agentID *uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok || r.Status != store.RoomCompleted {
		return false, nil
	}
	if s.activeRoomLocked(r.CitizenID, r.ChannelID) != nil {
		return false, nil
	}
	r.Status = store.RoomPending
	if agentID != nil {
		r.AgentID = copyID(agentID)
	}
	r.UpdatedAt = time.Now()
	return true, nil
}

func copyID(p *uuid.UUID) *uuid.UUID {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (s *Store) UpdateRoomStatus(_ context.Context, id uuid.UUID, status store.RoomStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetRoomAgent(_ context.Context, id uuid.UUID, agentID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return store.ErrNotFound
	}
	r.AgentID = copyID(agentID)
	r.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetRoomBotReplies(_ context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return store.ErrNotFound
	}
	r.BotReplies = enabled
	r.UpdatedAt = time.Now()
	return nil
}

// --- attentions ---

func (s *Store) GetAttention(_ context.Context, id uuid.UUID) (*store.Attention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attentions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) FindOpenAttention(_ context.Context, roomID uuid.UUID) (*store.Attention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.openAttentionLocked(roomID); a != nil {
		cp := *a
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) openAttentionLocked(roomID uuid.UUID) *store.Attention {
	for _, a := range s.attentions {
		if a.RoomID == roomID && a.IsOpen() {
			return a
		}
	}
	return nil
}

func (s *Store) FindOrCreateOpenAttention(_ context.Context, a *store.Attention) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.openAttentionLocked(a.RoomID); existing != nil {
		*a = *existing
		return false, nil
	}
	if a.ID == uuid.Nil {
		a.ID = store.GenNewID()
	}
	now := time.Now()
	if a.StartDate.IsZero() {
		a.StartDate = now
	}
	a.UpdatedAt = now
	a.EndDate = nil
	cp := *a
	s.attentions[a.ID] = &cp
	return true, nil
}

func (s *Store) UpdateAttentionStatus(_ context.Context, id uuid.UUID, status store.AttentionStatus, from ...store.AttentionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attentions[id]
	if !ok || !a.IsOpen() {
		return false, nil
	}
	if len(from) > 0 {
		match := false
		for _, f := range from {
			if a.Status == f {
				match = true
				break
			}
		}
		if !match {
			return false, nil
		}
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) CloseAttention(_ context.Context, id uuid.UUID, endDate time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attentions[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !a.IsOpen() {
		return false, nil
	}
	a.Status = store.AttentionClosed
	end := endDate
	a.EndDate = &end
	a.UpdatedAt = endDate
	return true, nil
}

func (s *Store) ListStaleAttentions(_ context.Context, before time.Time, limit int) ([]store.Attention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastActivity := make(map[uuid.UUID]time.Time)
	for _, m := range s.messages {
		if m.CreatedAt.After(lastActivity[m.AttentionID]) {
			lastActivity[m.AttentionID] = m.CreatedAt
		}
	}

	var out []store.Attention
	for _, a := range s.attentions {
		if !a.IsOpen() {
			continue
		}
		last, ok := lastActivity[a.ID]
		if !ok {
			last = a.StartDate
		}
		if last.Before(before) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- messages ---

func (s *Store) CreateMessage(_ context.Context, m *store.Message, atts ...*store.Attachment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ExternalMessageID != "" {
		for _, existing := range s.messages {
			if existing.RoomID == m.RoomID && existing.ExternalMessageID == m.ExternalMessageID {
				*m = *existing
				return false, nil
			}
		}
	}
	if m.ID == uuid.Nil {
		m.ID = store.GenNewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.ReadStatus == "" {
		m.ReadStatus = store.MessageUnread
	}
	cp := *m
	s.messages = append(s.messages, &cp)
	for _, a := range atts {
		a.MessageID = m.ID
		if a.ID == uuid.Nil {
			a.ID = store.GenNewID()
		}
		a.CreatedAt = time.Now()
		s.attachments = append(s.attachments, *a)
	}
	return true, nil
}

func (s *Store) ListMessages(_ context.Context, roomID uuid.UUID, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.RoomID == roomID {
			out = append(out, *m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) ListAttentionMessages(_ context.Context, attentionID uuid.UUID) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.AttentionID == attentionID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *Store) CountUnread(_ context.Context, roomID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.RoomID == roomID && m.SenderType == store.SenderCitizen && m.ReadStatus == store.MessageUnread {
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkRoomRead(_ context.Context, roomID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.RoomID == roomID && m.SenderType == store.SenderCitizen && m.ReadStatus == store.MessageUnread {
			m.ReadStatus = store.MessageRead
			n++
		}
	}
	return n, nil
}

// Attachments returns every attachment of a message.
func (s *Store) Attachments(messageID uuid.UUID) []store.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Attachment
	for _, a := range s.attachments {
		if a.MessageID == messageID {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) CreateQueryHistory(_ context.Context, q *store.QueryHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.ID == uuid.Nil {
		q.ID = store.GenNewID()
	}
	q.CreatedAt = time.Now()
	s.history = append(s.history, *q)
	return nil
}

// QueryHistory returns every recorded bot query, oldest first.
func (s *Store) QueryHistory() []store.QueryHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.QueryHistory(nil), s.history...)
}
