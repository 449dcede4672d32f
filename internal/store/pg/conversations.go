package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/goattend/internal/store"
)

// PGConversationStore implements store.ConversationStore backed by Postgres.
//
// One-active-room-per-(citizen, channel) and one-open-attention-per-room
// are enforced by partial unique indexes (see migrations); the
// find-or-create methods rely on INSERT ... ON CONFLICT DO NOTHING and
// re-read the winner's row when the insert loses.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

// ============================================================
// Citizens
// ============================================================

const citizenColumns = `id, external_user_id, display_name, full_name, phone, document_type, document_number, email, avatar, is_external, created_at, updated_at`

func scanCitizen(row scanner) (*store.Citizen, error) {
	var c store.Citizen
	err := row.Scan(&c.ID, &c.ExternalUserID, &c.DisplayName, &c.FullName, &c.Phone,
		&c.DocumentType, &c.DocumentNumber, &c.Email, &c.Avatar, &c.IsExternal,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *PGConversationStore) GetCitizen(ctx context.Context, id uuid.UUID) (*store.Citizen, error) {
	return scanCitizen(s.db.QueryRowContext(ctx,
		`SELECT `+citizenColumns+` FROM citizens WHERE id = $1`, id))
}

func (s *PGConversationStore) FindCitizenByExternalID(ctx context.Context, externalID string) (*store.Citizen, error) {
	if externalID == "" {
		return nil, store.ErrNotFound
	}
	return scanCitizen(s.db.QueryRowContext(ctx,
		`SELECT `+citizenColumns+` FROM citizens WHERE external_user_id = $1`, externalID))
}

func (s *PGConversationStore) FindCitizensByPhone(ctx context.Context, phone string) ([]store.Citizen, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+citizenColumns+` FROM citizens WHERE phone = $1 ORDER BY created_at`, phone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Citizen
	for rows.Next() {
		c, err := scanCitizen(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PGConversationStore) CreateCitizen(ctx context.Context, c *store.Citizen) (bool, error) {
	if c.ID == uuid.Nil {
		c.ID = store.GenNewID()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO citizens (id, external_user_id, display_name, full_name, phone, document_type, document_number, email, avatar, is_external, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (external_user_id) WHERE external_user_id <> '' DO NOTHING`,
		c.ID, c.ExternalUserID, c.DisplayName, c.FullName, c.Phone,
		c.DocumentType, c.DocumentNumber, c.Email, c.Avatar, c.IsExternal, now, now,
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	existing, err := s.FindCitizenByExternalID(ctx, c.ExternalUserID)
	if err != nil {
		return false, err
	}
	*c = *existing
	return false, nil
}

func (s *PGConversationStore) UpdateCitizenIdentity(ctx context.Context, id uuid.UUID, ident store.CitizenIdentity) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE citizens SET full_name = $1, document_type = $2, document_number = $3, updated_at = $4
		 WHERE id = $5`,
		ident.FullName, ident.DocumentType, ident.DocumentNumber, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ============================================================
// Rooms
// ============================================================

const roomColumns = `id, citizen_id, channel_id, inbox_id, agent_id, external_room_id, status, bot_replies, created_at, updated_at`

func scanRoom(row scanner) (*store.Room, error) {
	var r store.Room
	var agentID uuid.NullUUID
	err := row.Scan(&r.ID, &r.CitizenID, &r.ChannelID, &r.InboxID, &agentID,
		&r.ExternalRoomID, &r.Status, &r.BotReplies, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if agentID.Valid {
		id := agentID.UUID
		r.AgentID = &id
	}
	return &r, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func (s *PGConversationStore) GetRoom(ctx context.Context, id uuid.UUID) (*store.Room, error) {
	return scanRoom(s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

func (s *PGConversationStore) FindActiveRoom(ctx context.Context, citizenID, channelID uuid.UUID) (*store.Room, error) {
	return scanRoom(s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms
		 WHERE citizen_id = $1 AND channel_id = $2 AND status <> 'completed'`, citizenID, channelID))
}

func (s *PGConversationStore) FindLatestRoom(ctx context.Context, citizenID, channelID uuid.UUID) (*store.Room, error) {
	return scanRoom(s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms
		 WHERE citizen_id = $1 AND channel_id = $2
		 ORDER BY updated_at DESC LIMIT 1`, citizenID, channelID))
}

func (s *PGConversationStore) FindOrCreateActiveRoom(ctx context.Context, r *store.Room) (bool, error) {
	if r.ID == uuid.Nil {
		r.ID = store.GenNewID()
	}
	if r.Status == "" {
		r.Status = store.RoomPending
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, citizen_id, channel_id, inbox_id, agent_id, external_room_id, status, bot_replies, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (citizen_id, channel_id) WHERE status <> 'completed' DO NOTHING`,
		r.ID, r.CitizenID, r.ChannelID, r.InboxID, nullUUID(r.AgentID),
		r.ExternalRoomID, r.Status, r.BotReplies, now, now,
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	existing, err := s.FindActiveRoom(ctx, r.CitizenID, r.ChannelID)
	if err != nil {
		return false, err
	}
	*r = *existing
	return false, nil
}

func (s *PGConversationStore) ReopenRoom(ctx context.Context, id uuid.UUID, agentID *uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET status = 'pending', agent_id = COALESCE($1, agent_id), updated_at = $2
		 WHERE id = $3 AND status = 'completed'`,
		nullUUID(agentID), time.Now(), id)
	if err != nil {
		if isUniqueViolation(err) {
			// another room for the same citizen/channel became active first
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGConversationStore) UpdateRoomStatus(ctx context.Context, id uuid.UUID, status store.RoomStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGConversationStore) SetRoomAgent(ctx context.Context, id uuid.UUID, agentID *uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET agent_id = $1, updated_at = $2 WHERE id = $3`, nullUUID(agentID), time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGConversationStore) SetRoomBotReplies(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET bot_replies = $1, updated_at = $2 WHERE id = $3`, enabled, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ============================================================
// Attentions
// ============================================================

const attentionColumns = `id, room_id, consult_type_id, status, start_date, end_date, updated_at`

func scanAttention(row scanner) (*store.Attention, error) {
	var a store.Attention
	var consult uuid.NullUUID
	var end sql.NullTime
	if err := row.Scan(&a.ID, &a.RoomID, &consult, &a.Status, &a.StartDate, &end, &a.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	if consult.Valid {
		id := consult.UUID
		a.ConsultTypeID = &id
	}
	if end.Valid {
		t := end.Time
		a.EndDate = &t
	}
	return &a, nil
}

func (s *PGConversationStore) GetAttention(ctx context.Context, id uuid.UUID) (*store.Attention, error) {
	return scanAttention(s.db.QueryRowContext(ctx,
		`SELECT `+attentionColumns+` FROM attentions WHERE id = $1`, id))
}

func (s *PGConversationStore) FindOpenAttention(ctx context.Context, roomID uuid.UUID) (*store.Attention, error) {
	return scanAttention(s.db.QueryRowContext(ctx,
		`SELECT `+attentionColumns+` FROM attentions WHERE room_id = $1 AND status <> 'closed'`, roomID))
}

func (s *PGConversationStore) FindOrCreateOpenAttention(ctx context.Context, a *store.Attention) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = store.GenNewID()
	}
	now := time.Now()
	if a.StartDate.IsZero() {
		a.StartDate = now
	}
	a.UpdatedAt = now
	a.EndDate = nil

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attentions (id, room_id, consult_type_id, status, start_date, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (room_id) WHERE status <> 'closed' DO NOTHING`,
		a.ID, a.RoomID, nullUUID(a.ConsultTypeID), a.Status, a.StartDate, now,
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	existing, err := s.FindOpenAttention(ctx, a.RoomID)
	if err != nil {
		return false, err
	}
	*a = *existing
	return false, nil
}

func (s *PGConversationStore) UpdateAttentionStatus(ctx context.Context, id uuid.UUID, status store.AttentionStatus, from ...store.AttentionStatus) (bool, error) {
	var res sql.Result
	var err error
	if len(from) == 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE attentions SET status = $1, updated_at = $2 WHERE id = $3 AND status <> 'closed'`,
			status, time.Now(), id)
	} else {
		allowed := make([]string, len(from))
		for i, f := range from {
			allowed[i] = string(f)
		}
		res, err = s.db.ExecContext(ctx,
			`UPDATE attentions SET status = $1, updated_at = $2
			 WHERE id = $3 AND status <> 'closed' AND status = ANY($4)`,
			status, time.Now(), id, pq.Array(allowed))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGConversationStore) CloseAttention(ctx context.Context, id uuid.UUID, endDate time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attentions SET status = 'closed', end_date = $1, updated_at = $1
		 WHERE id = $2 AND status <> 'closed'`, endDate, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish "already closed" from "missing".
	if _, err := s.GetAttention(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PGConversationStore) ListStaleAttentions(ctx context.Context, before time.Time, limit int) ([]store.Attention, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.room_id, a.consult_type_id, a.status, a.start_date, a.end_date, a.updated_at
		 FROM attentions a
		 WHERE a.status <> 'closed'
		   AND COALESCE((SELECT MAX(m.created_at) FROM messages m WHERE m.attention_id = a.id), a.start_date) < $1
		 ORDER BY a.start_date
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Attention
	for rows.Next() {
		a, err := scanAttention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ============================================================
// Messages
// ============================================================

const messageColumns = `id, room_id, attention_id, sender_type, author_user_id, content, external_message_id, read_status, created_at`

func scanMessage(row scanner) (*store.Message, error) {
	var m store.Message
	var author uuid.NullUUID
	err := row.Scan(&m.ID, &m.RoomID, &m.AttentionID, &m.SenderType, &author,
		&m.Content, &m.ExternalMessageID, &m.ReadStatus, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if author.Valid {
		id := author.UUID
		m.AuthorUserID = &id
	}
	return &m, nil
}

func (s *PGConversationStore) CreateMessage(ctx context.Context, m *store.Message, atts ...*store.Attachment) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = store.GenNewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.ReadStatus == "" {
		m.ReadStatus = store.MessageUnread
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, attention_id, sender_type, author_user_id, content, external_message_id, read_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (room_id, external_message_id) WHERE external_message_id <> '' DO NOTHING`,
		m.ID, m.RoomID, m.AttentionID, m.SenderType, nullUUID(m.AuthorUserID),
		m.Content, m.ExternalMessageID, m.ReadStatus, m.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE room_id = $1 AND external_message_id = $2`,
			m.RoomID, m.ExternalMessageID))
		if err != nil {
			return false, err
		}
		*m = *existing
		return false, nil
	}

	now := time.Now()
	for _, a := range atts {
		if a.ID == uuid.Nil {
			a.ID = store.GenNewID()
		}
		a.MessageID = m.ID
		a.CreatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attachments (id, message_id, content, name, extension, size_bytes, media_kind, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, a.MessageID, a.Content, a.Name, a.Extension, a.SizeBytes, a.MediaKind, a.CreatedAt); err != nil {
			return false, fmt.Errorf("insert attachment: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit message: %w", err)
	}
	return true, nil
}

func (s *PGConversationStore) ListMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
		   SELECT `+messageColumns+` FROM messages WHERE room_id = $1
		   ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PGConversationStore) ListAttentionMessages(ctx context.Context, attentionID uuid.UUID) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE attention_id = $1 ORDER BY created_at`, attentionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PGConversationStore) CountUnread(ctx context.Context, roomID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE room_id = $1 AND sender_type = 'citizen' AND read_status = 'unread'`, roomID).Scan(&n)
	return n, err
}

func (s *PGConversationStore) MarkRoomRead(ctx context.Context, roomID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read_status = 'read'
		 WHERE room_id = $1 AND sender_type = 'citizen' AND read_status = 'unread'`, roomID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PGConversationStore) CreateQueryHistory(ctx context.Context, q *store.QueryHistory) error {
	if q.ID == uuid.Nil {
		q.ID = store.GenNewID()
	}
	q.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_history (id, room_id, attention_id, query, responses, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		q.ID, q.RoomID, q.AttentionID, q.Query, pq.Array(q.Responses), q.CreatedAt)
	return err
}

// ============================================================
// helpers
// ============================================================

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// isUniqueViolation matches SQLSTATE 23505 from either pgx or lib/pq errors.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		return coded.SQLState() == "23505"
	}
	return false
}
