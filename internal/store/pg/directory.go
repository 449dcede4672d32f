package pg

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/goattend/internal/store"
)

// PGDirectoryStore implements store.DirectoryStore backed by Postgres.
type PGDirectoryStore struct {
	db *sql.DB
}

func NewPGDirectoryStore(db *sql.DB) *PGDirectoryStore {
	return &PGDirectoryStore{db: db}
}

const credentialColumns = `c.id, c.inbox_id, i.channel_id, c.token, COALESCE(c.phone, '')`

func scanCredential(row scanner) (*store.InboxCredential, error) {
	var c store.InboxCredential
	if err := row.Scan(&c.ID, &c.InboxID, &c.ChannelID, &c.Token, &c.Phone); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *PGDirectoryStore) GetInboxCredentialByToken(ctx context.Context, token string) (*store.InboxCredential, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+`
		 FROM inbox_credentials c JOIN inboxes i ON i.id = c.inbox_id
		 WHERE c.token = $1`, token)
	return scanCredential(row)
}

func (s *PGDirectoryStore) GetInboxCredentialByPhone(ctx context.Context, phone string) (*store.InboxCredential, error) {
	if phone == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+`
		 FROM inbox_credentials c JOIN inboxes i ON i.id = c.inbox_id
		 WHERE c.phone = $1
		 ORDER BY c.created_at
		 LIMIT 1`, phone)
	return scanCredential(row)
}

const channelColumns = `id, name, kind, requires_verification, bot_enabled, strict_identity, operator_initiated, created_at, updated_at`

func scanChannel(row scanner) (*store.Channel, error) {
	var ch store.Channel
	err := row.Scan(&ch.ID, &ch.Name, &ch.Kind, &ch.RequiresVerification, &ch.BotEnabled,
		&ch.StrictIdentity, &ch.OperatorInitiated, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &ch, nil
}

func (s *PGDirectoryStore) GetChannel(ctx context.Context, id uuid.UUID) (*store.Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
}

func (s *PGDirectoryStore) GetChannelByKind(ctx context.Context, kind string) (*store.Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE kind = $1 ORDER BY created_at LIMIT 1`, kind))
}

func (s *PGDirectoryStore) ListEligibleAgents(ctx context.Context, inboxID uuid.UUID) ([]store.AgentAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ai.agent_id, ai.inbox_id, a.role, ai.channel_state_id, ai.online
		 FROM agent_inboxes ai
		 JOIN agents a ON a.id = ai.agent_id
		 WHERE ai.inbox_id = $1 AND a.active`, inboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AgentAssignment
	for rows.Next() {
		var as store.AgentAssignment
		var stateID uuid.NullUUID
		if err := rows.Scan(&as.AgentID, &as.InboxID, &as.Role, &stateID, &as.Online); err != nil {
			return nil, err
		}
		if stateID.Valid {
			id := stateID.UUID
			as.ChannelStateID = &id
		}
		out = append(out, as)
	}
	return out, rows.Err()
}

func (s *PGDirectoryStore) CountOpenAttentionsByAgent(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(agentIDs))
	if len(agentIDs) == 0 {
		return counts, nil
	}
	ids := make([]string, len(agentIDs))
	for i, id := range agentIDs {
		ids[i] = id.String()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.agent_id, COUNT(*)
		 FROM attentions a
		 JOIN rooms r ON r.id = a.room_id
		 WHERE a.status <> 'closed' AND r.agent_id = ANY($1::uuid[])
		 GROUP BY r.agent_id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
