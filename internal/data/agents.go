package data

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Agent client status values.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
	AgentError   = "error"
)

// AgentClient identifies a remote recording agent. The bearer token is
// opaque and long-lived; only its SHA-256 is stored.
type AgentClient struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	TokenHash  string          `json:"-"`
	Status     string          `json:"status"`
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
	LastIP     string          `json:"last_ip,omitempty"`
	SystemInfo json.RawMessage `json:"system_info,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type AgentModel struct {
	DB DBTX
}

func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// NewToken generates an opaque bearer token. The plaintext is returned
// exactly once; the row keeps only the hash.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (m AgentModel) Create(ctx context.Context, a *AgentClient, tokenPlain string) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = AgentOffline
	}
	query := `
		INSERT INTO agent_clients (id, name, token_hash, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`
	err := m.DB.QueryRowContext(ctx, query, a.ID, a.Name, hashToken(tokenPlain), a.Status).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateToken
	}
	return err
}

func scanAgent(row interface{ Scan(...any) error }) (*AgentClient, error) {
	var a AgentClient
	var lastSeen sql.NullTime
	var lastIP sql.NullString
	var sysInfo []byte
	err := row.Scan(&a.ID, &a.Name, &a.TokenHash, &a.Status, &lastSeen, &lastIP, &sysInfo,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	if lastIP.Valid {
		a.LastIP = lastIP.String
	}
	a.SystemInfo = sysInfo
	return &a, nil
}

const agentColumns = `id, name, token_hash, status, last_seen_at, last_ip, system_info, created_at, updated_at`

// GetByToken resolves a bearer token to its agent row.
func (m AgentModel) GetByToken(ctx context.Context, tokenPlain string) (*AgentClient, error) {
	query := `SELECT ` + agentColumns + ` FROM agent_clients WHERE token_hash = $1`
	return scanAgent(m.DB.QueryRowContext(ctx, query, hashToken(tokenPlain)))
}

func (m AgentModel) GetByID(ctx context.Context, id uuid.UUID) (*AgentClient, error) {
	query := `SELECT ` + agentColumns + ` FROM agent_clients WHERE id = $1`
	return scanAgent(m.DB.QueryRowContext(ctx, query, id))
}

// Heartbeat updates liveness and transitions the agent online.
func (m AgentModel) Heartbeat(ctx context.Context, id uuid.UUID, ip string, sysInfo json.RawMessage) error {
	query := `
		UPDATE agent_clients
		SET status = 'online', last_seen_at = NOW(), last_ip = $1, system_info = $2, updated_at = NOW()
		WHERE id = $3`
	res, err := m.DB.ExecContext(ctx, query, ip, []byte(sysInfo), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkStale flips agents offline when their last heartbeat is older
// than the cutoff.
func (m AgentModel) MarkStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE agent_clients SET status = 'offline', updated_at = NOW()
		 WHERE status = 'online' AND (last_seen_at IS NULL OR last_seen_at < $1)`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m AgentModel) List(ctx context.Context) ([]*AgentClient, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agent_clients ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*AgentClient
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (m AgentModel) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM agent_clients WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
