package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	agents "dispatchd/internal/agents/domain"
)

// AgentRepository is a Postgres implementation for agents.
type AgentRepository struct {
	db *sql.DB
}

// NewAgentRepository constructs a repository.
func NewAgentRepository(db *sql.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `
agent_id, name, external_id, capabilities, status, token_hash, token_hint,
token_active, last_heartbeat, metadata, created_at`

// Create inserts an agent.
func (r *AgentRepository) Create(ctx context.Context, agent *agents.Agent) error {
	if r == nil || r.db == nil {
		return errors.New("agent repo: nil db")
	}
	if agent == nil {
		return errors.New("agent repo: nil agent")
	}
	metadata := agent.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO agents (
	agent_id, name, external_id, capabilities, status, token_hash, token_hint,
	token_active, last_heartbeat, metadata, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, TIMESTAMPTZ 'epoch'), $10, $11
)`, agent.AgentID, agent.Name, agent.ExternalID, joinCapabilities(agent.Capabilities),
		agent.Status, agent.TokenHash, agent.TokenHint, agent.TokenActive,
		nullableTime(agent.LastHeartbeat), metadata, agent.CreatedAt)
	return err
}

// Get fetches an agent by id.
func (r *AgentRepository) Get(ctx context.Context, agentID string) (*agents.Agent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("agent repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+agentColumns+`
FROM agents
WHERE agent_id = $1
LIMIT 1`, agentID)
	return scanAgent(row)
}

// FindByTokenHash fetches an agent by its token hash.
func (r *AgentRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*agents.Agent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("agent repo: nil db")
	}
	if tokenHash == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+agentColumns+`
FROM agents
WHERE token_hash = $1
LIMIT 1`, tokenHash)
	return scanAgent(row)
}

// List returns all agents ordered by creation time.
func (r *AgentRepository) List(ctx context.Context) ([]agents.Agent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("agent repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+agentColumns+`
FROM agents
ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []agents.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateRuntime applies registration/heartbeat state, last writer wins.
func (r *AgentRepository) UpdateRuntime(ctx context.Context, agentID string, status agents.AgentStatus, heartbeat time.Time, metadata json.RawMessage, capabilities []string) error {
	if r == nil || r.db == nil {
		return errors.New("agent repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE agents
SET status = $1,
	last_heartbeat = $2,
	metadata = CASE WHEN $3::jsonb IS NULL THEN metadata ELSE $3::jsonb END,
	capabilities = CASE WHEN $4 = '' THEN capabilities ELSE $4 END
WHERE agent_id = $5`, status, heartbeat, nullableJSON(metadata), joinCapabilities(capabilities), agentID)
	if err != nil {
		return err
	}
	count, _ := result.RowsAffected()
	if count == 0 {
		return agents.ErrNotFound
	}
	return nil
}

// SetTokenActive toggles the token-active flag.
func (r *AgentRepository) SetTokenActive(ctx context.Context, agentID string, active bool) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("agent repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE agents
SET token_active = $1
WHERE agent_id = $2`, active, agentID)
	if err != nil {
		return false, err
	}
	count, _ := result.RowsAffected()
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*agents.Agent, error) {
	var agent agents.Agent
	var capabilities string
	var heartbeat sql.NullTime
	var metadata []byte
	if err := row.Scan(
		&agent.AgentID,
		&agent.Name,
		&agent.ExternalID,
		&capabilities,
		&agent.Status,
		&agent.TokenHash,
		&agent.TokenHint,
		&agent.TokenActive,
		&heartbeat,
		&metadata,
		&agent.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	agent.Capabilities = splitCapabilities(capabilities)
	if heartbeat.Valid {
		agent.LastHeartbeat = heartbeat.Time.UTC()
	}
	agent.Metadata = metadata
	agent.CreatedAt = agent.CreatedAt.UTC()
	return &agent, nil
}

func joinCapabilities(capabilities []string) string {
	return strings.Join(capabilities, ",")
}

func splitCapabilities(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func nullableTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return value
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return []byte(value)
}
