package agents

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// AgentStatus is a last-writer-wins runtime status. Unlike command statuses
// it is not governed by a transition table.
type AgentStatus string

const (
	StatusOnline  AgentStatus = "online"
	StatusOffline AgentStatus = "offline"
	StatusBusy    AgentStatus = "busy"
	StatusError   AgentStatus = "error"
)

// NormalizeStatus validates a wire agent status string.
func NormalizeStatus(value string) (AgentStatus, bool) {
	switch AgentStatus(value) {
	case StatusOnline, StatusOffline, StatusBusy, StatusError:
		return AgentStatus(value), true
	default:
		return "", false
	}
}

// Agent is a registered execution identity. Only the token hash and a short
// hint are ever stored; the raw bearer token is returned once at creation.
// The hash never leaves the service.
type Agent struct {
	AgentID       string          `json:"agent_id"`
	Name          string          `json:"name"`
	ExternalID    string          `json:"external_id,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Status        AgentStatus     `json:"status"`
	TokenHash     string          `json:"-"`
	TokenHint     string          `json:"token_hint,omitempty"`
	TokenActive   bool            `json:"token_active"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

var (
	// ErrValidation indicates a malformed registry request.
	ErrValidation = errors.New("agents: validation failed")
	// ErrNotFound indicates the referenced agent does not exist.
	ErrNotFound = errors.New("agents: agent not found")
	// ErrTokenInactive indicates the agent token has been deactivated.
	ErrTokenInactive = errors.New("agents: token inactive")
)

// Repository persists agents.
type Repository interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, agentID string) (*Agent, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*Agent, error)
	List(ctx context.Context) ([]Agent, error)
	UpdateRuntime(ctx context.Context, agentID string, status AgentStatus, heartbeat time.Time, metadata json.RawMessage, capabilities []string) error
	SetTokenActive(ctx context.Context, agentID string, active bool) (bool, error)
}
