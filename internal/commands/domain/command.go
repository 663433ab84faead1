package commands

import (
	"encoding/json"
	"time"
)

// Status is a command lifecycle status.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusQueued      Status = "queued"
	StatusDispatching Status = "dispatching"
	StatusExecuting   Status = "executing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// NormalizeStatus validates a wire status string.
func NormalizeStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusDraft, StatusQueued, StatusDispatching, StatusExecuting,
		StatusCompleted, StatusFailed, StatusCancelled:
		return Status(value), true
	default:
		return "", false
	}
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority bounds for commands.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Command is a unit of dispatchable work targeted at one agent.
type Command struct {
	CommandID   string          `json:"command_id"`
	AgentID     string          `json:"agent_id"`
	Instruction string          `json:"instruction"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	RequestedBy string          `json:"requested_by"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`

	ClaimedByAgentID string    `json:"claimed_by_agent_id,omitempty"`
	ClaimedAt        time.Time `json:"claimed_at"`
	LeaseExpiresAt   time.Time `json:"lease_expires_at"`
	AttemptCount     int       `json:"attempt_count"`
	LastClaimError   string    `json:"last_claim_error,omitempty"`

	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Claimed reports whether the command currently carries a claim.
func (c *Command) Claimed() bool {
	return c != nil && c.ClaimedByAgentID != "" &&
		(c.Status == StatusDispatching || c.Status == StatusExecuting)
}

// Result is one ordered output chunk belonging to a command.
type Result struct {
	ResultID   string          `json:"result_id"`
	CommandID  string          `json:"command_id"`
	ChunkIndex int             `json:"chunk_index"`
	Output     string          `json:"output"`
	IsFinal    bool            `json:"is_final"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
