package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity levels for audit events.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Well-known event types. The type string is part of the wire contract.
const (
	TypeCommandCreated   = "command.created"
	TypeCommandClaimed   = "command.claimed"
	TypeCommandProgress  = "command.progress"
	TypeCommandResult    = "command.result"
	TypeCommandCompleted = "command.completed"
	TypeCommandFailed    = "command.failed"
	TypeCommandCancelled = "command.cancelled"
	TypeLeaseExtended    = "lease.extended"
	TypeLeaseReleased    = "lease.released"
	TypeAgentCreated     = "agent.created"
	TypeAgentRegistered  = "agent.registered"
	TypeAgentHeartbeat   = "agent.heartbeat"
	TypeAgentDeactivated = "agent.deactivated"
)

// Event is an immutable audit record. Events are appended, never updated.
type Event struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Level     string          `json:"level"`
	AgentID   string          `json:"agent_id,omitempty"`
	CommandID string          `json:"command_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Recorder appends audit events. A failed write must surface to the caller:
// the audit trail is the record of record, so mutations abort when it cannot
// be written.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Filter narrows event queries. Zero values match everything.
type Filter struct {
	CommandID string
	AgentID   string
	Type      string
	Limit     int
}

// NewEventID generates a unique event id.
func NewEventID() string {
	return "evt-" + uuid.NewString()
}
