package commands

import (
	"context"
	"time"
)

// StatusPatch carries the mutable fields a status update may set alongside
// the new status. Nil pointers leave the stored value untouched.
type StatusPatch struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
}

// ListFilter narrows command listings. Zero values match everything.
type ListFilter struct {
	AgentID string
	Status  Status
	Limit   int
}

// Repository persists commands and their result chunks.
type Repository interface {
	Create(ctx context.Context, cmd *Command) error
	Get(ctx context.Context, commandID string) (*Command, error)
	List(ctx context.Context, filter ListFilter) ([]Command, error)

	// UpdateStatus applies a compare-and-swap status transition: the row is
	// updated only when its current status equals expected. It returns false
	// when the guard did not match (concurrent mutation won the race).
	// A transition into a terminal status also clears claimed_by_agent_id,
	// claimed_at and lease_expires_at; claim fields only exist while a
	// command is dispatching or executing.
	UpdateStatus(ctx context.Context, commandID string, expected, next Status, patch StatusPatch) (bool, error)

	// ClaimQueued atomically claims up to maxClaims claimable commands
	// targeted at agentID: flips them to dispatching, stamps the claim
	// fields, sets the lease deadline, and increments the attempt counter.
	// Concurrent callers never claim the same row twice.
	ClaimQueued(ctx context.Context, agentID string, maxClaims int, leaseFor time.Duration, now time.Time) ([]Command, error)

	// ExtendLease moves the lease deadline for a command currently claimed
	// by agentID. Returns false when the command is not claimed by that
	// agent in a claimable-extendable state.
	ExtendLease(ctx context.Context, commandID, agentID string, until time.Time) (bool, error)

	// ReleaseClaim resets a command claimed by agentID back to queued and
	// clears the claim fields, remembering reason as the last claim error.
	ReleaseClaim(ctx context.Context, commandID, agentID, reason string) (bool, error)

	AppendResult(ctx context.Context, result *Result) error
	ListResults(ctx context.Context, commandID string) ([]Result, error)
}
