package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	commands "dispatchd/internal/commands/domain"
)

// CommandRepository is an in-memory implementation of commands.Repository.
// The claim batch runs under a single mutex, which gives the same
// no-double-assignment guarantee the Postgres implementation gets from
// FOR UPDATE SKIP LOCKED.
type CommandRepository struct {
	mu      sync.Mutex
	data    map[string]*commands.Command
	results map[string][]commands.Result
}

// NewCommandRepository constructs a repository.
func NewCommandRepository() *CommandRepository {
	return &CommandRepository{
		data:    make(map[string]*commands.Command),
		results: make(map[string][]commands.Result),
	}
}

// Create inserts a command.
func (r *CommandRepository) Create(ctx context.Context, cmd *commands.Command) error {
	_ = ctx
	if cmd == nil {
		return commands.ErrValidation
	}
	clone := *cmd
	r.mu.Lock()
	r.data[cmd.CommandID] = &clone
	r.mu.Unlock()
	return nil
}

// Get fetches a command by id.
func (r *CommandRepository) Get(ctx context.Context, commandID string) (*commands.Command, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := r.data[commandID]
	if cmd == nil {
		return nil, nil
	}
	clone := *cmd
	return &clone, nil
}

// List returns commands matching the filter, newest first.
func (r *CommandRepository) List(ctx context.Context, filter commands.ListFilter) ([]commands.Command, error) {
	_ = ctx
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var result []commands.Command
	for _, cmd := range r.data {
		if filter.AgentID != "" && cmd.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && cmd.Status != filter.Status {
			continue
		}
		result = append(result, *cmd)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].CommandID > result[j].CommandID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateStatus applies a compare-and-swap transition. A transition into a
// terminal status clears the claim fields.
func (r *CommandRepository) UpdateStatus(ctx context.Context, commandID string, expected, next commands.Status, patch commands.StatusPatch) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := r.data[commandID]
	if cmd == nil || cmd.Status != expected {
		return false, nil
	}
	cmd.Status = next
	if patch.StartedAt != nil {
		cmd.StartedAt = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		cmd.CompletedAt = *patch.CompletedAt
	}
	if patch.ErrorMessage != nil {
		cmd.ErrorMessage = *patch.ErrorMessage
	}
	if next.IsTerminal() {
		cmd.ClaimedByAgentID = ""
		cmd.ClaimedAt = time.Time{}
		cmd.LeaseExpiresAt = time.Time{}
	}
	return true, nil
}

// ClaimQueued claims up to maxClaims claimable commands for agentID.
func (r *CommandRepository) ClaimQueued(ctx context.Context, agentID string, maxClaims int, leaseFor time.Duration, now time.Time) ([]commands.Command, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	var claimable []*commands.Command
	for _, cmd := range r.data {
		if cmd.AgentID != agentID {
			continue
		}
		if isClaimable(cmd, now) {
			claimable = append(claimable, cmd)
		}
	}
	sort.Slice(claimable, func(i, j int) bool {
		if claimable[i].Priority != claimable[j].Priority {
			return claimable[i].Priority > claimable[j].Priority
		}
		return claimable[i].CreatedAt.Before(claimable[j].CreatedAt)
	})
	if len(claimable) > maxClaims {
		claimable = claimable[:maxClaims]
	}

	claimed := make([]commands.Command, 0, len(claimable))
	for _, cmd := range claimable {
		cmd.Status = commands.StatusDispatching
		cmd.ClaimedByAgentID = agentID
		cmd.ClaimedAt = now
		cmd.LeaseExpiresAt = now.Add(leaseFor)
		cmd.AttemptCount++
		cmd.LastClaimError = ""
		claimed = append(claimed, *cmd)
	}
	return claimed, nil
}

// ExtendLease moves the lease deadline for a command claimed by agentID.
func (r *CommandRepository) ExtendLease(ctx context.Context, commandID, agentID string, until time.Time) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := r.data[commandID]
	if cmd == nil || cmd.ClaimedByAgentID != agentID || !claimedStatus(cmd.Status) {
		return false, nil
	}
	cmd.LeaseExpiresAt = until
	return true, nil
}

// ReleaseClaim resets a claimed command back to queued.
func (r *CommandRepository) ReleaseClaim(ctx context.Context, commandID, agentID, reason string) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := r.data[commandID]
	if cmd == nil || cmd.ClaimedByAgentID != agentID || !claimedStatus(cmd.Status) {
		return false, nil
	}
	cmd.Status = commands.StatusQueued
	cmd.ClaimedByAgentID = ""
	cmd.ClaimedAt = time.Time{}
	cmd.LeaseExpiresAt = time.Time{}
	cmd.LastClaimError = reason
	return true, nil
}

// AppendResult inserts a result chunk.
func (r *CommandRepository) AppendResult(ctx context.Context, result *commands.Result) error {
	_ = ctx
	if result == nil {
		return commands.ErrValidation
	}
	r.mu.Lock()
	r.results[result.CommandID] = append(r.results[result.CommandID], *result)
	r.mu.Unlock()
	return nil
}

// ListResults returns chunks ordered by chunk index.
func (r *CommandRepository) ListResults(ctx context.Context, commandID string) ([]commands.Result, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	chunks := append([]commands.Result(nil), r.results[commandID]...)
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].ChunkIndex != chunks[j].ChunkIndex {
			return chunks[i].ChunkIndex < chunks[j].ChunkIndex
		}
		return chunks[i].CreatedAt.Before(chunks[j].CreatedAt)
	})
	return chunks, nil
}

// isClaimable mirrors the Postgres claim predicate: queued with no live
// lease, or an expired lease left by an earlier claim.
func isClaimable(cmd *commands.Command, now time.Time) bool {
	switch cmd.Status {
	case commands.StatusQueued:
		return cmd.LeaseExpiresAt.IsZero() || !cmd.LeaseExpiresAt.After(now)
	case commands.StatusDispatching, commands.StatusExecuting:
		return !cmd.LeaseExpiresAt.IsZero() && !cmd.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

func claimedStatus(status commands.Status) bool {
	return status == commands.StatusDispatching || status == commands.StatusExecuting
}
