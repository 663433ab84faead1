package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	commands "dispatchd/internal/commands/domain"
)

// CommandRepository is the Postgres implementation of commands.Repository.
// Claim atomicity relies on FOR UPDATE SKIP LOCKED so parallel claim calls
// neither double-assign a row nor block each other.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

const commandColumns = `
command_id, agent_id, instruction, payload, priority, requested_by, status,
created_at, claimed_by_agent_id, claimed_at, lease_expires_at, attempt_count,
last_claim_error, started_at, completed_at, error_message`

// Create inserts a command.
func (r *CommandRepository) Create(ctx context.Context, cmd *commands.Command) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	payload := cmd.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return errors.New("command repo: invalid payload")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO commands (
	command_id, agent_id, instruction, payload, priority, requested_by,
	status, created_at, attempt_count
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, 0
)`, cmd.CommandID, cmd.AgentID, cmd.Instruction, payload, cmd.Priority,
		cmd.RequestedBy, cmd.Status, cmd.CreatedAt)
	return err
}

// Get fetches a command by id.
func (r *CommandRepository) Get(ctx context.Context, commandID string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE command_id = $1
LIMIT 1`, commandID)
	return scanCommand(row)
}

// List returns commands matching the filter, newest first.
func (r *CommandRepository) List(ctx context.Context, filter commands.ListFilter) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE ($1 = '' OR agent_id = $1)
  AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, command_id DESC
LIMIT $3`, filter.AgentID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateStatus applies a compare-and-swap transition guarded on the current
// status. Zero affected rows means the guard failed. A transition into a
// terminal status clears the claim fields, so a finished command never
// reports a claimant or a lease.
func (r *CommandRepository) UpdateStatus(ctx context.Context, commandID string, expected, next commands.Status, patch commands.StatusPatch) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE commands
SET status = $1,
	started_at = COALESCE($2, started_at),
	completed_at = COALESCE($3, completed_at),
	error_message = COALESCE($4, error_message),
	claimed_by_agent_id = CASE WHEN $7 THEN NULL ELSE claimed_by_agent_id END,
	claimed_at = CASE WHEN $7 THEN NULL ELSE claimed_at END,
	lease_expires_at = CASE WHEN $7 THEN NULL ELSE lease_expires_at END
WHERE command_id = $5 AND status = $6`,
		next, nullTime(patch.StartedAt), nullTime(patch.CompletedAt),
		nullString(patch.ErrorMessage), commandID, expected, next.IsTerminal())
	if err != nil {
		return false, err
	}
	count, _ := result.RowsAffected()
	return count > 0, nil
}

// ClaimQueued atomically claims up to maxClaims claimable commands for
// agentID in a single statement. A row is claimable when it targets the
// agent and is either queued with no live lease, or carries an expired lease
// from an earlier claim (lazy scavenging by the owning agent). Rows locked
// by a concurrent claimant are skipped, not waited on.
func (r *CommandRepository) ClaimQueued(ctx context.Context, agentID string, maxClaims int, leaseFor time.Duration, now time.Time) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if maxClaims <= 0 {
		return nil, errors.New("command repo: invalid claim batch size")
	}
	expiry := now.Add(leaseFor)
	rows, err := r.db.QueryContext(ctx, `
WITH claimable AS (
	SELECT command_id
	FROM commands
	WHERE agent_id = $1
	  AND (
		(status = 'queued' AND (lease_expires_at IS NULL OR lease_expires_at <= $2))
		OR (status IN ('dispatching', 'executing') AND lease_expires_at IS NOT NULL AND lease_expires_at <= $2)
	  )
	ORDER BY priority DESC, created_at ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE commands c
SET status = 'dispatching',
	claimed_by_agent_id = $1,
	claimed_at = $2,
	lease_expires_at = $4,
	attempt_count = attempt_count + 1,
	last_claim_error = NULL
FROM claimable
WHERE c.command_id = claimable.command_id
RETURNING `+qualifiedCommandColumns("c"), agentID, now, maxClaims, expiry)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the CTE ordering; restore it.
	sortClaimed(claimed)
	return claimed, nil
}

// ExtendLease moves the lease deadline for a command claimed by agentID.
func (r *CommandRepository) ExtendLease(ctx context.Context, commandID, agentID string, until time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE commands
SET lease_expires_at = $1
WHERE command_id = $2
  AND claimed_by_agent_id = $3
  AND status IN ('dispatching', 'executing')`, until, commandID, agentID)
	if err != nil {
		return false, err
	}
	count, _ := result.RowsAffected()
	return count > 0, nil
}

// ReleaseClaim resets a claimed command back to queued.
func (r *CommandRepository) ReleaseClaim(ctx context.Context, commandID, agentID, reason string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE commands
SET status = 'queued',
	claimed_by_agent_id = NULL,
	claimed_at = NULL,
	lease_expires_at = NULL,
	last_claim_error = NULLIF($1, '')
WHERE command_id = $2
  AND claimed_by_agent_id = $3
  AND status IN ('dispatching', 'executing')`, reason, commandID, agentID)
	if err != nil {
		return false, err
	}
	count, _ := result.RowsAffected()
	return count > 0, nil
}

// AppendResult inserts a result chunk.
func (r *CommandRepository) AppendResult(ctx context.Context, result *commands.Result) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if result == nil {
		return errors.New("command repo: nil result")
	}
	metadata := result.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO command_results (
	result_id, command_id, chunk_index, output, is_final, metadata, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)`, result.ResultID, result.CommandID, result.ChunkIndex, result.Output,
		result.IsFinal, metadata, result.CreatedAt)
	return err
}

// ListResults returns all chunks of a command ordered by chunk index.
func (r *CommandRepository) ListResults(ctx context.Context, commandID string) ([]commands.Result, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT result_id, command_id, chunk_index, output, is_final, metadata, created_at
FROM command_results
WHERE command_id = $1
ORDER BY chunk_index ASC, created_at ASC`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.Result
	for rows.Next() {
		var chunk commands.Result
		var metadata []byte
		if err := rows.Scan(
			&chunk.ResultID,
			&chunk.CommandID,
			&chunk.ChunkIndex,
			&chunk.Output,
			&chunk.IsFinal,
			&metadata,
			&chunk.CreatedAt,
		); err != nil {
			return nil, err
		}
		chunk.Metadata = metadata
		chunk.CreatedAt = chunk.CreatedAt.UTC()
		result = append(result, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var cmd commands.Command
	var payload []byte
	var claimedBy sql.NullString
	var claimedAt, leaseExpiresAt, startedAt, completedAt sql.NullTime
	var lastClaimError, errorMessage sql.NullString
	if err := row.Scan(
		&cmd.CommandID,
		&cmd.AgentID,
		&cmd.Instruction,
		&payload,
		&cmd.Priority,
		&cmd.RequestedBy,
		&cmd.Status,
		&cmd.CreatedAt,
		&claimedBy,
		&claimedAt,
		&leaseExpiresAt,
		&cmd.AttemptCount,
		&lastClaimError,
		&startedAt,
		&completedAt,
		&errorMessage,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cmd.Payload = payload
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	if claimedBy.Valid {
		cmd.ClaimedByAgentID = claimedBy.String
	}
	if claimedAt.Valid {
		cmd.ClaimedAt = claimedAt.Time.UTC()
	}
	if leaseExpiresAt.Valid {
		cmd.LeaseExpiresAt = leaseExpiresAt.Time.UTC()
	}
	if lastClaimError.Valid {
		cmd.LastClaimError = lastClaimError.String
	}
	if startedAt.Valid {
		cmd.StartedAt = startedAt.Time.UTC()
	}
	if completedAt.Valid {
		cmd.CompletedAt = completedAt.Time.UTC()
	}
	if errorMessage.Valid {
		cmd.ErrorMessage = errorMessage.String
	}
	return &cmd, nil
}

func qualifiedCommandColumns(alias string) string {
	return alias + `.command_id, ` + alias + `.agent_id, ` + alias + `.instruction, ` +
		alias + `.payload, ` + alias + `.priority, ` + alias + `.requested_by, ` +
		alias + `.status, ` + alias + `.created_at, ` + alias + `.claimed_by_agent_id, ` +
		alias + `.claimed_at, ` + alias + `.lease_expires_at, ` + alias + `.attempt_count, ` +
		alias + `.last_claim_error, ` + alias + `.started_at, ` + alias + `.completed_at, ` +
		alias + `.error_message`
}

func sortClaimed(claimed []commands.Command) {
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].Priority != claimed[j].Priority {
			return claimed[i].Priority > claimed[j].Priority
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
