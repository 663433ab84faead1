package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dispatchd/internal/events"
)

// EventRepository writes and queries audit events in Postgres.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs a repository.
func NewEventRepository(db *sql.DB) *EventRepository {
	if db == nil {
		return nil
	}
	return &EventRepository{db: db}
}

// Record appends one event.
func (r *EventRepository) Record(ctx context.Context, event events.Event) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if event.EventID == "" {
		event.EventID = events.NewEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = events.LevelInfo
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO events (
	event_id, event_type, level, agent_id, command_id, payload, created_at
) VALUES (
	$1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7
)`, event.EventID, event.Type, event.Level, event.AgentID, event.CommandID, payload, event.CreatedAt)
	return err
}

// List returns events matching the filter, newest first.
func (r *EventRepository) List(ctx context.Context, filter events.Filter) ([]events.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT event_id, event_type, level, COALESCE(agent_id, ''), COALESCE(command_id, ''), payload, created_at
FROM events
WHERE ($1 = '' OR command_id = $1)
  AND ($2 = '' OR agent_id = $2)
  AND ($3 = '' OR event_type = $3)
ORDER BY created_at DESC, event_id DESC
LIMIT $4`, filter.CommandID, filter.AgentID, filter.Type, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []events.Event
	for rows.Next() {
		var event events.Event
		var payload []byte
		if err := rows.Scan(
			&event.EventID,
			&event.Type,
			&event.Level,
			&event.AgentID,
			&event.CommandID,
			&payload,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.CreatedAt = event.CreatedAt.UTC()
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
