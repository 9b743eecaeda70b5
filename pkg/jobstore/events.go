package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a step in a job's audit trail.
type EventType string

const (
	EventCreated     EventType = "created"
	EventAdmitted    EventType = "admitted"
	EventSubmitted   EventType = "submitted"
	EventSubmitRetry EventType = "submit_retry"
	EventDispatched  EventType = "dispatched"
	EventFailed      EventType = "failed"
)

// Event is one entry in a job's audit trail. Events are informational:
// the authoritative lifecycle lives in the jobs table.
type Event struct {
	EventID    string
	JobID      string
	OccurredAt time.Time
	EventType  EventType
	Detail     *string
}

// RecordEvent appends an event to a job's audit trail.
func (s *Store) RecordEvent(ctx context.Context, jobID string, eventType EventType, detail string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var detailPtr *string
	if detail != "" {
		detailPtr = &detail
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (event_id, job_id, occurred_at, event_type, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), jobID, time.Now().UTC(), string(eventType), detailPtr)
	if err != nil {
		return fmt.Errorf("record job event: %w", err)
	}
	return nil
}

// ListEvents retrieves a job's events in occurrence order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, job_id, occurred_at, event_type, detail
		 FROM job_events
		 WHERE job_id = ?
		 ORDER BY occurred_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		var occurredAtRaw any
		if err := rows.Scan(&e.EventID, &e.JobID, &occurredAtRaw, &e.EventType, &detail); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		occurredAt, err := parseDBTimeValue(occurredAtRaw)
		if err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		e.OccurredAt = occurredAt
		if detail.Valid {
			e.Detail = &detail.String
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}

	return events, nil
}
