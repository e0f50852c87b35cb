package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"advisor0/app/core/orchestrator/db"
)

var (
	ErrNotFound          = errors.New("webhook: event not found")
	ErrInvalidTransition = errors.New("webhook: invalid status transition")
)

type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Record persists an inbound notification in the received state. The payload
// must be a JSON object; event type and summary are derived from it.
func (s *Store) Record(ctx context.Context, userID, source string, payload []byte) (Event, error) {
	if !IsValidSource(source) {
		return Event{}, fmt.Errorf("webhook: unknown source %q", source)
	}
	if !gjson.ValidBytes(payload) {
		return Event{}, fmt.Errorf("webhook: payload is not valid JSON")
	}

	id := uuid.NewString()
	eventType := Classify(source, payload)
	summary := Summarize(source, payload)
	now := time.Now().Unix()
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO webhook_events (id, user_id, source, event_type, payload, summary, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, source, eventType, string(payload), summary, StatusReceived, now,
	)
	if err != nil {
		return Event{}, err
	}
	return s.Get(ctx, userID, id)
}

func (s *Store) Get(ctx context.Context, userID, id string) (Event, error) {
	row := s.db.Conn().QueryRowContext(ctx, selectEvent+` WHERE id = ? AND user_id = ?`, id, userID)
	return scanEvent(row.Scan)
}

// MarkProcessing claims a received event for processing. Claiming an event
// in any other state reports ErrInvalidTransition, which makes the sweep
// idempotent when two passes overlap.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusProcessing,
		`UPDATE webhook_events SET status = ? WHERE id = ? AND status = ?`,
		StatusProcessing, id, StatusReceived,
	)
}

// MarkProcessed completes a processing event.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusProcessed,
		`UPDATE webhook_events SET status = ?, processed_at = ? WHERE id = ? AND status = ?`,
		StatusProcessed, time.Now().Unix(), id, StatusProcessing,
	)
}

// MarkFailed records a processing failure. Any non-terminal event can fail.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, id, StatusFailed,
		`UPDATE webhook_events SET status = ?, error_message = ?, processed_at = ? WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, msg, time.Now().Unix(), id, StatusReceived, StatusProcessing,
	)
}

func (s *Store) transition(ctx context.Context, id, target, query string, args ...interface{}) error {
	res, err := s.db.Conn().ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if exists, existsErr := s.exists(ctx, id); existsErr != nil {
			return existsErr
		} else if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("%w: event %s cannot move to %s", ErrInvalidTransition, id, target)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(1) FROM webhook_events WHERE id = ?`, id,
	).Scan(&n)
	return n > 0, err
}

// ListReceived returns unclaimed events across all users, oldest first, for
// the background sweep.
func (s *Store) ListReceived(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Conn().QueryContext(ctx,
		selectEvent+` WHERE status = ? ORDER BY received_at ASC, rowid ASC LIMIT ?`,
		StatusReceived, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListRecent returns a user's latest events, newest first.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Conn().QueryContext(ctx,
		selectEvent+` WHERE user_id = ? ORDER BY received_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

const selectEvent = `SELECT id, user_id, source, event_type, payload, summary, status,
	COALESCE(error_message, ''), received_at, COALESCE(processed_at, 0)
FROM webhook_events`

func scanEvent(scan func(dest ...interface{}) error) (Event, error) {
	var e Event
	var payload string
	err := scan(
		&e.ID, &e.UserID, &e.Source, &e.EventType, &payload, &e.Summary,
		&e.Status, &e.ErrorMessage, &e.ReceivedAt, &e.ProcessedAt,
	)
	if err == sql.ErrNoRows {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.Payload = []byte(payload)
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
