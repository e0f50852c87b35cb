package crm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"advisor0/app/core/orchestrator/db"
)

var ErrNotFound = errors.New("crm: not found")

type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

func (s *Store) SaveContact(ctx context.Context, c Contact) error {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if c.UserID == "" || c.ContactID == "" {
		return fmt.Errorf("crm: user_id and contact_id are required")
	}
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO contacts (user_id, contact_id, name, email, last_interaction)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, contact_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			last_interaction = MAX(COALESCE(contacts.last_interaction, 0), COALESCE(excluded.last_interaction, 0))`,
		c.UserID, c.ContactID, c.Name, c.Email, nullIfZero(c.LastInteraction),
	)
	return err
}

func (s *Store) GetContact(ctx context.Context, userID, contactID string) (Contact, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT user_id, contact_id, name, email, COALESCE(last_interaction, 0)
		FROM contacts
		WHERE user_id = ? AND contact_id = ?`,
		userID, contactID,
	)
	var c Contact
	err := row.Scan(&c.UserID, &c.ContactID, &c.Name, &c.Email, &c.LastInteraction)
	if err == sql.ErrNoRows {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

// FindContact looks a contact up by name or email fragment, most recently
// contacted first.
func (s *Store) FindContact(ctx context.Context, userID, query string) (Contact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Contact{}, fmt.Errorf("crm: empty contact query")
	}
	pattern := "%" + strings.ToLower(query) + "%"
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT user_id, contact_id, name, email, COALESCE(last_interaction, 0)
		FROM contacts
		WHERE user_id = ? AND (LOWER(name) LIKE ? OR LOWER(email) LIKE ?)
		ORDER BY COALESCE(last_interaction, 0) DESC
		LIMIT 1`,
		userID, pattern, pattern,
	)
	var c Contact
	err := row.Scan(&c.UserID, &c.ContactID, &c.Name, &c.Email, &c.LastInteraction)
	if err == sql.ErrNoRows {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

// InactiveContacts returns contacts with no interaction since the cutoff,
// the raw material for proactive task suggestions.
func (s *Store) InactiveContacts(ctx context.Context, userID string, cutoff time.Time, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT user_id, contact_id, name, email, COALESCE(last_interaction, 0)
		FROM contacts
		WHERE user_id = ? AND COALESCE(last_interaction, 0) < ?
		ORDER BY COALESCE(last_interaction, 0) ASC
		LIMIT ?`,
		userID, cutoff.Unix(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.UserID, &c.ContactID, &c.Name, &c.Email, &c.LastInteraction); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *Store) RecordEmail(ctx context.Context, userID, contactID, subject, snippet string, receivedAt time.Time) error {
	if userID == "" || contactID == "" {
		return fmt.Errorf("crm: user_id and contact_id are required")
	}
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO email_interactions (id, user_id, contact_id, subject, snippet, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), userID, contactID, subject, snippet, receivedAt.Unix(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.Conn().ExecContext(ctx, `
		UPDATE contacts SET last_interaction = MAX(COALESCE(last_interaction, 0), ?)
		WHERE user_id = ? AND contact_id = ?`,
		receivedAt.Unix(), userID, contactID,
	)
	return err
}

// RecentEmails returns the latest emails exchanged with a contact,
// newest first.
func (s *Store) RecentEmails(ctx context.Context, userID, contactID string, limit int) ([]EmailInteraction, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, user_id, contact_id, subject, snippet, received_at
		FROM email_interactions
		WHERE user_id = ? AND contact_id = ?
		ORDER BY received_at DESC
		LIMIT ?`,
		userID, contactID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []EmailInteraction
	for rows.Next() {
		var e EmailInteraction
		if err := rows.Scan(&e.ID, &e.UserID, &e.ContactID, &e.Subject, &e.Snippet, &e.ReceivedAt); err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

func (s *Store) SaveCalendarEvent(ctx context.Context, e CalendarEvent) (CalendarEvent, error) {
	if e.UserID == "" || e.Title == "" {
		return CalendarEvent{}, fmt.Errorf("crm: user_id and title are required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = "confirmed"
	}
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO calendar_events (id, user_id, contact_id, title, description, start_time, end_time, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			status = excluded.status`,
		e.ID, e.UserID, nullIfEmpty(e.ContactID), e.Title, e.Description, e.StartTime, e.EndTime, e.Status,
	)
	if err != nil {
		return CalendarEvent{}, err
	}
	return e, nil
}

// UpcomingEvents returns events starting inside the window, soonest first.
func (s *Store) UpcomingEvents(ctx context.Context, userID string, from, to time.Time) ([]CalendarEvent, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, user_id, COALESCE(contact_id, ''), title, description, start_time, end_time, status
		FROM calendar_events
		WHERE user_id = ? AND start_time >= ? AND start_time < ? AND status != 'cancelled'
		ORDER BY start_time ASC`,
		userID, from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []CalendarEvent
	for rows.Next() {
		var e CalendarEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.ContactID, &e.Title, &e.Description, &e.StartTime, &e.EndTime, &e.Status); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// FreeSlot reports whether the window is clear of confirmed events.
func (s *Store) FreeSlot(ctx context.Context, userID string, start, end time.Time) (bool, error) {
	var n int
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(1) FROM calendar_events
		WHERE user_id = ? AND status != 'cancelled' AND start_time < ? AND end_time > ?`,
		userID, end.Unix(), start.Unix(),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
