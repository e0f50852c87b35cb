package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"advisor0/app/core/orchestrator/db"
)

var ErrNotFound = errors.New("memory: not found")

// Memory is one (user, key) entry with optional expiry. Expired entries are
// deleted on read, never returned.
type Memory struct {
	UserID    string
	Key       string
	Value     string
	Context   string
	CreatedAt int64
	UpdatedAt int64
	ExpiresAt int64
}

type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Save upserts the entry for (user, key). expiresAt of zero means no expiry.
func (s *Store) Save(ctx context.Context, userID, key, value, context string, expiresAt int64) (Memory, error) {
	userID = strings.TrimSpace(userID)
	key = strings.TrimSpace(key)
	if userID == "" || key == "" {
		return Memory{}, fmt.Errorf("memory: user_id and key are required")
	}
	now := time.Now().Unix()
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO memories (user_id, key, value, context, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			context = excluded.context,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		userID, key, value, context, now, now, nullIfZero(expiresAt),
	)
	if err != nil {
		return Memory{}, err
	}
	return s.Get(ctx, userID, key)
}

// Get returns the entry, deleting it first when it has expired. A read past
// expiry behaves exactly like a missing key.
func (s *Store) Get(ctx context.Context, userID, key string) (Memory, error) {
	var m Memory
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT user_id, key, value, context, created_at, updated_at, COALESCE(expires_at, 0)
		FROM memories WHERE user_id = ? AND key = ?`,
		userID, key,
	).Scan(&m.UserID, &m.Key, &m.Value, &m.Context, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt)
	if err == sql.ErrNoRows {
		return Memory{}, ErrNotFound
	}
	if err != nil {
		return Memory{}, err
	}
	if m.ExpiresAt != 0 && m.ExpiresAt < time.Now().Unix() {
		if _, delErr := s.db.Conn().ExecContext(ctx,
			`DELETE FROM memories WHERE user_id = ? AND key = ?`, userID, key,
		); delErr != nil {
			return Memory{}, delErr
		}
		return Memory{}, ErrNotFound
	}
	return m, nil
}

// Recent returns the n most recently updated live entries for LLM context.
func (s *Store) Recent(ctx context.Context, userID string, n int) ([]Memory, error) {
	if n <= 0 {
		n = 5
	}
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT user_id, key, value, context, created_at, updated_at, COALESCE(expires_at, 0)
		FROM memories
		WHERE user_id = ? AND (expires_at IS NULL OR expires_at >= ?)
		ORDER BY updated_at DESC LIMIT ?`,
		userID, time.Now().Unix(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

// List returns all live entries ordered by key, optionally filtered by a
// wildcard pattern ("client_*").
func (s *Store) List(ctx context.Context, userID, pattern string) ([]Memory, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT user_id, key, value, context, created_at, updated_at, COALESCE(expires_at, 0)
		FROM memories
		WHERE user_id = ? AND (expires_at IS NULL OR expires_at >= ?)
		ORDER BY key ASC`,
		userID, time.Now().Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(pattern) == "" {
		return all, nil
	}
	var filtered []Memory
	for _, m := range all {
		if ok, matchErr := path.Match(pattern, m.Key); matchErr == nil && ok {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

func (s *Store) Delete(ctx context.Context, userID, key string) error {
	res, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND key = ?`, userID, key,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var memories []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.UserID, &m.Key, &m.Value, &m.Context, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt); err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func nullIfZero(value int64) interface{} {
	if value == 0 {
		return nil
	}
	return value
}
