package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"advisor0/app/core/orchestrator/db"
)

var ErrNotFound = errors.New("profile: not found")

// Profile holds one user's identity and integration credentials. Empty
// token fields mean the corresponding integration is not connected.
type Profile struct {
	UserID       string
	Email        string
	LLMAPIKey    string
	GoogleToken  string
	HubspotToken string
	CreatedAt    int64
	UpdatedAt    int64
}

// HasLLM reports whether tasks for this user can reach the model.
func (p Profile) HasLLM() bool { return p.LLMAPIKey != "" }

func (p Profile) HasGoogle() bool  { return p.GoogleToken != "" }
func (p Profile) HasHubspot() bool { return p.HubspotToken != "" }

type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Upsert creates or refreshes a profile. Credentials passed as empty
// strings are preserved, not cleared.
func (s *Store) Upsert(ctx context.Context, p Profile) (Profile, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	if p.UserID == "" || p.Email == "" {
		return Profile{}, fmt.Errorf("profile: user_id and email are required")
	}
	now := time.Now().Unix()
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO profiles (user_id, email, llm_api_key, google_token, hubspot_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			llm_api_key = CASE WHEN excluded.llm_api_key != '' THEN excluded.llm_api_key ELSE profiles.llm_api_key END,
			google_token = CASE WHEN excluded.google_token != '' THEN excluded.google_token ELSE profiles.google_token END,
			hubspot_token = CASE WHEN excluded.hubspot_token != '' THEN excluded.hubspot_token ELSE profiles.hubspot_token END,
			updated_at = excluded.updated_at`,
		p.UserID, p.Email, p.LLMAPIKey, p.GoogleToken, p.HubspotToken, now, now,
	)
	if err != nil {
		return Profile{}, err
	}
	return s.Get(ctx, p.UserID)
}

func (s *Store) Get(ctx context.Context, userID string) (Profile, error) {
	row := s.db.Conn().QueryRowContext(ctx, selectProfile+` WHERE user_id = ?`, userID)
	return scanProfile(row)
}

// ResolveByEmail finds the owner of an inbound notification addressed to
// the given mailbox. Lookup is case-insensitive.
func (s *Store) ResolveByEmail(ctx context.Context, email string) (Profile, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.Conn().QueryRowContext(ctx, selectProfile+` WHERE email = ?`, email)
	return scanProfile(row)
}

const selectProfile = `SELECT user_id, email, COALESCE(llm_api_key, ''),
	COALESCE(google_token, ''), COALESCE(hubspot_token, ''), created_at, updated_at
FROM profiles`

func scanProfile(row *sql.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.UserID, &p.Email, &p.LLMAPIKey, &p.GoogleToken, &p.HubspotToken, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}
