package instruction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"advisor0/app/core/orchestrator/db"
)

var ErrNotFound = errors.New("instruction: not found")

type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

func (s *Store) Create(ctx context.Context, userID, name, text string, triggers []string, conditions *Conditions) (Instruction, error) {
	userID = strings.TrimSpace(userID)
	name = strings.TrimSpace(name)
	if userID == "" || name == "" {
		return Instruction{}, fmt.Errorf("instruction: user_id and name are required")
	}
	if triggers == nil {
		triggers = []string{}
	}
	triggersJSON, err := json.Marshal(triggers)
	if err != nil {
		return Instruction{}, err
	}
	var conditionsJSON interface{}
	if !conditions.Empty() {
		data, marshalErr := json.Marshal(conditions)
		if marshalErr != nil {
			return Instruction{}, marshalErr
		}
		conditionsJSON = string(data)
	}

	now := time.Now().Unix()
	id := uuid.NewString()
	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT INTO instructions (id, user_id, name, instruction, status, triggers, conditions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, name, text, StatusActive, string(triggersJSON), conditionsJSON, now, now,
	)
	if err != nil {
		return Instruction{}, err
	}
	return s.Get(ctx, userID, id)
}

func (s *Store) Get(ctx context.Context, userID, id string) (Instruction, error) {
	row := s.db.Conn().QueryRowContext(ctx, selectInstruction+` WHERE id = ? AND user_id = ?`, id, userID)
	return scanInstruction(row.Scan)
}

// ListActive returns the user's active instructions, the matcher's input set.
func (s *Store) ListActive(ctx context.Context, userID string) ([]Instruction, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		selectInstruction+` WHERE user_id = ? AND status = ? ORDER BY created_at ASC`,
		userID, StatusActive,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Instruction
	for rows.Next() {
		inst, scanErr := scanInstruction(rows.Scan)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, inst)
	}
	return items, rows.Err()
}

func (s *Store) SetStatus(ctx context.Context, userID, id, status string) error {
	if !IsValidStatus(status) {
		return fmt.Errorf("instruction: invalid status %q", status)
	}
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE instructions SET status = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		status, time.Now().Unix(), id, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateTriggers replaces the trigger tag list and condition tree.
func (s *Store) UpdateTriggers(ctx context.Context, userID, id string, triggers []string, conditions *Conditions) error {
	if triggers == nil {
		triggers = []string{}
	}
	triggersJSON, err := json.Marshal(triggers)
	if err != nil {
		return err
	}
	var conditionsJSON interface{}
	if !conditions.Empty() {
		data, marshalErr := json.Marshal(conditions)
		if marshalErr != nil {
			return marshalErr
		}
		conditionsJSON = string(data)
	}
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE instructions SET triggers = ?, conditions = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		string(triggersJSON), conditionsJSON, time.Now().Unix(), id, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchLastTriggered records a match-driven execution.
func (s *Store) TouchLastTriggered(ctx context.Context, userID, id string) error {
	now := time.Now().Unix()
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE instructions SET last_triggered = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		now, now, id, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const selectInstruction = `SELECT id, user_id, name, instruction, status, triggers,
	COALESCE(conditions, ''), COALESCE(last_triggered, 0), created_at, updated_at
FROM instructions`

func scanInstruction(scan func(dest ...interface{}) error) (Instruction, error) {
	var inst Instruction
	var triggersJSON, conditionsJSON string
	err := scan(
		&inst.ID, &inst.UserID, &inst.Name, &inst.Instruction, &inst.Status,
		&triggersJSON, &conditionsJSON, &inst.LastTriggered, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return Instruction{}, ErrNotFound
	}
	if err != nil {
		return Instruction{}, err
	}
	if err := json.Unmarshal([]byte(triggersJSON), &inst.Triggers); err != nil {
		return Instruction{}, fmt.Errorf("instruction: decode triggers: %w", err)
	}
	if strings.TrimSpace(conditionsJSON) != "" {
		var conditions Conditions
		if err := json.Unmarshal([]byte(conditionsJSON), &conditions); err != nil {
			return Instruction{}, fmt.Errorf("instruction: decode conditions: %w", err)
		}
		inst.Conditions = &conditions
	}
	return inst, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
