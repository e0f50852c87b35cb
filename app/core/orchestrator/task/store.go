package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/sjson"

	"advisor0/app/core/orchestrator/db"
)

var (
	ErrNotFound     = errors.New("task: not found")
	ErrStepNotFound = errors.New("task: step not found")
)

type Store struct {
	db      *db.DB
	counter uint64
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// CreateParams carries everything CreateTask accepts. Zero values are fine
// for all optional fields.
type CreateParams struct {
	UserID          string
	Title           string
	Description     string
	Priority        string
	DueAt           int64
	ContactID       string
	CalendarEventID string
	IsSuggestion    bool
}

func (s *Store) CreateTask(ctx context.Context, params CreateParams) (Task, error) {
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return Task{}, fmt.Errorf("task: user_id is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return Task{}, fmt.Errorf("task: title is required")
	}
	priority := params.Priority
	if !IsValidPriority(priority) {
		priority = PriorityMedium
	}
	status := StatusPending
	if params.IsSuggestion {
		status = StatusDraft
	}

	now := time.Now().Unix()
	id := s.newID("task")
	query := `INSERT INTO tasks (
		id, user_id, title, description, status, priority, progress, next_action,
		state, is_suggestion, contact_id, calendar_event_id, due_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, 0, '', '{}', ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Conn().ExecContext(ctx, query,
		id, userID, title, params.Description, status, priority,
		boolToInt(params.IsSuggestion),
		nullIfEmpty(params.ContactID), nullIfEmpty(params.CalendarEventID),
		nullIfZero(params.DueAt), now, now,
	)
	if err != nil {
		return Task{}, err
	}
	return s.GetTask(ctx, userID, id)
}

func (s *Store) GetTask(ctx context.Context, userID, taskID string) (Task, error) {
	row := s.db.Conn().QueryRowContext(ctx, selectTask+` WHERE id = ? AND user_id = ?`, taskID, userID)
	return scanTask(row)
}

// AdvanceStatus is the only sanctioned status mutator. It overwrites the
// status unconditionally and records the next action alongside it.
func (s *Store) AdvanceStatus(ctx context.Context, userID, taskID, status, nextAction string) error {
	if !IsValidStatus(status) {
		return fmt.Errorf("task: invalid status %q", status)
	}
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE tasks SET status = ?, next_action = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		status, nextAction, time.Now().Unix(), taskID, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MergeState shallow-merges keys into the state blob. Each key is written
// independently with sjson so the last writer wins per key and untouched
// keys survive.
func (s *Store) MergeState(ctx context.Context, userID, taskID string, partial map[string]interface{}) error {
	if len(partial) == 0 {
		return nil
	}
	current, err := s.GetTask(ctx, userID, taskID)
	if err != nil {
		return err
	}
	state := string(current.State)
	if strings.TrimSpace(state) == "" {
		state = "{}"
	}
	for key, value := range partial {
		state, err = sjson.Set(state, escapeStateKey(key), value)
		if err != nil {
			return fmt.Errorf("task: merge state key %q: %w", key, err)
		}
	}
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		state, time.Now().Unix(), taskID, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CompleteTask marks the task completed with full progress. A non-empty
// result is merged into the state blob under "result".
func (s *Store) CompleteTask(ctx context.Context, userID, taskID, result string) error {
	now := time.Now().Unix()
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE tasks SET status = ?, progress = 100, completed_at = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		StatusCompleted, now, now, taskID, userID,
	)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if result != "" {
		return s.MergeState(ctx, userID, taskID, map[string]interface{}{"result": result})
	}
	return nil
}

// SetProgress sets caller-managed progress for tasks without steps.
func (s *Store) SetProgress(ctx context.Context, userID, taskID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE tasks SET progress = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		progress, time.Now().Unix(), taskID, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AddStep appends a step. When stepNumber is zero the next number is
// count+1; concurrent additions to the same task must be serialized by the
// caller, the numbering is not gap-safe.
func (s *Store) AddStep(ctx context.Context, userID, taskID, description string, stepNumber int) (Step, error) {
	if _, err := s.GetTask(ctx, userID, taskID); err != nil {
		return Step{}, err
	}
	if stepNumber <= 0 {
		var count int
		err := s.db.Conn().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM task_steps WHERE task_id = ?`, taskID,
		).Scan(&count)
		if err != nil {
			return Step{}, err
		}
		stepNumber = count + 1
	}

	now := time.Now().Unix()
	id := s.newID("step")
	_, err := s.db.Conn().ExecContext(ctx,
		`INSERT INTO task_steps (id, task_id, step_number, description, status, result, created_at)
		 VALUES (?, ?, ?, ?, ?, '', ?)`,
		id, taskID, stepNumber, description, StepPending, now,
	)
	if err != nil {
		return Step{}, err
	}
	return Step{
		ID:          id,
		TaskID:      taskID,
		StepNumber:  stepNumber,
		Description: description,
		Status:      StepPending,
		CreatedAt:   now,
	}, nil
}

// CompleteStep marks a step completed and recomputes the task's progress
// from the ratio of completed to total steps.
func (s *Store) CompleteStep(ctx context.Context, userID, taskID string, stepNumber int, result string) error {
	if _, err := s.GetTask(ctx, userID, taskID); err != nil {
		return err
	}
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE task_steps SET status = ?, result = ?, completed_at = ? WHERE task_id = ? AND step_number = ?`,
		StepCompleted, result, time.Now().Unix(), taskID, stepNumber,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStepNotFound
	}
	return s.recomputeProgress(ctx, userID, taskID)
}

func (s *Store) recomputeProgress(ctx context.Context, userID, taskID string) error {
	var total, completed int
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(status = ?), 0) FROM task_steps WHERE task_id = ?`,
		StepCompleted, taskID,
	).Scan(&total, &completed)
	if err != nil {
		return err
	}
	if total == 0 {
		// No steps: progress stays caller-managed.
		return nil
	}
	progress := int(math.Round(100 * float64(completed) / float64(total)))
	_, err = s.db.Conn().ExecContext(ctx,
		`UPDATE tasks SET progress = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		progress, time.Now().Unix(), taskID, userID,
	)
	return err
}

func (s *Store) ListSteps(ctx context.Context, userID, taskID string) ([]Step, error) {
	if _, err := s.GetTask(ctx, userID, taskID); err != nil {
		return nil, err
	}
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT id, task_id, step_number, description, status, COALESCE(result, ''), created_at, COALESCE(completed_at, 0)
		 FROM task_steps WHERE task_id = ? ORDER BY step_number ASC`, taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.ID, &st.TaskID, &st.StepNumber, &st.Description, &st.Status, &st.Result, &st.CreatedAt, &st.CompletedAt); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) GetStep(ctx context.Context, userID, taskID string, stepNumber int) (Step, error) {
	if _, err := s.GetTask(ctx, userID, taskID); err != nil {
		return Step{}, err
	}
	var st Step
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT id, task_id, step_number, description, status, COALESCE(result, ''), created_at, COALESCE(completed_at, 0)
		 FROM task_steps WHERE task_id = ? AND step_number = ?`, taskID, stepNumber,
	).Scan(&st.ID, &st.TaskID, &st.StepNumber, &st.Description, &st.Status, &st.Result, &st.CreatedAt, &st.CompletedAt)
	if err == sql.ErrNoRows {
		return Step{}, ErrStepNotFound
	}
	if err != nil {
		return Step{}, err
	}
	return st, nil
}

// ListProcessable returns tasks across all users in any of the given
// statuses, oldest created first, for the background sweep.
func (s *Store) ListProcessable(ctx context.Context, statuses []string, limit int) ([]Task, error) {
	if len(statuses) == 0 {
		statuses = []string{StatusPending, StatusInProgress}
	}
	if limit <= 0 {
		limit = 10
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, st)
	}
	args = append(args, limit)

	rows, err := s.db.Conn().QueryContext(ctx,
		selectTask+` WHERE status IN (`+strings.Join(placeholders, ", ")+`) ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) ListByUser(ctx context.Context, userID string, status string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		query string
		args  []interface{}
	)
	if status == "" {
		query = selectTask + ` WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{userID, limit}
	} else {
		query = selectTask + ` WHERE user_id = ? AND status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{userID, status, limit}
	}
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) ListSuggestions(ctx context.Context, userID string) ([]Task, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		selectTask+` WHERE user_id = ? AND is_suggestion = 1 ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ApproveSuggestion converts a draft suggestion into a pending task.
func (s *Store) ApproveSuggestion(ctx context.Context, userID, taskID string) error {
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE tasks SET is_suggestion = 0, status = ?, updated_at = ? WHERE id = ? AND user_id = ? AND is_suggestion = 1`,
		StatusPending, time.Now().Unix(), taskID, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteTask removes a task; steps cascade.
func (s *Store) DeleteTask(ctx context.Context, userID, taskID string) error {
	res, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const selectTask = `SELECT id, user_id, title, description, status, priority, progress,
	COALESCE(next_action, ''), state, is_suggestion,
	COALESCE(contact_id, ''), COALESCE(calendar_event_id, ''), COALESCE(due_at, 0),
	created_at, updated_at, COALESCE(completed_at, 0)
FROM tasks`

func scanTask(row *sql.Row) (Task, error) {
	var t Task
	var state string
	var isSuggestion int
	err := row.Scan(
		&t.ID, &t.UserID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Progress,
		&t.NextAction, &state, &isSuggestion,
		&t.ContactID, &t.CalendarEventID, &t.DueAt,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.State = json.RawMessage(state)
	t.IsSuggestion = isSuggestion != 0
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		var t Task
		var state string
		var isSuggestion int
		err := rows.Scan(
			&t.ID, &t.UserID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Progress,
			&t.NextAction, &state, &isSuggestion,
			&t.ContactID, &t.CalendarEventID, &t.DueAt,
			&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
		)
		if err != nil {
			return nil, err
		}
		t.State = json.RawMessage(state)
		t.IsSuggestion = isSuggestion != 0
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// escapeStateKey keeps dots in state keys literal instead of letting sjson
// treat them as path separators.
func escapeStateKey(key string) string {
	replacer := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return replacer.Replace(key)
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

func nullIfEmpty(value string) interface{} {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullIfZero(value int64) interface{} {
	if value == 0 {
		return nil
	}
	return value
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) newID(prefix string) string {
	seq := atomic.AddUint64(&s.counter, 1)
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq)
}
