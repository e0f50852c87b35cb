package task

import "encoding/json"

const (
	StatusPending         = "pending"
	StatusInProgress      = "in_progress"
	StatusWaitingResponse = "waiting_response"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
	StatusDraft           = "draft"
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

const (
	StepPending   = "pending"
	StepCompleted = "completed"
)

// Task is a unit of automated work tracked through a fixed status lifecycle.
// State carries the mutable blob as a raw JSON document; MergeState is the
// only writer and merges one key at a time, last writer wins.
type Task struct {
	ID              string
	UserID          string
	Title           string
	Description     string
	Status          string
	Priority        string
	Progress        int
	NextAction      string
	State           json.RawMessage
	IsSuggestion    bool
	ContactID       string
	CalendarEventID string
	DueAt           int64
	CreatedAt       int64
	UpdatedAt       int64
	CompletedAt     int64
}

// Step is an ordered, append-only record of sub-progress within a task.
type Step struct {
	ID          string
	TaskID      string
	StepNumber  int
	Description string
	Status      string
	Result      string
	CreatedAt   int64
	CompletedAt int64
}

// Terminal reports whether no further automated processing is meaningful.
func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func IsValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusInProgress, StatusWaitingResponse,
		StatusCompleted, StatusFailed, StatusCancelled, StatusDraft:
		return true
	default:
		return false
	}
}

func IsValidPriority(priority string) bool {
	switch priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}
