package webhook

import "encoding/json"

// Event statuses. Received events move through processing to processed; a
// failure can be recorded from any non-terminal state.
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Known webhook sources.
const (
	SourceGmail    = "gmail"
	SourceCalendar = "calendar"
	SourceHubspot  = "hubspot"
)

// Event is one inbound notification from an external system, stored with
// its raw payload so processing can be retried or audited.
type Event struct {
	ID           string
	UserID       string
	Source       string
	EventType    string
	Payload      json.RawMessage
	Summary      string
	Status       string
	ErrorMessage string
	ReceivedAt   int64
	ProcessedAt  int64
}

func IsValidSource(source string) bool {
	switch source {
	case SourceGmail, SourceCalendar, SourceHubspot:
		return true
	default:
		return false
	}
}
