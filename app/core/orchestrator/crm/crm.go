package crm

import "time"

// Contact is a locally mirrored CRM contact.
type Contact struct {
	UserID          string
	ContactID       string
	Name            string
	Email           string
	LastInteraction int64
}

// EmailInteraction is one stored email exchanged with a contact.
type EmailInteraction struct {
	ID         string
	UserID     string
	ContactID  string
	Subject    string
	Snippet    string
	ReceivedAt int64
}

// CalendarEvent is a locally mirrored calendar entry.
type CalendarEvent struct {
	ID          string
	UserID      string
	ContactID   string
	Title       string
	Description string
	StartTime   int64
	EndTime     int64
	Status      string
}

// Overlaps reports whether the event intersects the given window.
func (e CalendarEvent) Overlaps(start, end time.Time) bool {
	return e.StartTime < end.Unix() && e.EndTime > start.Unix()
}
