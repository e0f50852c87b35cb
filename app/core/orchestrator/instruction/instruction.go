package instruction

const (
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusArchived = "archived"
)

// Trigger tags form a fixed vocabulary an instruction can subscribe to.
const (
	TriggerEmailReceived         = "email_received"
	TriggerEmailSent             = "email_sent"
	TriggerCalendarCreated       = "calendar_created"
	TriggerCalendarUpdated       = "calendar_updated"
	TriggerHubspotContactCreated = "hubspot_contact_created"
	TriggerHubspotContactUpdated = "hubspot_contact_updated"
	TriggerManual                = "manual"
)

// Instruction is a standing user-authored rule describing when to spawn a
// task automatically.
type Instruction struct {
	ID            string
	UserID        string
	Name          string
	Instruction   string
	Status        string
	Triggers      []string
	Conditions    *Conditions
	LastTriggered int64
	CreatedAt     int64
	UpdatedAt     int64
}

// Conditions is the typed trigger-condition tree. Each per-source block is
// independently sufficient; a nil block means that source carries no
// structured predicate.
type Conditions struct {
	Version  int                 `json:"version"`
	Sources  []string            `json:"sources"`
	Email    *EmailConditions    `json:"email,omitempty"`
	Calendar *CalendarConditions `json:"calendar,omitempty"`
	Hubspot  *HubspotConditions  `json:"hubspot,omitempty"`
}

const ConditionsVersion = 1

type EmailConditions struct {
	NewEmail        bool     `json:"new_email"`
	FromPatterns    []string `json:"from_patterns,omitempty"`
	SubjectPatterns []string `json:"subject_patterns,omitempty"`
}

type CalendarConditions struct {
	NewEvent     bool `json:"new_event"`
	UpdatedEvent bool `json:"updated_event"`
}

type HubspotConditions struct {
	ObjectTypes     []string `json:"object_types,omitempty"`
	PropertyChanges []string `json:"property_changes,omitempty"`
}

// Empty reports whether the tree carries no predicate at all.
func (c *Conditions) Empty() bool {
	return c == nil || (len(c.Sources) == 0 && c.Email == nil && c.Calendar == nil && c.Hubspot == nil)
}

// SourceTags maps a webhook source to the trigger tags it can satisfy.
func SourceTags(source string) []string {
	switch source {
	case "gmail":
		return []string{TriggerEmailReceived, TriggerEmailSent}
	case "calendar":
		return []string{TriggerCalendarCreated, TriggerCalendarUpdated}
	case "hubspot":
		return []string{TriggerHubspotContactCreated, TriggerHubspotContactUpdated}
	default:
		return nil
	}
}

func IsValidStatus(status string) bool {
	switch status {
	case StatusActive, StatusPaused, StatusArchived:
		return true
	default:
		return false
	}
}
