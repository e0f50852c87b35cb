package instruction

import (
	"context"
	"regexp"
	"strings"
)

var (
	fromPattern    = regexp.MustCompile(`(?i)from\s+([^\s,;]+(?:\.[^\s,;]+)+)`)
	subjectPattern = regexp.MustCompile(`(?i)subject\s+(?:contains|with)\s+["']([^"']+)["']`)
)

// ConditionRefiner lets a caller refine heuristically parsed conditions,
// typically through the LLM collaborator. A refiner that fails leaves the
// heuristic result in place.
type ConditionRefiner func(ctx context.Context, text string, parsed *Conditions) (*Conditions, error)

// ParseTriggers derives trigger tags and a structured condition tree from
// instruction free text. The keyword heuristics are deliberately broad; the
// structured tree only captures what the text states outright.
func ParseTriggers(text string) ([]string, *Conditions) {
	lower := strings.ToLower(text)
	var tags []string
	conditions := &Conditions{Version: ConditionsVersion}

	if containsAny(lower, "email", "gmail", "message", "inbox") {
		tags = append(tags, TriggerEmailReceived)
		email := &EmailConditions{NewEmail: true}
		for _, m := range fromPattern.FindAllStringSubmatch(text, -1) {
			email.FromPatterns = append(email.FromPatterns, m[1])
		}
		for _, m := range subjectPattern.FindAllStringSubmatch(text, -1) {
			email.SubjectPatterns = append(email.SubjectPatterns, m[1])
		}
		conditions.Sources = append(conditions.Sources, "gmail")
		conditions.Email = email
	}
	if containsAny(lower, "calendar", "meeting", "event", "appointment") {
		calendar := &CalendarConditions{}
		if containsAny(lower, "update", "change", "reschedul", "move") {
			tags = append(tags, TriggerCalendarUpdated)
			calendar.UpdatedEvent = true
		}
		if containsAny(lower, "new", "create", "schedule", "book") || !calendar.UpdatedEvent {
			tags = append(tags, TriggerCalendarCreated)
			calendar.NewEvent = true
		}
		conditions.Sources = append(conditions.Sources, "calendar")
		conditions.Calendar = calendar
	}
	if containsAny(lower, "hubspot", "contact", "crm", "deal", "lead") {
		hubspot := &HubspotConditions{}
		updated := containsAny(lower, "update", "change")
		if updated {
			tags = append(tags, TriggerHubspotContactUpdated)
		}
		if containsAny(lower, "new", "create", "add") || !updated {
			tags = append(tags, TriggerHubspotContactCreated)
		}
		if containsAny(lower, "contact", "lead") {
			hubspot.ObjectTypes = append(hubspot.ObjectTypes, "contact")
		}
		if containsAny(lower, "deal") {
			hubspot.ObjectTypes = append(hubspot.ObjectTypes, "deal")
		}
		conditions.Sources = append(conditions.Sources, "hubspot")
		conditions.Hubspot = hubspot
	}

	if conditions.Empty() {
		conditions = nil
	}
	return tags, conditions
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
