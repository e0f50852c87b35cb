package instruction

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Matches reports whether one active instruction is satisfied by an inbound
// event. The tiers apply in order and each is independently sufficient:
//
//  1. a non-empty tag list matches when it intersects the tags the event's
//     source can satisfy; no payload inspection at this tier.
//  2. an untagged instruction matches when its free text mentions the
//     source name, a deliberately loose catch-all.
//  3. a structured condition tree matches when any predicate present for
//     the event's source holds against the payload.
func Matches(inst Instruction, source, eventType string, payload []byte) bool {
	if inst.Status != StatusActive {
		return false
	}
	if len(inst.Triggers) > 0 {
		if tagsIntersect(inst.Triggers, SourceTags(source)) {
			return true
		}
	} else if strings.Contains(strings.ToLower(inst.Instruction), strings.ToLower(source)) {
		return true
	}
	return conditionsMatch(inst.Conditions, source, eventType, payload)
}

// Match filters a set of instructions down to the ones the event satisfies.
func Match(instructions []Instruction, source, eventType string, payload []byte) []Instruction {
	var matched []Instruction
	for _, inst := range instructions {
		if Matches(inst, source, eventType, payload) {
			matched = append(matched, inst)
		}
	}
	return matched
}

func tagsIntersect(triggers, sourceTags []string) bool {
	for _, trigger := range triggers {
		for _, tag := range sourceTags {
			if trigger == tag {
				return true
			}
		}
	}
	return false
}

func conditionsMatch(c *Conditions, source, eventType string, payload []byte) bool {
	if c.Empty() {
		return false
	}
	if len(c.Sources) > 0 && !containsString(c.Sources, source) {
		return false
	}
	switch source {
	case "gmail":
		return emailConditionsMatch(c.Email, eventType, payload)
	case "calendar":
		return calendarConditionsMatch(c.Calendar, eventType)
	case "hubspot":
		return hubspotConditionsMatch(c.Hubspot, payload)
	default:
		return false
	}
}

func emailConditionsMatch(c *EmailConditions, eventType string, payload []byte) bool {
	if c == nil || !c.NewEmail || eventType != TriggerEmailReceived {
		return false
	}
	from := gjson.GetBytes(payload, "from").String()
	if from == "" {
		from = gjson.GetBytes(payload, "message.from").String()
	}
	subject := gjson.GetBytes(payload, "subject").String()
	if subject == "" {
		subject = gjson.GetBytes(payload, "message.subject").String()
	}
	for _, pattern := range c.FromPatterns {
		if pattern != "" && strings.Contains(from, pattern) {
			return true
		}
	}
	for _, pattern := range c.SubjectPatterns {
		if pattern != "" && strings.Contains(subject, pattern) {
			return true
		}
	}
	return false
}

func calendarConditionsMatch(c *CalendarConditions, eventType string) bool {
	if c == nil {
		return false
	}
	switch eventType {
	case TriggerCalendarCreated:
		return c.NewEvent
	case TriggerCalendarUpdated:
		return c.UpdatedEvent
	default:
		return false
	}
}

func hubspotConditionsMatch(c *HubspotConditions, payload []byte) bool {
	if c == nil {
		return false
	}
	objectType := gjson.GetBytes(payload, "objectType").String()
	if objectType != "" && containsString(c.ObjectTypes, objectType) {
		return true
	}
	propertyName := gjson.GetBytes(payload, "propertyName").String()
	if propertyName != "" && containsString(c.PropertyChanges, propertyName) {
		return true
	}
	return false
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
