package webhook

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Classify derives the canonical event type from a source's raw payload.
// Unknown shapes fall back to the source's primary event type rather than
// rejecting the notification.
func Classify(source string, payload []byte) string {
	switch source {
	case SourceGmail:
		labels := gjson.GetBytes(payload, "labelIds")
		sent := false
		labels.ForEach(func(_, value gjson.Result) bool {
			if value.String() == "SENT" {
				sent = true
				return false
			}
			return true
		})
		if sent {
			return "email_sent"
		}
		return "email_received"
	case SourceCalendar:
		action := strings.ToLower(gjson.GetBytes(payload, "action").String())
		if action == "" {
			action = strings.ToLower(gjson.GetBytes(payload, "status").String())
		}
		if action == "updated" || action == "update" || action == "confirmed_update" {
			return "calendar_updated"
		}
		return "calendar_created"
	case SourceHubspot:
		sub := strings.ToLower(gjson.GetBytes(payload, "subscriptionType").String())
		if strings.Contains(sub, "propertychange") || strings.Contains(sub, "update") {
			return "hubspot_contact_updated"
		}
		return "hubspot_contact_created"
	default:
		return source
	}
}

// Summarize builds the short human line stored alongside the payload and
// surfaced in task context.
func Summarize(source string, payload []byte) string {
	switch source {
	case SourceGmail:
		from := firstOf(payload, "from", "message.from", "payload.headers.from")
		subject := firstOf(payload, "subject", "message.subject", "payload.headers.subject")
		var parts []string
		if from != "" {
			parts = append(parts, "From: "+from)
		}
		if subject != "" {
			parts = append(parts, "Subject: "+subject)
		}
		if len(parts) == 0 {
			return "New email"
		}
		return strings.Join(parts, " | ")
	case SourceCalendar:
		title := firstOf(payload, "summary", "event.summary", "title")
		start := firstOf(payload, "start.dateTime", "start.date", "event.start.dateTime")
		if title == "" {
			return "Calendar event"
		}
		if start == "" {
			return "Event: " + title
		}
		return fmt.Sprintf("Event: %s at %s", title, start)
	case SourceHubspot:
		objectType := firstOf(payload, "objectType", "subscriptionType")
		objectID := firstOf(payload, "objectId", "objectID")
		if objectType == "" {
			return "HubSpot change"
		}
		if objectID == "" {
			return "HubSpot " + objectType
		}
		return fmt.Sprintf("HubSpot %s %s", objectType, objectID)
	default:
		return source + " event"
	}
}

// Extract projects the fields the given source carries into a flat map,
// regardless of which payload shape the provider sent. Absent fields are
// omitted.
func Extract(source string, payload []byte) map[string]string {
	fields := map[string]string{}
	put := func(key string, paths ...string) {
		if v := firstOf(payload, paths...); v != "" {
			fields[key] = v
		}
	}
	switch source {
	case SourceGmail:
		put("from", "from", "message.from", "payload.headers.from")
		put("subject", "subject", "message.subject", "payload.headers.subject")
		put("snippet", "snippet", "message.snippet")
	case SourceCalendar:
		put("title", "summary", "event.summary", "title")
		put("start", "start.dateTime", "start.date", "event.start.dateTime")
		put("end", "end.dateTime", "end.date", "event.end.dateTime")
		put("organizer", "organizer.email", "event.organizer.email")
	case SourceHubspot:
		put("object_type", "objectType", "subscriptionType")
		put("object_id", "objectId", "objectID")
		put("property", "propertyName")
		put("value", "propertyValue", "value")
	}
	return fields
}

func firstOf(payload []byte, paths ...string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(payload, p).String(); v != "" {
			return v
		}
	}
	return ""
}
