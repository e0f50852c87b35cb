package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"advisor0/app/core/integrations/calendar"
	"advisor0/app/core/integrations/gmail"
	"advisor0/app/core/integrations/hubspot"
	"advisor0/app/core/llm"
	"advisor0/app/core/orchestrator/crm"
	"advisor0/app/core/orchestrator/memory"
	"advisor0/app/core/orchestrator/task"
)

// Deps carries everything the builtin tools touch. Integration clients may
// be nil or unconnected; their tools then fail with a clear message instead
// of being hidden from the model.
type Deps struct {
	Tasks    *task.Store
	Memories *memory.Store
	CRM      *crm.Store
	Gmail    *gmail.Client
	Calendar *calendar.Client
	Hubspot  *hubspot.Client
}

// NewBuiltinRegistry wires the full tool surface the dispatch loop
// advertises to the model.
func NewBuiltinRegistry(deps Deps) *Registry {
	r := NewRegistry()
	registerContactTools(r, deps)
	registerCalendarTools(r, deps)
	registerHubspotTools(r, deps)
	registerMemoryTools(r, deps)
	registerTaskTools(r, deps)
	return r
}

func registerContactTools(r *Registry, deps Deps) {
	r.Register(llm.ToolDef{
		Name:        "find_contact",
		Description: "Look up a CRM contact by name or email fragment.",
		Parameters: objectSchema(map[string]interface{}{
			"query": stringProp("Name or email fragment to search for."),
		}, "query"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		query := gjson.GetBytes(call.Args, "query").String()
		contact, err := deps.CRM.FindContact(ctx, call.UserID, query)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"contact_id": contact.ContactID,
			"name":       contact.Name,
			"email":      contact.Email,
		}, nil
	})

	r.Register(llm.ToolDef{
		Name:        "get_contact_emails",
		Description: "Fetch the most recent emails exchanged with a contact.",
		Parameters: objectSchema(map[string]interface{}{
			"contact_id": stringProp("Contact identifier from find_contact."),
			"limit":      intProp("How many emails to return, newest first."),
		}, "contact_id"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		contactID := gjson.GetBytes(call.Args, "contact_id").String()
		limit := int(gjson.GetBytes(call.Args, "limit").Int())
		emails, err := deps.CRM.RecentEmails(ctx, call.UserID, contactID, limit)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, 0, len(emails))
		for _, e := range emails {
			out = append(out, map[string]interface{}{
				"subject":     e.Subject,
				"snippet":     e.Snippet,
				"received_at": time.Unix(e.ReceivedAt, 0).UTC().Format(time.RFC3339),
			})
		}
		return out, nil
	})

	r.Register(llm.ToolDef{
		Name:        "send_email",
		Description: "Send a plain-text email from the connected mailbox.",
		Parameters: objectSchema(map[string]interface{}{
			"to":      stringProp("Recipient email address."),
			"subject": stringProp("Email subject line."),
			"body":    stringProp("Plain-text body."),
		}, "to", "subject", "body"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		to := gjson.GetBytes(call.Args, "to").String()
		subject := gjson.GetBytes(call.Args, "subject").String()
		body := gjson.GetBytes(call.Args, "body").String()
		if to == "" {
			return nil, fmt.Errorf("send_email: recipient is required")
		}
		id, err := deps.Gmail.Send(ctx, to, subject, body)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"message_id": id, "to": to}, nil
	})
}

func registerCalendarTools(r *Registry, deps Deps) {
	r.Register(llm.ToolDef{
		Name:        "get_calendar_events",
		Description: "List upcoming calendar events inside a time window.",
		Parameters: objectSchema(map[string]interface{}{
			"from": stringProp("Window start, RFC 3339. Defaults to now."),
			"to":   stringProp("Window end, RFC 3339. Defaults to 7 days out."),
		}),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		from := parseTimeOr(gjson.GetBytes(call.Args, "from").String(), time.Now())
		to := parseTimeOr(gjson.GetBytes(call.Args, "to").String(), from.Add(7*24*time.Hour))
		events, err := deps.CRM.UpcomingEvents(ctx, call.UserID, from, to)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, 0, len(events))
		for _, e := range events {
			out = append(out, map[string]interface{}{
				"event_id": e.ID,
				"title":    e.Title,
				"start":    time.Unix(e.StartTime, 0).UTC().Format(time.RFC3339),
				"end":      time.Unix(e.EndTime, 0).UTC().Format(time.RFC3339),
			})
		}
		return out, nil
	})

	r.Register(llm.ToolDef{
		Name:        "check_availability",
		Description: "Check whether a time slot is free of calendar conflicts.",
		Parameters: objectSchema(map[string]interface{}{
			"start": stringProp("Slot start, RFC 3339."),
			"end":   stringProp("Slot end, RFC 3339."),
		}, "start", "end"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		start, err := time.Parse(time.RFC3339, gjson.GetBytes(call.Args, "start").String())
		if err != nil {
			return nil, fmt.Errorf("check_availability: bad start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, gjson.GetBytes(call.Args, "end").String())
		if err != nil {
			return nil, fmt.Errorf("check_availability: bad end: %w", err)
		}
		free, err := deps.CRM.FreeSlot(ctx, call.UserID, start, end)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"available": free}, nil
	})

	r.Register(llm.ToolDef{
		Name:        "create_calendar_event",
		Description: "Create a calendar event and mirror it locally.",
		Parameters: objectSchema(map[string]interface{}{
			"title":       stringProp("Event title."),
			"description": stringProp("Event description."),
			"start":       stringProp("Event start, RFC 3339."),
			"end":         stringProp("Event end, RFC 3339."),
			"attendee":    stringProp("Optional attendee email."),
		}, "title", "start", "end"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		title := gjson.GetBytes(call.Args, "title").String()
		description := gjson.GetBytes(call.Args, "description").String()
		start, err := time.Parse(time.RFC3339, gjson.GetBytes(call.Args, "start").String())
		if err != nil {
			return nil, fmt.Errorf("create_calendar_event: bad start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, gjson.GetBytes(call.Args, "end").String())
		if err != nil {
			return nil, fmt.Errorf("create_calendar_event: bad end: %w", err)
		}
		var attendees []string
		if attendee := gjson.GetBytes(call.Args, "attendee").String(); attendee != "" {
			attendees = append(attendees, attendee)
		}

		eventID, err := deps.Calendar.CreateEvent(ctx, title, description, start, end, attendees)
		if err != nil {
			return nil, err
		}
		if _, err := deps.CRM.SaveCalendarEvent(ctx, crm.CalendarEvent{
			ID:          eventID,
			UserID:      call.UserID,
			Title:       title,
			Description: description,
			StartTime:   start.Unix(),
			EndTime:     end.Unix(),
		}); err != nil {
			return nil, err
		}
		return map[string]interface{}{"event_id": eventID, "title": title}, nil
	})
}

func registerHubspotTools(r *Registry, deps Deps) {
	r.Register(llm.ToolDef{
		Name:        "create_hubspot_contact",
		Description: "Create a HubSpot contact and mirror it locally.",
		Parameters: objectSchema(map[string]interface{}{
			"email":      stringProp("Contact email address."),
			"first_name": stringProp("First name."),
			"last_name":  stringProp("Last name."),
		}, "email"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		email := gjson.GetBytes(call.Args, "email").String()
		firstName := gjson.GetBytes(call.Args, "first_name").String()
		lastName := gjson.GetBytes(call.Args, "last_name").String()

		contactID, err := deps.Hubspot.CreateContact(ctx, email, firstName, lastName)
		if err != nil {
			return nil, err
		}
		name := firstName
		if lastName != "" {
			if name != "" {
				name += " "
			}
			name += lastName
		}
		if err := deps.CRM.SaveContact(ctx, crm.Contact{
			UserID:    call.UserID,
			ContactID: contactID,
			Name:      name,
			Email:     email,
		}); err != nil {
			return nil, err
		}
		return map[string]interface{}{"contact_id": contactID, "email": email}, nil
	})

	r.Register(llm.ToolDef{
		Name:        "add_hubspot_note",
		Description: "Attach a note to a HubSpot contact.",
		Parameters: objectSchema(map[string]interface{}{
			"contact_id": stringProp("HubSpot contact identifier."),
			"body":       stringProp("Note text."),
		}, "contact_id", "body"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		contactID := gjson.GetBytes(call.Args, "contact_id").String()
		body := gjson.GetBytes(call.Args, "body").String()
		noteID, err := deps.Hubspot.AddNote(ctx, contactID, body)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"note_id": noteID}, nil
	})
}

func registerMemoryTools(r *Registry, deps Deps) {
	r.Register(llm.ToolDef{
		Name:        "save_memory",
		Description: "Persist a fact under a key for later recall. An optional TTL expires it.",
		Parameters: objectSchema(map[string]interface{}{
			"key":         stringProp("Memory key, e.g. client.dana.preferences."),
			"value":       stringProp("Fact to remember."),
			"context":     stringProp("Optional note on where the fact came from."),
			"ttl_seconds": intProp("Optional lifetime in seconds; omit for no expiry."),
		}, "key", "value"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		key := gjson.GetBytes(call.Args, "key").String()
		value := gjson.GetBytes(call.Args, "value").String()
		note := gjson.GetBytes(call.Args, "context").String()
		var expiresAt int64
		if ttl := gjson.GetBytes(call.Args, "ttl_seconds").Int(); ttl > 0 {
			expiresAt = time.Now().Add(time.Duration(ttl) * time.Second).Unix()
		}
		m, err := deps.Memories.Save(ctx, call.UserID, key, value, note, expiresAt)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"key": m.Key}, nil
	})

	r.Register(llm.ToolDef{
		Name:        "get_memory",
		Description: "Recall a fact saved under a key.",
		Parameters: objectSchema(map[string]interface{}{
			"key": stringProp("Memory key to look up."),
		}, "key"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		key := gjson.GetBytes(call.Args, "key").String()
		m, err := deps.Memories.Get(ctx, call.UserID, key)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"key": m.Key, "value": m.Value, "context": m.Context}, nil
	})

	r.Register(llm.ToolDef{
		Name:        "list_memories",
		Description: "List saved memories, optionally filtered by a key pattern like client.*.",
		Parameters: objectSchema(map[string]interface{}{
			"pattern": stringProp("Optional key pattern with * wildcards."),
		}),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		pattern := gjson.GetBytes(call.Args, "pattern").String()
		memories, err := deps.Memories.List(ctx, call.UserID, pattern)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, 0, len(memories))
		for _, m := range memories {
			out = append(out, map[string]interface{}{"key": m.Key, "value": m.Value})
		}
		return out, nil
	})
}

func registerTaskTools(r *Registry, deps Deps) {
	r.Register(llm.ToolDef{
		Name:        "complete_task",
		Description: "Mark the current task completed with a final result.",
		Parameters: objectSchema(map[string]interface{}{
			"result": stringProp("Short summary of what was accomplished."),
		}, "result"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		result := gjson.GetBytes(call.Args, "result").String()
		if err := deps.Tasks.CompleteTask(ctx, call.UserID, call.TaskID, result); err != nil {
			return nil, err
		}
		return map[string]interface{}{"task_id": call.TaskID, "status": task.StatusCompleted}, nil
	})

	r.Register(llm.ToolDef{
		Name:        "add_task_step",
		Description: "Append a step to the current task's plan.",
		Parameters: objectSchema(map[string]interface{}{
			"description": stringProp("What the step will do."),
		}, "description"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		description := gjson.GetBytes(call.Args, "description").String()
		step, err := deps.Tasks.AddStep(ctx, call.UserID, call.TaskID, description, 0)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"step_number": step.StepNumber}, nil
	})

	r.Register(llm.ToolDef{
		Name:        "set_next_action",
		Description: "Record what the task is waiting on or doing next.",
		Parameters: objectSchema(map[string]interface{}{
			"next_action": stringProp("Short human-readable next action."),
		}, "next_action"),
	}, func(ctx context.Context, call Call) (interface{}, error) {
		nextAction := gjson.GetBytes(call.Args, "next_action").String()
		t, err := deps.Tasks.GetTask(ctx, call.UserID, call.TaskID)
		if err != nil {
			return nil, err
		}
		if err := deps.Tasks.AdvanceStatus(ctx, call.UserID, call.TaskID, t.Status, nextAction); err != nil {
			return nil, err
		}
		return map[string]interface{}{"next_action": nextAction}, nil
	})
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func intProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description}
}

func parseTimeOr(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return fallback
	}
	return t
}
