package instruction

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"advisor0/app/core/orchestrator/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func TestCreateAndListActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst, err := store.Create(ctx, "user-1", "email watch", "When I get an email from acme.com, draft a reply", []string{TriggerEmailReceived}, nil)
	if err != nil {
		t.Fatalf("create instruction: %v", err)
	}
	if inst.Status != StatusActive {
		t.Fatalf("status = %q, want %q", inst.Status, StatusActive)
	}

	if err := store.SetStatus(ctx, "user-1", inst.ID, StatusPaused); err != nil {
		t.Fatalf("pause instruction: %v", err)
	}
	active, err := store.ListActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("got %d active instructions after pausing, want 0", len(active))
	}
}

func TestGetScopedByUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst, err := store.Create(ctx, "user-1", "rule", "watch my calendar", []string{TriggerCalendarCreated}, nil)
	if err != nil {
		t.Fatalf("create instruction: %v", err)
	}
	if _, err := store.Get(ctx, "user-2", inst.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user get err = %v, want ErrNotFound", err)
	}
}

func TestUpdateTriggersRoundTripsConditions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst, err := store.Create(ctx, "user-1", "rule", "watch inbox", nil, nil)
	if err != nil {
		t.Fatalf("create instruction: %v", err)
	}
	conditions := &Conditions{
		Version: ConditionsVersion,
		Sources: []string{"gmail"},
		Email:   &EmailConditions{NewEmail: true, FromPatterns: []string{"acme.com"}},
	}
	if err := store.UpdateTriggers(ctx, "user-1", inst.ID, []string{TriggerEmailReceived}, conditions); err != nil {
		t.Fatalf("update triggers: %v", err)
	}
	got, err := store.Get(ctx, "user-1", inst.ID)
	if err != nil {
		t.Fatalf("get instruction: %v", err)
	}
	if got.Conditions == nil || got.Conditions.Email == nil {
		t.Fatalf("conditions not persisted: %+v", got.Conditions)
	}
	if got.Conditions.Email.FromPatterns[0] != "acme.com" {
		t.Fatalf("from pattern = %q, want acme.com", got.Conditions.Email.FromPatterns[0])
	}
}

func TestMatchesByTriggerTag(t *testing.T) {
	inst := Instruction{
		Status:      StatusActive,
		Instruction: "draft a reply to important emails",
		Triggers:    []string{TriggerEmailReceived},
	}
	if !Matches(inst, "gmail", TriggerEmailReceived, nil) {
		t.Fatal("tagged instruction should match its source")
	}
	if Matches(inst, "hubspot", TriggerHubspotContactCreated, nil) {
		t.Fatal("tagged instruction should not match an unrelated source")
	}
}

func TestMatchesUntaggedBySubstring(t *testing.T) {
	inst := Instruction{
		Status:      StatusActive,
		Instruction: "Whenever a HubSpot contact shows up, log a note",
	}
	if !Matches(inst, "hubspot", TriggerHubspotContactCreated, nil) {
		t.Fatal("untagged instruction mentioning the source should match")
	}
	if Matches(inst, "calendar", TriggerCalendarCreated, nil) {
		t.Fatal("untagged instruction should not match an unmentioned source")
	}
}

func TestMatchesByConditionsAlone(t *testing.T) {
	inst := Instruction{
		Status:   StatusActive,
		Triggers: []string{TriggerCalendarCreated},
		Conditions: &Conditions{
			Version: ConditionsVersion,
			Sources: []string{"gmail"},
			Email:   &EmailConditions{NewEmail: true, SubjectPatterns: []string{"Quarterly Review"}},
		},
	}
	payload := []byte(`{"from":"ceo@acme.com","subject":"Quarterly Review prep"}`)
	if !Matches(inst, "gmail", TriggerEmailReceived, payload) {
		t.Fatal("structured conditions should match independently of trigger tags")
	}
	other := []byte(`{"from":"ceo@acme.com","subject":"lunch"}`)
	if Matches(inst, "gmail", TriggerEmailReceived, other) {
		t.Fatal("payload missing every pattern should not match")
	}
}

func TestPausedInstructionNeverMatches(t *testing.T) {
	inst := Instruction{
		Status:   StatusPaused,
		Triggers: []string{TriggerEmailReceived},
	}
	if Matches(inst, "gmail", TriggerEmailReceived, nil) {
		t.Fatal("paused instruction must not match")
	}
}

func TestParseTriggersEmail(t *testing.T) {
	tags, conditions := ParseTriggers(`When I get an email from acme.com with subject contains "invoice", create a task`)
	if !contains(tags, TriggerEmailReceived) {
		t.Fatalf("tags = %v, want email_received", tags)
	}
	if conditions == nil || conditions.Email == nil {
		t.Fatalf("conditions = %+v, want email block", conditions)
	}
	if len(conditions.Email.FromPatterns) == 0 || conditions.Email.FromPatterns[0] != "acme.com" {
		t.Fatalf("from patterns = %v, want [acme.com]", conditions.Email.FromPatterns)
	}
	if len(conditions.Email.SubjectPatterns) == 0 || conditions.Email.SubjectPatterns[0] != "invoice" {
		t.Fatalf("subject patterns = %v, want [invoice]", conditions.Email.SubjectPatterns)
	}
}

func TestParseTriggersCalendarDefaultsToCreated(t *testing.T) {
	tags, conditions := ParseTriggers("Remind me before every meeting")
	if !contains(tags, TriggerCalendarCreated) {
		t.Fatalf("tags = %v, want calendar_created", tags)
	}
	if conditions == nil || conditions.Calendar == nil || !conditions.Calendar.NewEvent {
		t.Fatalf("conditions = %+v, want calendar new_event", conditions)
	}
}

func TestParseTriggersNoSignal(t *testing.T) {
	tags, conditions := ParseTriggers("keep things tidy")
	if len(tags) != 0 {
		t.Fatalf("tags = %v, want none", tags)
	}
	if conditions != nil {
		t.Fatalf("conditions = %+v, want nil", conditions)
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
