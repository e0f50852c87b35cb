package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	configs "advisor0/app/configs"
	"advisor0/app/core/llm"
	"advisor0/app/core/orchestrator/crm"
	"advisor0/app/core/orchestrator/db"
	"advisor0/app/core/orchestrator/instruction"
	"advisor0/app/core/orchestrator/memory"
	"advisor0/app/core/orchestrator/profile"
	"advisor0/app/core/orchestrator/task"
	"advisor0/app/core/orchestrator/tools"
	"advisor0/app/core/orchestrator/webhook"
)

// fakeModel returns scripted responses in order and records the requests
// it saw.
type fakeModel struct {
	responses []llm.ChatResponse
	err       error
	requests  []llm.ChatRequest
}

func (f *fakeModel) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return llm.ChatResponse{}, f.err
	}
	if len(f.responses) == 0 {
		return llm.ChatResponse{Content: "nothing to do"}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

type fixture struct {
	orch   *Orchestrator
	model  *fakeModel
	tasks  *task.Store
	events *webhook.Store
	insts  *instruction.Store
	crm    *crm.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	database, err := db.NewSQLiteDB(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg, err := configs.NewManager(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("config manager: %v", err)
	}

	tasks := task.NewStore(database)
	memories := memory.NewStore(database)
	instructions := instruction.NewStore(database)
	events := webhook.NewStore(database)
	profiles := profile.NewStore(database)
	crmStore := crm.NewStore(database)
	registry := tools.NewBuiltinRegistry(tools.Deps{
		Tasks:    tasks,
		Memories: memories,
		CRM:      crmStore,
	})

	if _, err := profiles.Upsert(context.Background(), profile.Profile{
		UserID: "user-1", Email: "advisor@example.com", LLMAPIKey: "sk-test",
	}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	model := &fakeModel{}
	orch := New(Deps{
		Config:       cfg,
		Tasks:        tasks,
		Memories:     memories,
		Instructions: instructions,
		Events:       events,
		Profiles:     profiles,
		CRM:          crmStore,
		Registry:     registry,
		NewClient:    func(_, _ string) llm.Client { return model },
	})
	return &fixture{orch: orch, model: model, tasks: tasks, events: events, insts: instructions, crm: crmStore}
}

func (f *fixture) createTask(t *testing.T, title string) task.Task {
	t.Helper()
	created, err := f.tasks.CreateTask(context.Background(), task.CreateParams{UserID: "user-1", Title: title})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func TestProcessTaskTextResponseParksTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createTask(t, "Summarize Dana's portfolio")
	f.model.responses = []llm.ChatResponse{{Content: "I need the account number first."}}

	if err := f.orch.ProcessTask(ctx, "user-1", created.ID); err != nil {
		t.Fatalf("process task: %v", err)
	}
	got, err := f.tasks.GetTask(ctx, "user-1", created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusWaitingResponse {
		t.Fatalf("status = %q, want waiting_response", got.Status)
	}
	if got.NextAction != "Awaiting next action" {
		t.Fatalf("next action = %q", got.NextAction)
	}
	if gjson.GetBytes(got.State, "assistant_response").String() != "I need the account number first." {
		t.Fatalf("state = %s", got.State)
	}
	steps, err := f.tasks.ListSteps(ctx, "user-1", created.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 || !strings.HasPrefix(steps[0].Description, "AI Response: I need the account number") {
		t.Fatalf("steps = %+v, want one response step", steps)
	}
}

func TestProcessTaskCompletionPhraseCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createTask(t, "Send the agenda")
	f.model.responses = []llm.ChatResponse{{Content: "Agenda sent. The task is complete."}}

	if err := f.orch.ProcessTask(ctx, "user-1", created.ID); err != nil {
		t.Fatalf("process task: %v", err)
	}
	got, err := f.tasks.GetTask(ctx, "user-1", created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusCompleted || got.Progress != 100 {
		t.Fatalf("task = status %q progress %d", got.Status, got.Progress)
	}
}

func TestProcessTaskToolCallsMergeResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createTask(t, "Remember Dana's preference")
	f.model.responses = []llm.ChatResponse{{
		Content: "Saving that now.",
		ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      "save_memory",
			Arguments: json.RawMessage(`{"key":"client.dana.pref","value":"morning calls"}`),
		}},
	}}

	if err := f.orch.ProcessTask(ctx, "user-1", created.ID); err != nil {
		t.Fatalf("process task: %v", err)
	}
	got, err := f.tasks.GetTask(ctx, "user-1", created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusInProgress {
		t.Fatalf("status = %q, want in_progress for the follow-up turn", got.Status)
	}
	if got.NextAction != "Saving that now." {
		t.Fatalf("next action = %q", got.NextAction)
	}
	if gjson.GetBytes(got.State, "tool_results.0.status").String() != "success" {
		t.Fatalf("state = %s", got.State)
	}
	if gjson.GetBytes(got.State, "assistant_message").String() != "Saving that now." {
		t.Fatalf("assistant message missing: %s", got.State)
	}
	steps, err := f.tasks.ListSteps(ctx, "user-1", created.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Description != "Executed tools: save_memory" {
		t.Fatalf("steps = %+v, want the executed-tools step", steps)
	}

	// A tool turn leaves the task selectable, so the next sweep continues it.
	processable, err := f.tasks.ListProcessable(ctx, []string{task.StatusPending, task.StatusInProgress}, 10)
	if err != nil {
		t.Fatalf("list processable: %v", err)
	}
	if len(processable) != 1 || processable[0].ID != created.ID {
		t.Fatalf("processable = %+v, want the tool-turn task", processable)
	}
}

func TestProcessTaskCompleteTaskToolWinsOverParking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createTask(t, "Wrap up")
	f.model.responses = []llm.ChatResponse{{
		ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      "complete_task",
			Arguments: json.RawMessage(`{"result":"all done"}`),
		}},
	}}

	if err := f.orch.ProcessTask(ctx, "user-1", created.ID); err != nil {
		t.Fatalf("process task: %v", err)
	}
	got, err := f.tasks.GetTask(ctx, "user-1", created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %q, want completed after complete_task tool", got.Status)
	}
}

func TestProcessTaskModelErrorFailsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createTask(t, "Doomed")
	f.model.err = errContext("model unavailable: " + strings.Repeat("x", 300))

	if err := f.orch.ProcessTask(ctx, "user-1", created.ID); err == nil {
		t.Fatal("expected the model error to propagate")
	}
	got, err := f.tasks.GetTask(ctx, "user-1", created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.HasPrefix(got.NextAction, "Error: ") {
		t.Fatalf("next action = %q", got.NextAction)
	}
	if len(got.NextAction) > len("Error: ")+maxErrorLen {
		t.Fatalf("error message not truncated: %d chars", len(got.NextAction))
	}
	if gjson.GetBytes(got.State, "error").String() == "" {
		t.Fatalf("error not merged into state: %s", got.State)
	}
}

func TestProcessTaskSkipsTerminalAndDrafts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createTask(t, "Done already")
	if err := f.tasks.CompleteTask(ctx, "user-1", created.ID, "finished"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if err := f.orch.ProcessTask(ctx, "user-1", created.ID); err != nil {
		t.Fatalf("process terminal task: %v", err)
	}
	if len(f.model.requests) != 0 {
		t.Fatalf("terminal task reached the model %d times", len(f.model.requests))
	}
}

func TestProcessWebhookEventSpawnsTaskPerMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.insts.Create(ctx, "user-1", "Draft replies", "Draft a reply to client emails",
		[]string{instruction.TriggerEmailReceived}, nil)
	if err != nil {
		t.Fatalf("create instruction: %v", err)
	}
	event, err := f.events.Record(ctx, "user-1", webhook.SourceGmail,
		[]byte(`{"from":"a@b.com","subject":"Meeting"}`))
	if err != nil {
		t.Fatalf("record event: %v", err)
	}

	if err := f.orch.ProcessWebhookEvent(ctx, event); err != nil {
		t.Fatalf("process event: %v", err)
	}

	spawned, err := f.tasks.ListByUser(ctx, "user-1", "", 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(spawned) != 1 {
		t.Fatalf("got %d tasks, want 1", len(spawned))
	}
	if spawned[0].Title != "Auto: Draft replies" {
		t.Fatalf("title = %q", spawned[0].Title)
	}
	if !strings.Contains(spawned[0].Description, "From: a@b.com | Subject: Meeting") {
		t.Fatalf("description = %q, missing event summary", spawned[0].Description)
	}
	// The owner has a model key, so the spawned task ran a turn right away.
	if len(f.model.requests) != 1 {
		t.Fatalf("model requests = %d, want 1", len(f.model.requests))
	}
	if !strings.Contains(f.model.requests[0].User, "TriggeringEvent:") {
		t.Fatalf("task context missing triggering event:\n%s", f.model.requests[0].User)
	}
	if gjson.GetBytes(spawned[0].State, "instruction_id").String() != inst.ID {
		t.Fatalf("state = %s", spawned[0].State)
	}

	got, err := f.events.Get(ctx, "user-1", event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Status != webhook.StatusProcessed {
		t.Fatalf("event status = %q, want processed", got.Status)
	}

	// Reprocessing a handled event fails without mutating anything.
	if err := f.orch.ProcessWebhookEvent(ctx, got); !errors.Is(err, webhook.ErrInvalidTransition) {
		t.Fatalf("reprocess err = %v, want ErrInvalidTransition", err)
	}
	again, err := f.tasks.ListByUser(ctx, "user-1", "", 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("reprocessing spawned %d extra task(s)", len(again)-1)
	}
}

func TestSuggestAndApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.crm.SaveContact(ctx, crm.Contact{
		UserID: "user-1", ContactID: "c1", Name: "Dana", Email: "dana@acme.com",
	}); err != nil {
		t.Fatalf("save contact: %v", err)
	}

	suggestions, err := f.orch.SuggestTasks(ctx, "user-1", 0, 10)
	if err != nil {
		t.Fatalf("suggest tasks: %v", err)
	}
	if len(suggestions) != 1 || suggestions[0].Status != task.StatusDraft {
		t.Fatalf("suggestions = %+v", suggestions)
	}

	// Drafts stay invisible to the sweep until approved.
	processable, err := f.tasks.ListProcessable(ctx, []string{task.StatusPending}, 10)
	if err != nil {
		t.Fatalf("list processable: %v", err)
	}
	if len(processable) != 0 {
		t.Fatalf("draft suggestion leaked into sweep: %+v", processable)
	}

	if err := f.orch.ApproveSuggestedTask(ctx, "user-1", suggestions[0].ID); err != nil {
		t.Fatalf("approve suggestion: %v", err)
	}
	processable, err = f.tasks.ListProcessable(ctx, []string{task.StatusPending}, 10)
	if err != nil {
		t.Fatalf("list processable: %v", err)
	}
	if len(processable) != 1 {
		t.Fatalf("approved suggestion missing from sweep: %+v", processable)
	}
}

func TestCreateInstructionParsesTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.orch.CreateInstruction(ctx, "user-1", "email rule",
		`When I get an email from acme.com, draft a reply`)
	if err != nil {
		t.Fatalf("create instruction: %v", err)
	}
	if len(inst.Triggers) == 0 || inst.Triggers[0] != instruction.TriggerEmailReceived {
		t.Fatalf("triggers = %v", inst.Triggers)
	}
	if inst.Conditions == nil || inst.Conditions.Email == nil {
		t.Fatalf("conditions = %+v", inst.Conditions)
	}
}

type errContext string

func (e errContext) Error() string { return string(e) }
