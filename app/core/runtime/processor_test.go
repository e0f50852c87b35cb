package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	configs "advisor0/app/configs"
	"advisor0/app/core/agent"
	"advisor0/app/core/llm"
	"advisor0/app/core/orchestrator/crm"
	"advisor0/app/core/orchestrator/db"
	"advisor0/app/core/orchestrator/instruction"
	"advisor0/app/core/orchestrator/memory"
	"advisor0/app/core/orchestrator/profile"
	"advisor0/app/core/orchestrator/task"
	"advisor0/app/core/orchestrator/tools"
	"advisor0/app/core/orchestrator/webhook"
	"advisor0/app/core/scheduler"
)

type countingModel struct {
	calls int
}

func (m *countingModel) Chat(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
	m.calls++
	return llm.ChatResponse{Content: "waiting on input"}, nil
}

type fixture struct {
	cfg      *configs.Manager
	database *db.DB
	orch     *agent.Orchestrator
	tasks    *task.Store
	events   *webhook.Store
	insts    *instruction.Store
	model    *countingModel
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
	model := &countingModel{}

	if _, err := profiles.Upsert(context.Background(), profile.Profile{
		UserID: "user-1", Email: "advisor@example.com", LLMAPIKey: "sk-test",
	}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	orch := agent.New(agent.Deps{
		Config:       cfg,
		Tasks:        tasks,
		Memories:     memories,
		Instructions: instructions,
		Events:       events,
		Profiles:     profiles,
		CRM:          crmStore,
		Registry: tools.NewBuiltinRegistry(tools.Deps{
			Tasks: tasks, Memories: memories, CRM: crmStore,
		}),
		NewClient: func(_, _ string) llm.Client { return model },
	})
	return &fixture{cfg: cfg, database: database, orch: orch, tasks: tasks, events: events, insts: instructions, model: model}
}

func TestRegisterProcessorJobs(t *testing.T) {
	f := newFixture(t)
	s := scheduler.New()

	if err := RegisterProcessorJobs(s, f.cfg, f.orch, f.tasks, f.events); err != nil {
		t.Fatalf("register processor jobs: %v", err)
	}
	snapshot := s.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("registered %d jobs, want 2", len(snapshot))
	}
	names := map[string]bool{}
	for _, st := range snapshot {
		names[st.Name] = true
	}
	if !names["task-sweep"] || !names["event-sweep"] {
		t.Fatalf("job names = %v", names)
	}
}

func TestSweepSkipsRecentlyTouchedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tasks.CreateTask(ctx, task.CreateParams{UserID: "user-1", Title: "fresh"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// The task was just created, so a 30s debounce must skip it.
	if err := sweepTasks(ctx, f.orch, f.tasks, 10, 30*time.Second); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.model.calls != 0 {
		t.Fatalf("model called %d times inside debounce window, want 0", f.model.calls)
	}

	// Aged past the window, the same task is picked up.
	if _, err := f.database.Conn().ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-40*time.Second).Unix(), created.ID,
	); err != nil {
		t.Fatalf("backdate task: %v", err)
	}
	if err := sweepTasks(ctx, f.orch, f.tasks, 10, 30*time.Second); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", f.model.calls)
	}
}

func TestSweepEventsProcessesReceivedBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.insts.Create(ctx, "user-1", "Watch email", "Draft a reply to client emails",
		[]string{instruction.TriggerEmailReceived}, nil); err != nil {
		t.Fatalf("create instruction: %v", err)
	}
	event, err := f.events.Record(ctx, "user-1", webhook.SourceGmail, []byte(`{"from":"a@b.com","subject":"Hi"}`))
	if err != nil {
		t.Fatalf("record event: %v", err)
	}

	if err := sweepEvents(ctx, f.orch, f.events, 5); err != nil {
		t.Fatalf("sweep events: %v", err)
	}

	got, err := f.events.Get(ctx, "user-1", event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.Status != webhook.StatusProcessed {
		t.Fatalf("event status = %q, want processed", got.Status)
	}
	spawned, err := f.tasks.ListByUser(ctx, "user-1", "", 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(spawned) != 1 {
		t.Fatalf("spawned %d tasks, want 1", len(spawned))
	}
	// The owner has a model key, so the spawned task ran a turn right away.
	if f.model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", f.model.calls)
	}
	if spawned[0].Status != task.StatusWaitingResponse {
		t.Fatalf("spawned task status = %q, want waiting_response", spawned[0].Status)
	}
}
