package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"

	"advisor0/app/core/orchestrator/crm"
	"advisor0/app/core/orchestrator/db"
	"advisor0/app/core/orchestrator/memory"
	"advisor0/app/core/orchestrator/task"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	database, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return Deps{
		Tasks:    task.NewStore(database),
		Memories: memory.NewStore(database),
		CRM:      crm.NewStore(database),
	}
}

func createTask(t *testing.T, deps Deps) task.Task {
	t.Helper()
	created, err := deps.Tasks.CreateTask(context.Background(), task.CreateParams{
		UserID: "user-1",
		Title:  "Follow up with Dana",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func TestExecuteUnknownToolFailsSoftly(t *testing.T) {
	reg := NewBuiltinRegistry(newTestDeps(t))
	result := reg.Execute(context.Background(), Call{UserID: "user-1", Name: "launch_rocket"})
	if result.Status != ResultStatusFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.Message == "" {
		t.Fatal("expected a message naming the unsupported tool")
	}
}

func TestDefsCoverFullSurface(t *testing.T) {
	reg := NewBuiltinRegistry(newTestDeps(t))
	defs := reg.Defs()
	if len(defs) != 14 {
		t.Fatalf("got %d tool definitions, want 14", len(defs))
	}
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if seen[def.Name] {
			t.Fatalf("duplicate tool %q", def.Name)
		}
		seen[def.Name] = true
		if def.Parameters["type"] != "object" {
			t.Fatalf("tool %q schema is not an object", def.Name)
		}
	}
	for _, name := range []string{"find_contact", "send_email", "check_availability", "save_memory", "complete_task"} {
		if !seen[name] {
			t.Fatalf("missing tool %q", name)
		}
	}
}

func TestMemoryToolsRoundTrip(t *testing.T) {
	deps := newTestDeps(t)
	reg := NewBuiltinRegistry(deps)
	ctx := context.Background()

	save := reg.Execute(ctx, Call{
		UserID: "user-1",
		Name:   "save_memory",
		Args:   json.RawMessage(`{"key":"client.dana.preferences","value":"prefers morning calls"}`),
	})
	if save.Status != ResultStatusSuccess {
		t.Fatalf("save_memory failed: %s", save.Message)
	}

	get := reg.Execute(ctx, Call{
		UserID: "user-1",
		Name:   "get_memory",
		Args:   json.RawMessage(`{"key":"client.dana.preferences"}`),
	})
	if get.Status != ResultStatusSuccess {
		t.Fatalf("get_memory failed: %s", get.Message)
	}
	data, err := json.Marshal(get.Data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	if got := gjson.GetBytes(data, "value").String(); got != "prefers morning calls" {
		t.Fatalf("value = %q", got)
	}
}

func TestCompleteTaskTool(t *testing.T) {
	deps := newTestDeps(t)
	reg := NewBuiltinRegistry(deps)
	ctx := context.Background()
	created := createTask(t, deps)

	result := reg.Execute(ctx, Call{
		UserID: "user-1",
		TaskID: created.ID,
		Name:   "complete_task",
		Args:   json.RawMessage(`{"result":"sent the follow-up"}`),
	})
	if result.Status != ResultStatusSuccess {
		t.Fatalf("complete_task failed: %s", result.Message)
	}

	got, err := deps.Tasks.GetTask(ctx, "user-1", created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusCompleted || got.Progress != 100 {
		t.Fatalf("task = status %q progress %d", got.Status, got.Progress)
	}
}

func TestAddTaskStepToolAutoNumbers(t *testing.T) {
	deps := newTestDeps(t)
	reg := NewBuiltinRegistry(deps)
	ctx := context.Background()
	created := createTask(t, deps)

	for want := 1; want <= 2; want++ {
		result := reg.Execute(ctx, Call{
			UserID: "user-1",
			TaskID: created.ID,
			Name:   "add_task_step",
			Args:   json.RawMessage(`{"description":"draft the email"}`),
		})
		if result.Status != ResultStatusSuccess {
			t.Fatalf("add_task_step failed: %s", result.Message)
		}
		data, err := json.Marshal(result.Data)
		if err != nil {
			t.Fatalf("marshal data: %v", err)
		}
		if got := gjson.GetBytes(data, "step_number").Int(); got != int64(want) {
			t.Fatalf("step_number = %d, want %d", got, want)
		}
	}
}

func TestSendEmailToolReportsDisconnectedAccount(t *testing.T) {
	deps := newTestDeps(t)
	reg := NewBuiltinRegistry(deps)

	result := reg.Execute(context.Background(), Call{
		UserID: "user-1",
		Name:   "send_email",
		Args:   json.RawMessage(`{"to":"dana@acme.com","subject":"hi","body":"hello"}`),
	})
	if result.Status != ResultStatusFailed {
		t.Fatalf("status = %q, want failed without a connected mailbox", result.Status)
	}
}
