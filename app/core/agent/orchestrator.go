// Package agent runs the dispatch loop between stored tasks and the model.
// One ProcessTask pass sends a single turn: the model either calls tools,
// answers with text, or declares the task complete.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	configs "advisor0/app/configs"
	"advisor0/app/core/llm"
	"advisor0/app/core/llm/openai"
	"advisor0/app/core/orchestrator/crm"
	"advisor0/app/core/orchestrator/instruction"
	"advisor0/app/core/orchestrator/memory"
	"advisor0/app/core/orchestrator/profile"
	"advisor0/app/core/orchestrator/task"
	"advisor0/app/core/orchestrator/tools"
	"advisor0/app/core/orchestrator/webhook"
	"advisor0/app/pkg/logger"
)

var completionPattern = regexp.MustCompile(`(?i)task (is )?complete`)

const maxErrorLen = 200

// ClientFactory builds a model client for one user. Injected so tests can
// substitute a scripted model.
type ClientFactory func(apiKey, model string) llm.Client

// RegistryFactory builds a per-user tool registry, letting integration
// tools carry the user's own credentials. When unset the shared Registry
// serves every user.
type RegistryFactory func(p profile.Profile) *tools.Registry

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config       *configs.Manager
	Tasks        *task.Store
	Memories     *memory.Store
	Instructions *instruction.Store
	Events       *webhook.Store
	Profiles     *profile.Store
	CRM          *crm.Store
	Registry     *tools.Registry
	NewClient    ClientFactory
	NewRegistry  RegistryFactory
}

type Orchestrator struct {
	deps Deps
}

func New(deps Deps) *Orchestrator {
	if deps.NewClient == nil {
		deps.NewClient = func(apiKey, model string) llm.Client {
			return openai.NewClient(apiKey, model)
		}
	}
	return &Orchestrator{deps: deps}
}

// ProcessTask runs one model turn for the task. Terminal tasks are left
// untouched. Any failure is recorded on the task itself so the sweep never
// sees the same error twice without a trace.
func (o *Orchestrator) ProcessTask(ctx context.Context, userID, taskID string) error {
	t, err := o.deps.Tasks.GetTask(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if t.Terminal() || t.IsSuggestion {
		return nil
	}

	if err := o.deps.Tasks.AdvanceStatus(ctx, userID, taskID, task.StatusInProgress, "Processing with AI assistant"); err != nil {
		return err
	}

	owner, err := o.profileFor(ctx, userID)
	if err != nil {
		return o.failTask(ctx, userID, taskID, err)
	}
	client, err := o.clientFor(owner)
	if err != nil {
		return o.failTask(ctx, userID, taskID, err)
	}
	registry := o.registryFor(owner)

	prompt, err := o.buildTaskContext(ctx, t)
	if err != nil {
		return o.failTask(ctx, userID, taskID, err)
	}

	cfg := o.deps.Config.Get()
	resp, err := client.Chat(ctx, llm.ChatRequest{
		System:      systemPrompt(cfg.Agent.Name),
		User:        prompt,
		Tools:       registry.Defs(),
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return o.failTask(ctx, userID, taskID, err)
	}

	if len(resp.ToolCalls) > 0 {
		return o.applyToolCalls(ctx, userID, taskID, registry, resp)
	}
	return o.applyTextResponse(ctx, userID, taskID, resp.Content)
}

func (o *Orchestrator) applyToolCalls(ctx context.Context, userID, taskID string, registry *tools.Registry, resp llm.ChatResponse) error {
	results := make([]tools.Result, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		result := registry.Execute(ctx, tools.Call{
			UserID: userID,
			TaskID: taskID,
			Name:   call.Name,
			Args:   call.Arguments,
		})
		if result.Status != tools.ResultStatusSuccess {
			logger.Warn("[Agent] tool %s failed for task %s: %s", call.Name, taskID, result.Message)
		}
		results = append(results, result)
	}

	if err := o.deps.Tasks.MergeState(ctx, userID, taskID, map[string]interface{}{
		"tool_results":      results,
		"assistant_message": resp.Content,
	}); err != nil {
		return err
	}

	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Tool)
	}
	if _, err := o.deps.Tasks.AddStep(ctx, userID, taskID,
		"Executed tools: "+strings.Join(names, ", "), 0); err != nil {
		return err
	}

	// A tool may have finished the task; a live one stays in_progress so
	// the next sweep runs the follow-up turn.
	t, err := o.deps.Tasks.GetTask(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if t.Terminal() {
		return nil
	}
	nextAction := strings.TrimSpace(resp.Content)
	if nextAction == "" {
		nextAction = "Processing tool results"
	}
	return o.deps.Tasks.AdvanceStatus(ctx, userID, taskID, task.StatusInProgress, nextAction)
}

func (o *Orchestrator) applyTextResponse(ctx context.Context, userID, taskID, content string) error {
	if err := o.deps.Tasks.MergeState(ctx, userID, taskID, map[string]interface{}{
		"assistant_response": content,
	}); err != nil {
		return err
	}
	preview := content
	if len(preview) > 100 {
		preview = preview[:100]
	}
	if _, err := o.deps.Tasks.AddStep(ctx, userID, taskID, "AI Response: "+preview+"...", 0); err != nil {
		return err
	}
	if completionPattern.MatchString(content) {
		return o.deps.Tasks.CompleteTask(ctx, userID, taskID, content)
	}
	return o.deps.Tasks.AdvanceStatus(ctx, userID, taskID, task.StatusWaitingResponse, "Awaiting next action")
}

func (o *Orchestrator) failTask(ctx context.Context, userID, taskID string, cause error) error {
	msg := cause.Error()
	if mergeErr := o.deps.Tasks.MergeState(ctx, userID, taskID, map[string]interface{}{
		"error": msg,
	}); mergeErr != nil {
		logger.Error("[Agent] record error on task %s: %v", taskID, mergeErr)
	}
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	if advErr := o.deps.Tasks.AdvanceStatus(ctx, userID, taskID, task.StatusFailed, "Error: "+msg); advErr != nil {
		return advErr
	}
	return cause
}

// buildTaskContext assembles the user turn: task fields, the linked contact
// and triggering event, plan steps, accumulated state, and recent memories.
func (o *Orchestrator) buildTaskContext(ctx context.Context, t task.Task) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", t.Description)
	}
	fmt.Fprintf(&b, "Priority: %s\n", t.Priority)
	if t.DueAt > 0 {
		fmt.Fprintf(&b, "Due: %s\n", time.Unix(t.DueAt, 0).UTC().Format(time.RFC3339))
	}

	if t.ContactID != "" {
		o.writeContactContext(ctx, &b, t.UserID, t.ContactID)
	}
	if eventID := gjson.GetBytes(t.State, "event_id").String(); eventID != "" {
		o.writeEventContext(ctx, &b, t.UserID, eventID)
	}

	steps, err := o.deps.Tasks.ListSteps(ctx, t.UserID, t.ID)
	if err != nil {
		return "", err
	}
	if len(steps) > 0 {
		b.WriteString("\nPlan:\n")
		for _, step := range steps {
			fmt.Fprintf(&b, "  %d. [%s] %s\n", step.StepNumber, step.Status, step.Description)
		}
	}

	if len(t.State) > 0 && string(t.State) != "{}" {
		b.WriteString("\nWorkingState:\n")
		b.Write(t.State)
		b.WriteString("\n")
	}

	memories, err := o.deps.Memories.Recent(ctx, t.UserID, 5)
	if err != nil {
		return "", err
	}
	if len(memories) > 0 {
		b.WriteString("\nKnownFacts:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "  %s: %s\n", m.Key, m.Value)
		}
	}

	b.WriteString("\nContinue this task. Use tools when action is needed. Say the task is complete when it is done.")
	return b.String(), nil
}

// writeContactContext is best effort: a missing contact never blocks a turn.
func (o *Orchestrator) writeContactContext(ctx context.Context, b *strings.Builder, userID, contactID string) {
	c, err := o.deps.CRM.GetContact(ctx, userID, contactID)
	if err != nil {
		if !errors.Is(err, crm.ErrNotFound) {
			logger.Warn("[Agent] load contact %s: %v", contactID, err)
		}
		return
	}
	fmt.Fprintf(b, "\nContact: %s <%s>\n", c.Name, c.Email)
	if c.LastInteraction > 0 {
		fmt.Fprintf(b, "LastInteraction: %s\n", time.Unix(c.LastInteraction, 0).UTC().Format(time.RFC3339))
	}
	emails, err := o.deps.CRM.RecentEmails(ctx, userID, contactID, 5)
	if err != nil {
		logger.Warn("[Agent] load interactions for %s: %v", contactID, err)
		return
	}
	if len(emails) > 0 {
		b.WriteString("RecentEmails:\n")
		for _, e := range emails {
			fmt.Fprintf(b, "  %s: %s\n", time.Unix(e.ReceivedAt, 0).UTC().Format("2006-01-02"), e.Subject)
		}
	}
}

func (o *Orchestrator) writeEventContext(ctx context.Context, b *strings.Builder, userID, eventID string) {
	event, err := o.deps.Events.Get(ctx, userID, eventID)
	if err != nil {
		if !errors.Is(err, webhook.ErrNotFound) {
			logger.Warn("[Agent] load event %s: %v", eventID, err)
		}
		return
	}
	fmt.Fprintf(b, "\nTriggeringEvent: %s (%s)\n", event.Summary, event.EventType)
	fields := webhook.Extract(event.Source, event.Payload)
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(b, "  %s: %s\n", key, fields[key])
	}
}

func systemPrompt(agentName string) string {
	return fmt.Sprintf(
		"You are %s, an assistant for a financial advisor. You manage tasks over email, calendar, and the CRM. "+
			"Work strictly through the provided tools for any side effect. Keep replies short.",
		agentName,
	)
}

func (o *Orchestrator) profileFor(ctx context.Context, userID string) (profile.Profile, error) {
	p, err := o.deps.Profiles.Get(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return profile.Profile{UserID: userID}, nil
	}
	return p, err
}

func (o *Orchestrator) clientFor(p profile.Profile) (llm.Client, error) {
	cfg := o.deps.Config.Get()
	apiKey := p.LLMAPIKey
	if apiKey == "" {
		apiKey = os.Getenv(cfg.LLM.APIKeyEnv)
	}
	if apiKey == "" {
		return nil, llm.ErrNotConfigured
	}
	return o.deps.NewClient(apiKey, cfg.LLM.Model), nil
}

func (o *Orchestrator) canReachModel(ctx context.Context, userID string) bool {
	owner, err := o.profileFor(ctx, userID)
	if err != nil {
		return false
	}
	_, err = o.clientFor(owner)
	return err == nil
}

func (o *Orchestrator) registryFor(p profile.Profile) *tools.Registry {
	if o.deps.NewRegistry != nil {
		return o.deps.NewRegistry(p)
	}
	return o.deps.Registry
}

// CreateInstruction parses trigger tags and structured conditions out of
// the free text and stores the rule active. When the owner has a model
// available the heuristic conditions are refined through it; a refiner
// failure keeps the heuristic result.
func (o *Orchestrator) CreateInstruction(ctx context.Context, userID, name, text string) (instruction.Instruction, error) {
	tags, conditions := instruction.ParseTriggers(text)

	owner, err := o.profileFor(ctx, userID)
	if err != nil {
		return instruction.Instruction{}, err
	}
	if client, clientErr := o.clientFor(owner); clientErr == nil {
		refine := conditionRefiner(client)
		if refined, refineErr := refine(ctx, text, conditions); refineErr == nil && refined != nil {
			conditions = refined
		} else if refineErr != nil {
			logger.Warn("[Agent] condition refinement for %q: %v", name, refineErr)
		}
	}

	return o.deps.Instructions.Create(ctx, userID, name, text, tags, conditions)
}

// conditionRefiner asks the model to restate the instruction's trigger
// conditions as the structured condition document. Anything but a clean
// parse falls back to the heuristic input.
func conditionRefiner(client llm.Client) instruction.ConditionRefiner {
	return func(ctx context.Context, text string, parsed *instruction.Conditions) (*instruction.Conditions, error) {
		seed, err := json.Marshal(parsed)
		if err != nil {
			return parsed, err
		}
		resp, err := client.Chat(ctx, llm.ChatRequest{
			System: "You extract webhook trigger conditions from a standing instruction. " +
				"Reply with only a JSON object in the same shape as the draft, corrected to match the instruction.",
			User: fmt.Sprintf("Instruction: %s\n\nDraft conditions: %s", text, seed),
		})
		if err != nil {
			return parsed, err
		}
		body := strings.TrimSpace(resp.Content)
		if !gjson.Valid(body) {
			return parsed, nil
		}
		var refined instruction.Conditions
		if err := json.Unmarshal([]byte(body), &refined); err != nil {
			return parsed, nil
		}
		if refined.Empty() {
			return parsed, nil
		}
		refined.Version = instruction.ConditionsVersion
		return &refined, nil
	}
}

// ProcessWebhookEvent claims a received event, spawns one task per matching
// active instruction, and marks the event processed. Reclaiming an already
// handled event fails with ErrInvalidTransition and mutates nothing.
func (o *Orchestrator) ProcessWebhookEvent(ctx context.Context, event webhook.Event) error {
	if err := o.deps.Events.MarkProcessing(ctx, event.ID); err != nil {
		return err
	}

	active, err := o.deps.Instructions.ListActive(ctx, event.UserID)
	if err != nil {
		return o.failEvent(ctx, event.ID, err)
	}
	matched := instruction.Match(active, event.Source, event.EventType, event.Payload)
	var spawned []task.Task
	for _, inst := range matched {
		created, err := o.ExecuteInstruction(ctx, inst, event)
		if err != nil {
			return o.failEvent(ctx, event.ID, err)
		}
		spawned = append(spawned, created)
	}
	if len(matched) > 0 {
		logger.Info("[Agent] event %s matched %d instruction(s)", event.ID, len(matched))
	}
	if err := o.deps.Events.MarkProcessed(ctx, event.ID); err != nil {
		return err
	}

	// Spawned tasks run immediately when the owner can reach a model;
	// otherwise they stay pending for the sweep. A turn failure lands on
	// the task, not on the already processed event.
	if len(spawned) > 0 && o.canReachModel(ctx, event.UserID) {
		for _, spawnedTask := range spawned {
			if err := o.ProcessTask(ctx, spawnedTask.UserID, spawnedTask.ID); err != nil {
				logger.Error("[Agent] process spawned task %s: %v", spawnedTask.ID, err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) failEvent(ctx context.Context, eventID string, cause error) error {
	if markErr := o.deps.Events.MarkFailed(ctx, eventID, cause); markErr != nil {
		logger.Error("[Agent] mark event %s failed: %v", eventID, markErr)
	}
	return cause
}

// ExecuteInstruction spawns the task an instruction asked for, carrying the
// triggering event's summary into the task description.
func (o *Orchestrator) ExecuteInstruction(ctx context.Context, inst instruction.Instruction, event webhook.Event) (task.Task, error) {
	description := inst.Instruction
	if event.Summary != "" {
		description = fmt.Sprintf("%s\n\nTriggered by: %s", inst.Instruction, event.Summary)
	}
	created, err := o.deps.Tasks.CreateTask(ctx, task.CreateParams{
		UserID:      inst.UserID,
		Title:       "Auto: " + inst.Name,
		Description: description,
		Priority:    task.PriorityMedium,
	})
	if err != nil {
		return task.Task{}, err
	}
	if err := o.deps.Tasks.MergeState(ctx, inst.UserID, created.ID, map[string]interface{}{
		"instruction_id": inst.ID,
		"event_id":       event.ID,
		"event_type":     event.EventType,
	}); err != nil {
		return task.Task{}, err
	}
	if err := o.deps.Instructions.TouchLastTriggered(ctx, inst.UserID, inst.ID); err != nil {
		return task.Task{}, err
	}
	return o.deps.Tasks.GetTask(ctx, inst.UserID, created.ID)
}

// SuggestTasks drafts follow-up suggestions: one check-in per contact gone
// quiet, plus model-proposed tasks drawn from the upcoming calendar when the
// owner has a model available. The drafts stay out of the sweep until a user
// approves them.
func (o *Orchestrator) SuggestTasks(ctx context.Context, userID string, inactiveFor time.Duration, limit int) ([]task.Task, error) {
	cutoff := time.Now().Add(-inactiveFor)
	contacts, err := o.deps.CRM.InactiveContacts(ctx, userID, cutoff, limit)
	if err != nil {
		return nil, err
	}

	var suggestions []task.Task
	for _, c := range contacts {
		created, err := o.deps.Tasks.CreateTask(ctx, task.CreateParams{
			UserID:       userID,
			Title:        fmt.Sprintf("Reach out to %s", c.Name),
			Description:  fmt.Sprintf("No interaction with %s (%s) recently. Consider a check-in.", c.Name, c.Email),
			Priority:     task.PriorityLow,
			ContactID:    c.ContactID,
			IsSuggestion: true,
		})
		if err != nil {
			return nil, err
		}
		suggestions = append(suggestions, created)
	}

	extra, err := o.modelSuggestions(ctx, userID, contacts, limit-len(suggestions))
	if err != nil {
		logger.Warn("[Agent] model suggestions for %s: %v", userID, err)
		return suggestions, nil
	}
	return append(suggestions, extra...), nil
}

// modelSuggestions asks the model for preparation tasks based on the next
// week's calendar and the quiet contacts. An owner without a model, or a
// reply that is not the requested JSON array, yields nothing.
func (o *Orchestrator) modelSuggestions(ctx context.Context, userID string, quiet []crm.Contact, budget int) ([]task.Task, error) {
	if budget <= 0 {
		return nil, nil
	}
	owner, err := o.profileFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	client, err := o.clientFor(owner)
	if err != nil {
		return nil, nil
	}

	now := time.Now()
	events, err := o.deps.CRM.UpcomingEvents(ctx, userID, now, now.Add(7*24*time.Hour))
	if err != nil {
		return nil, err
	}

	var digest strings.Builder
	digest.WriteString("UpcomingEvents:\n")
	for _, e := range events {
		fmt.Fprintf(&digest, "  %s at %s\n", e.Title, time.Unix(e.StartTime, 0).UTC().Format(time.RFC3339))
	}
	digest.WriteString("QuietContacts:\n")
	for _, c := range quiet {
		fmt.Fprintf(&digest, "  %s <%s>\n", c.Name, c.Email)
	}

	resp, err := client.Chat(ctx, llm.ChatRequest{
		System: "You propose preparation tasks for a financial advisor. " +
			"Reply with only a JSON array of objects with \"title\" and \"description\" fields. " +
			"Propose at most " + fmt.Sprint(budget) + " tasks, or an empty array.",
		User: digest.String(),
	})
	if err != nil {
		return nil, err
	}

	body := strings.TrimSpace(resp.Content)
	parsed := gjson.Parse(body)
	if !gjson.Valid(body) || !parsed.IsArray() {
		return nil, nil
	}

	var drafts []task.Task
	for _, item := range parsed.Array() {
		if len(drafts) >= budget {
			break
		}
		title := strings.TrimSpace(item.Get("title").String())
		if title == "" {
			continue
		}
		created, err := o.deps.Tasks.CreateTask(ctx, task.CreateParams{
			UserID:       userID,
			Title:        title,
			Description:  item.Get("description").String(),
			Priority:     task.PriorityLow,
			IsSuggestion: true,
		})
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, created)
	}
	return drafts, nil
}

// ApproveSuggestedTask promotes a draft suggestion into the processable
// pending pool.
func (o *Orchestrator) ApproveSuggestedTask(ctx context.Context, userID, taskID string) error {
	return o.deps.Tasks.ApproveSuggestion(ctx, userID, taskID)
}

// RecordToolResults is used by interactive surfaces to append externally
// produced results to a task's working state.
func (o *Orchestrator) RecordToolResults(ctx context.Context, userID, taskID string, results []tools.Result) error {
	data, err := json.Marshal(results)
	if err != nil {
		return err
	}
	return o.deps.Tasks.MergeState(ctx, userID, taskID, map[string]interface{}{
		"tool_results": json.RawMessage(data),
	})
}
