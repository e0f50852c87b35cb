// Package http exposes the webhook ingress and a small task API over a
// chi router.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"

	configs "advisor0/app/configs"
	"advisor0/app/core/agent"
	"advisor0/app/core/orchestrator/profile"
	"advisor0/app/core/orchestrator/task"
	"advisor0/app/core/orchestrator/tools"
	"advisor0/app/core/orchestrator/webhook"
	"advisor0/app/pkg/logger"
)

const maxPayloadBytes = 1 << 20

type Server struct {
	cfg        *configs.Manager
	orch       *agent.Orchestrator
	tasks      *task.Store
	profiles   *profile.Store
	events     *webhook.Store
	httpServer *http.Server
}

func NewServer(cfg *configs.Manager, orch *agent.Orchestrator, tasks *task.Store, profiles *profile.Store, events *webhook.Store) *Server {
	return &Server{
		cfg:      cfg,
		orch:     orch,
		tasks:    tasks,
		profiles: profiles,
		events:   events,
	}
}

// Handler builds the router. Exposed separately so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/webhooks/{source}", s.handleWebhookVerify)
	r.Post("/webhooks/{source}", s.handleWebhookReceive)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)
		r.Get("/{taskID}", s.handleGetTask)
		r.Post("/{taskID}/approve", s.handleApproveTask)
		r.Post("/{taskID}/results", s.handleRecordResults)
	})
	r.Get("/suggestions", s.handleListSuggestions)
	r.Post("/suggestions/generate", s.handleGenerateSuggestions)
	r.Post("/instructions", s.handleCreateInstruction)

	return r
}

func (s *Server) Start() error {
	port := s.cfg.Get().HTTP.Port
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("[HTTP] listening on :%d", port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// handleWebhookVerify answers provider handshakes. Hub-style challenges are
// echoed back verbatim; otherwise the verify token is checked.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if !webhook.IsValidSource(source) {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}
	if challenge := r.URL.Query().Get("hub.challenge"); challenge != "" {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, challenge)
		return
	}
	token := r.URL.Query().Get("token")
	expected := s.cfg.Get().HTTP.WebhookToken
	if expected == "" || token != expected {
		http.Error(w, "invalid verification token", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleWebhookReceive(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if !webhook.IsValidSource(source) {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !gjson.ValidBytes(payload) {
		http.Error(w, "payload must be JSON", http.StatusBadRequest)
		return
	}

	email := ownerEmail(source, payload)
	if email == "" {
		http.Error(w, "no owner address in payload", http.StatusNotFound)
		return
	}
	owner, err := s.profiles.ResolveByEmail(r.Context(), email)
	if errors.Is(err, profile.ErrNotFound) {
		http.Error(w, "unknown owner", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "resolve owner", http.StatusInternalServerError)
		return
	}

	event, err := s.events.Record(r.Context(), owner.UserID, source, payload)
	if err != nil {
		logger.Error("[HTTP] record %s event: %v", source, err)
		http.Error(w, "record event", http.StatusInternalServerError)
		return
	}

	// Process inline; the sweep's claim step makes the race with it safe.
	if err := s.orch.ProcessWebhookEvent(r.Context(), event); err != nil {
		logger.Error("[HTTP] process event %s: %v", event.ID, err)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"event_id": event.ID})
}

// ownerEmail digs the owning mailbox out of a provider payload.
func ownerEmail(source string, payload []byte) string {
	var paths []string
	switch source {
	case webhook.SourceGmail:
		paths = []string{"emailAddress", "to", "message.to", "account"}
	case webhook.SourceCalendar:
		paths = []string{"calendarId", "organizer.email", "owner"}
	case webhook.SourceHubspot:
		paths = []string{"ownerEmail", "portalEmail", "owner"}
	}
	for _, p := range paths {
		if v := gjson.GetBytes(payload, p).String(); v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.tasks.ListByUser(r.Context(), userID, status, limit)
	if err != nil {
		http.Error(w, "list tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": taskViews(items)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
		DueAt       int64  `json:"due_at"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadBytes)).Decode(&req); err != nil {
		http.Error(w, "decode body", http.StatusBadRequest)
		return
	}
	created, err := s.tasks.CreateTask(r.Context(), task.CreateParams{
		UserID:      req.UserID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		DueAt:       req.DueAt,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, taskView(created))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	taskID := chi.URLParam(r, "taskID")
	t, err := s.tasks.GetTask(r.Context(), userID, taskID)
	if errors.Is(err, task.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get task", http.StatusInternalServerError)
		return
	}
	steps, err := s.tasks.ListSteps(r.Context(), userID, taskID)
	if err != nil {
		http.Error(w, "list steps", http.StatusInternalServerError)
		return
	}

	view := taskView(t)
	stepViews := make([]map[string]interface{}, 0, len(steps))
	for _, step := range steps {
		stepViews = append(stepViews, map[string]interface{}{
			"step_number": step.StepNumber,
			"description": step.Description,
			"status":      step.Status,
			"result":      step.Result,
		})
	}
	view["steps"] = stepViews
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	taskID := chi.URLParam(r, "taskID")
	err := s.orch.ApproveSuggestedTask(r.Context(), userID, taskID)
	if errors.Is(err, task.ErrNotFound) {
		http.Error(w, "suggestion not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "approve suggestion", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "status": task.StatusPending})
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	items, err := s.tasks.ListSuggestions(r.Context(), userID)
	if err != nil {
		http.Error(w, "list suggestions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": taskViews(items)})
}

// handleGenerateSuggestions runs the suggestion engine on demand: check-in
// drafts for quiet contacts plus model-proposed tasks.
func (s *Server) handleGenerateSuggestions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"user_id"`
		InactiveDays int    `json:"inactive_days"`
		Limit        int    `json:"limit"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadBytes)).Decode(&req); err != nil {
		http.Error(w, "decode body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.InactiveDays <= 0 {
		req.InactiveDays = 30
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	drafts, err := s.orch.SuggestTasks(r.Context(),
		req.UserID, time.Duration(req.InactiveDays)*24*time.Hour, req.Limit)
	if err != nil {
		http.Error(w, "generate suggestions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"suggestions": taskViews(drafts)})
}

// handleRecordResults lets an external executor report tool results onto a
// task's working state.
func (s *Server) handleRecordResults(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	taskID := chi.URLParam(r, "taskID")
	var req struct {
		Results []tools.Result `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadBytes)).Decode(&req); err != nil {
		http.Error(w, "decode body", http.StatusBadRequest)
		return
	}
	if len(req.Results) == 0 {
		http.Error(w, "results are required", http.StatusBadRequest)
		return
	}
	err := s.orch.RecordToolResults(r.Context(), userID, taskID, req.Results)
	if errors.Is(err, task.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "record results", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "recorded": len(req.Results)})
}

func (s *Server) handleCreateInstruction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		Name        string `json:"name"`
		Instruction string `json:"instruction"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadBytes)).Decode(&req); err != nil {
		http.Error(w, "decode body", http.StatusBadRequest)
		return
	}
	inst, err := s.orch.CreateInstruction(r.Context(), req.UserID, req.Name, req.Instruction)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       inst.ID,
		"name":     inst.Name,
		"status":   inst.Status,
		"triggers": inst.Triggers,
	})
}

func taskViews(items []task.Task) []map[string]interface{} {
	views := make([]map[string]interface{}, 0, len(items))
	for _, t := range items {
		views = append(views, taskView(t))
	}
	return views
}

func taskView(t task.Task) map[string]interface{} {
	return map[string]interface{}{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"status":      t.Status,
		"priority":    t.Priority,
		"progress":    t.Progress,
		"next_action": t.NextAction,
		"state":       json.RawMessage(t.State),
		"created_at":  t.CreatedAt,
		"updated_at":  t.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("[HTTP] encode response: %v", err)
	}
}
