package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskpilot/internal/core"
	"taskpilot/internal/nlparse"
	"taskpilot/internal/service"
	"taskpilot/internal/store"
)

// createTaskRequest accepts either free text or an explicit trigger and action.
type createTaskRequest struct {
	UserID     string        `json:"user_id"`
	Text       string        `json:"text"`
	Name       string        `json:"name"`
	Trigger    *core.Trigger `json:"trigger"`
	Action     *core.Action  `json:"action"`
	MaxRetries *int          `json:"max_retries"`
}

type scheduledResponse struct {
	Task       *core.Task `json:"task"`
	Confidence float64    `json:"confidence"`
	Rule       string     `json:"rule"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "user_id is required")
		return
	}

	if text := strings.TrimSpace(req.Text); text != "" {
		res, err := s.tasks.Schedule(r.Context(), req.UserID, text)
		if err != nil {
			s.writeServiceError(w, err, &res)
			return
		}
		writeJSON(w, http.StatusCreated, scheduledResponse{Task: res.Task, Confidence: res.Confidence, Rule: res.Rule})
		return
	}

	if req.Trigger == nil || req.Action == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "either text or trigger and action are required")
		return
	}
	task, err := s.tasks.Create(r.Context(), service.NewTask{
		UserID:     req.UserID,
		Name:       req.Name,
		Trigger:    *req.Trigger,
		Action:     *req.Action,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		UserID: strings.TrimSpace(q.Get("user_id")),
		Status: core.TaskStatus(strings.TrimSpace(q.Get("status"))),
		Limit:  parseIntDefault(q.Get("limit"), 0),
		Offset: parseIntDefault(q.Get("offset"), 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown status filter")
		return
	}
	tasks, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	if tasks == nil {
		tasks = []*core.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleDeleteTask cancels the task. With ?purge=true the task and its
// history are removed instead.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
		if err := s.tasks.Delete(r.Context(), taskID); err != nil {
			s.writeServiceError(w, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.handleDisableTask(w, r)
}

func (s *Server) handleDisableTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Cancel(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleEnableTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Enable(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.tasks.RunNow(r.Context(), taskID); err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "started"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := s.tasks.History(r.Context(), chi.URLParam(r, "taskID"),
		parseIntDefault(q.Get("limit"), 20), parseIntDefault(q.Get("offset"), 0))
	if err != nil {
		s.writeServiceError(w, err, nil)
		return
	}
	if records == nil {
		records = []*core.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// writeServiceError maps domain errors onto HTTP statuses. A failed parse
// result is echoed so clients can show the suggested phrasings.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, res *nlparse.Result) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, service.ErrUnparseable):
		if res != nil {
			writeJSON(w, http.StatusUnprocessableEntity, res)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "unparseable", err.Error())
	case errors.Is(err, core.ErrInvalidTrigger), errors.Is(err, core.ErrNoMoreRuns):
		writeError(w, http.StatusBadRequest, "invalid_trigger", err.Error())
	case errors.Is(err, core.ErrInvalidAction), errors.Is(err, core.ErrUnknownActionType):
		writeError(w, http.StatusBadRequest, "invalid_action", err.Error())
	case errors.Is(err, core.ErrClaimConflict):
		writeError(w, http.StatusConflict, "conflict", "task is already running")
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, core.ErrNotRunnable):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, core.ErrPoolSaturated):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "busy", "all workers are busy, retry shortly")
	default:
		s.logger.Error("api request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
