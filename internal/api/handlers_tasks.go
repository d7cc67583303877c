package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sftpsched/internal/core"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	Type            string `json:"task_type"`
	Source          string `json:"source_path"`
	Destination     string `json:"dest_path"`
	ScheduledTime   string `json:"scheduled_time"`
	Recurring       bool   `json:"recurring"`
	IntervalMinutes int    `json:"interval_minutes"`
}

type taskResponse struct {
	ID              string  `json:"task_id"`
	Type            string  `json:"task_type"`
	Source          string  `json:"source_path"`
	Destination     string  `json:"dest_path,omitempty"`
	ScheduledTime   string  `json:"scheduled_time"`
	Recurring       bool    `json:"recurring"`
	IntervalMinutes int     `json:"interval_minutes"`
	Status          string  `json:"status"`
	LastRun         *string `json:"last_run,omitempty"`
	NextRun         string  `json:"next_run"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	var scheduledAt time.Time
	if trimmed := strings.TrimSpace(req.ScheduledTime); trimmed != "" {
		parsed, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "scheduled_time must be RFC 3339")
			return
		}
		scheduledAt = parsed.UTC()
	}

	task, err := core.NewTask(core.TaskKind(req.Type), req.Source, req.Destination, scheduledAt, req.Recurring, req.IntervalMinutes)
	if err != nil {
		if errors.Is(err, core.ErrInvalidTask) {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		s.logger.Error("create task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create task")
		return
	}

	if err := s.scheduler.Add(task); err != nil {
		s.logger.Error("add task", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store task")
		return
	}

	writeJSON(w, http.StatusCreated, taskToResponse(*task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.TaskStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		switch st {
		case core.TaskStatusPending, core.TaskStatusRunning, core.TaskStatusCompleted,
			core.TaskStatusFailed, core.TaskStatusCancelled:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status filter")
			return
		}
	}

	tasks := s.scheduler.List()
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		if statusFilter != nil && t.Status != *statusFilter {
			continue
		}
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, ok := s.scheduler.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	removed, err := s.scheduler.Remove(taskID)
	if err != nil {
		s.logger.Error("delete task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, ok, err := s.scheduler.RunNow(taskID)
	if err != nil {
		s.logger.Error("rearm task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to rearm task")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, taskToResponse(task))
}

func taskToResponse(task core.Task) taskResponse {
	var last *string
	if task.LastRun != nil {
		formatted := task.LastRun.UTC().Format(time.RFC3339)
		last = &formatted
	}
	return taskResponse{
		ID:              task.ID,
		Type:            string(task.Kind),
		Source:          task.Source,
		Destination:     task.Destination,
		ScheduledTime:   task.ScheduledAt.UTC().Format(time.RFC3339),
		Recurring:       task.Recurring,
		IntervalMinutes: task.IntervalMinutes,
		Status:          string(task.Status),
		LastRun:         last,
		NextRun:         task.NextRun.UTC().Format(time.RFC3339),
		ErrorMessage:    task.ErrorMessage,
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
