package api

import (
	"errors"
	"net/http"
	"time"

	"sftpsched/internal/core"
	"sftpsched/internal/history"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Status      string  `json:"status"`
	ScheduledAt string  `json:"scheduled_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	EndedAt     *string `json:"ended_at,omitempty"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "not_found", "run history disabled")
		return
	}
	runID := chi.URLParam(r, "runID")
	run, err := s.history.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, ok := s.scheduler.Get(taskID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, []runResponse{})
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	runs, err := s.history.ListRuns(r.Context(), taskID, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func runToResponse(run *core.Run) runResponse {
	var started, ended *string
	if run.StartedAt != nil {
		formatted := run.StartedAt.UTC().Format(time.RFC3339)
		started = &formatted
	}
	if run.EndedAt != nil {
		formatted := run.EndedAt.UTC().Format(time.RFC3339)
		ended = &formatted
	}
	return runResponse{
		ID:          run.ID,
		TaskID:      run.TaskID,
		Status:      string(run.Status),
		ScheduledAt: run.ScheduledAt.UTC().Format(time.RFC3339),
		StartedAt:   started,
		EndedAt:     ended,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt.UTC().Format(time.RFC3339),
	}
}
