package api

import "net/http"

type schedulerStatusResponse struct {
	Running   bool `json:"running"`
	TaskCount int  `json:"task_count"`
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, schedulerStatusResponse{
		Running:   s.scheduler.Running(),
		TaskCount: len(s.scheduler.List()),
	})
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Start()
	writeJSON(w, http.StatusOK, schedulerStatusResponse{
		Running:   s.scheduler.Running(),
		TaskCount: len(s.scheduler.List()),
	})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Stop()
	writeJSON(w, http.StatusOK, schedulerStatusResponse{
		Running:   s.scheduler.Running(),
		TaskCount: len(s.scheduler.List()),
	})
}
