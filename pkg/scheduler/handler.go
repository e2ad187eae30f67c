package scheduler

import (
	"encoding/json"
	"net/http"

	"github.com/homeshift/homeshift/pkg/service"
)

type registerRequest struct {
	URI string `json:"uri"`
}

// Handler serves the scheduler's remote interface. Task registration stays
// open so tasks can self-register; pause and resume are operator endpoints
// and go through auth when one is configured.
func (s *Scheduler) Handler(auth *service.Auth) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/register", s.handleRegister)
	mux.HandleFunc("POST /api/tasks/unregister", s.handleUnregister)
	mux.HandleFunc("GET /api/paused", s.handlePaused)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	pause := http.HandlerFunc(s.handlePause)
	resume := http.HandlerFunc(s.handleResume)
	if auth != nil {
		mux.Handle("POST /api/pause", auth.Middleware(pause))
		mux.Handle("POST /api/resume", auth.Middleware(resume))
	} else {
		mux.Handle("POST /api/pause", pause)
		mux.Handle("POST /api/resume", resume)
	}
	return mux
}

func (s *Scheduler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		service.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URI == "" {
		service.WriteJSONError(w, "uri is required", http.StatusBadRequest)
		return
	}
	s.RegisterTask(req.URI)
	service.WriteJSON(w, struct{}{})
}

func (s *Scheduler) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		service.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URI == "" {
		service.WriteJSONError(w, "uri is required", http.StatusBadRequest)
		return
	}
	s.UnregisterTask(req.URI)
	service.WriteJSON(w, struct{}{})
}

func (s *Scheduler) handlePaused(w http.ResponseWriter, r *http.Request) {
	service.WriteJSON(w, struct {
		Paused bool `json:"paused"`
	}{Paused: s.IsOnPause()})
}

func (s *Scheduler) handleStatus(w http.ResponseWriter, r *http.Request) {
	service.WriteJSON(w, s.Status())
}

func (s *Scheduler) handlePause(w http.ResponseWriter, r *http.Request) {
	s.Pause(r.Context())
	service.WriteJSON(w, struct{}{})
}

func (s *Scheduler) handleResume(w http.ResponseWriter, r *http.Request) {
	s.Resume(r.Context())
	service.WriteJSON(w, struct{}{})
}
