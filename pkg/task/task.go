// Package task defines the contract between the scheduler and the loads it
// manages. A Task lives in its own service; the scheduler holds a Client
// proxy for it and only ever talks through this interface.
package task

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// Task is one schedulable load. Start and Stop must return promptly, are
// idempotent, and only request the transition: whether the load actually
// changed state is observable later through IsRunning. Details may change
// between calls (priority tracks urgency, auto-adjust tasks resize power).
type Task interface {
	Details(ctx context.Context) (types.TaskDetails, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunnable(ctx context.Context) (bool, error)
	IsRunning(ctx context.Context) (bool, error)
	IsStoppable(ctx context.Context) (bool, error)
	// MeetsRunningCriteria reports whether ratio (the fraction of the
	// task's declared power that surplus could cover) and power (the
	// draw measured on the task's channels) are acceptable to keep
	// running, or to start when the task is stopped.
	MeetsRunningCriteria(ctx context.Context, ratio, power float64) (bool, error)
	// Desc returns a one-line human summary of the load's state.
	Desc(ctx context.Context) (string, error)
}

// Handler serves t over HTTP in the shape Client expects.
func Handler(t Task) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/details", func(w http.ResponseWriter, r *http.Request) {
		d, err := t.Details(r.Context())
		if err != nil {
			service.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		service.WriteJSON(w, d)
	})
	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, r *http.Request) {
		if err := t.Start(r.Context()); err != nil {
			service.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		service.WriteJSON(w, struct{}{})
	})
	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := t.Stop(r.Context()); err != nil {
			service.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		service.WriteJSON(w, struct{}{})
	})
	mux.HandleFunc("GET /api/runnable", boolHandler(t.IsRunnable))
	mux.HandleFunc("GET /api/running", boolHandler(t.IsRunning))
	mux.HandleFunc("GET /api/stoppable", boolHandler(t.IsStoppable))
	mux.HandleFunc("GET /api/desc", func(w http.ResponseWriter, r *http.Request) {
		desc, err := t.Desc(r.Context())
		if err != nil {
			service.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		service.WriteJSON(w, descResponse{Desc: desc})
	})
	mux.HandleFunc("POST /api/meetRunningCriteria", func(w http.ResponseWriter, r *http.Request) {
		var req criteriaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			service.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		met, err := t.MeetsRunningCriteria(r.Context(), req.Ratio, req.Power)
		if err != nil {
			service.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		service.WriteJSON(w, boolResponse{Value: met})
	})
	return mux
}

type criteriaRequest struct {
	Ratio float64 `json:"ratio"`
	Power float64 `json:"power"`
}

type boolResponse struct {
	Value bool `json:"value"`
}

type descResponse struct {
	Desc string `json:"desc"`
}

func boolHandler(f func(context.Context) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := f(r.Context())
		if err != nil {
			service.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		service.WriteJSON(w, boolResponse{Value: v})
	}
}
