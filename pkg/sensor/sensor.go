// Package sensor defines how power readings move around the system: a
// Reader produces records at a requested scale, a Handler serves a Reader
// over HTTP, and a Client is a Reader backed by a remote Handler.
package sensor

import (
	"context"
	"errors"
	"net/http"

	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// ErrNoData is returned when a sensor has nothing to report yet, for
// example a meter that has not completed its first poll.
var ErrNoData = errors.New("no record available")

// Reader produces power records. Implementations must return ErrNoData
// (possibly wrapped) when no record exists for the requested scale.
type Reader interface {
	Read(ctx context.Context, scale types.RecordScale) (types.Record, error)
}

// Handler serves r over HTTP:
//
//	GET /api/read?scale=second|minute|day
//	GET /api/units?scale=second|minute|day
func Handler(r Reader) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/read", func(w http.ResponseWriter, req *http.Request) {
		scale, err := types.ParseScale(req.URL.Query().Get("scale"))
		if err != nil {
			service.WriteJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec, err := r.Read(req.Context(), scale)
		if err != nil {
			if errors.Is(err, ErrNoData) {
				service.WriteJSONError(w, "no record available", http.StatusNotFound)
				return
			}
			service.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		service.WriteJSON(w, rec)
	})
	mux.HandleFunc("GET /api/units", func(w http.ResponseWriter, req *http.Request) {
		scale, err := types.ParseScale(req.URL.Query().Get("scale"))
		if err != nil {
			service.WriteJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		service.WriteJSON(w, struct {
			Units string `json:"units"`
		}{Units: scale.Units()})
	})
	return mux
}
