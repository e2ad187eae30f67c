// Package registry is the name service the rest of the system finds its
// peers through. Tasks, sensors, and services register a name (qualified by
// the task./sensor./service. prefixes) pointing at their base URL, and
// re-register periodically so the registry self-heals across restarts.
package registry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/service"
)

// Name prefixes. Every registered name carries exactly one of these so
// listing by kind is a prefix scan.
const (
	TaskPrefix    = "task."
	SensorPrefix  = "sensor."
	ServicePrefix = "service."
)

// TaskName qualifies a bare task name.
func TaskName(name string) string {
	return TaskPrefix + name
}

// SensorName qualifies a bare sensor name.
func SensorName(name string) string {
	return SensorPrefix + name
}

// ServiceName qualifies a bare service name.
func ServiceName(name string) string {
	return ServicePrefix + name
}

// Registry is the in-memory name table and its HTTP API. Registration is
// idempotent: registering an existing name overwrites its URI.
type Registry struct {
	mtx   sync.RWMutex
	names map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{names: make(map[string]string)}
}

// Register points name at uri, replacing any previous registration.
func (r *Registry) Register(name, uri string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.names[name] = uri
}

// Unregister removes name. Removing an unknown name is not an error.
func (r *Registry) Unregister(name string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.names, name)
}

// Lookup returns the URI registered for name.
func (r *Registry) Lookup(name string) (string, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	uri, ok := r.names[name]
	return uri, ok
}

// List returns the names matching prefix, sorted.
func (r *Registry) List(prefix string) []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var names []string
	for name := range r.names {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Handler returns the registry's HTTP API.
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", r.handleRegister)
	mux.HandleFunc("POST /api/unregister", r.handleUnregister)
	mux.HandleFunc("GET /api/lookup", r.handleLookup)
	mux.HandleFunc("GET /api/list", r.handleList)
	return mux
}

type registration struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

func (r *Registry) handleRegister(w http.ResponseWriter, req *http.Request) {
	var reg registration
	if err := json.NewDecoder(req.Body).Decode(&reg); err != nil {
		service.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if reg.Name == "" || reg.URI == "" {
		service.WriteJSONError(w, "name and uri are required", http.StatusBadRequest)
		return
	}
	if _, ok := r.Lookup(reg.Name); !ok {
		log.Ctx(req.Context()).InfoContext(req.Context(), "registered",
			slog.String("name", reg.Name),
			slog.String("uri", reg.URI))
	}
	r.Register(reg.Name, reg.URI)
	service.WriteJSON(w, struct{}{})
}

func (r *Registry) handleUnregister(w http.ResponseWriter, req *http.Request) {
	var reg registration
	if err := json.NewDecoder(req.Body).Decode(&reg); err != nil {
		service.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if reg.Name == "" {
		service.WriteJSONError(w, "name is required", http.StatusBadRequest)
		return
	}
	log.Ctx(req.Context()).InfoContext(req.Context(), "unregistered", slog.String("name", reg.Name))
	r.Unregister(reg.Name)
	service.WriteJSON(w, struct{}{})
}

func (r *Registry) handleLookup(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("name")
	uri, ok := r.Lookup(name)
	if !ok {
		service.WriteJSONError(w, "name not registered", http.StatusNotFound)
		return
	}
	service.WriteJSON(w, registration{Name: name, URI: uri})
}

func (r *Registry) handleList(w http.ResponseWriter, req *http.Request) {
	names := r.List(req.URL.Query().Get("prefix"))
	if names == nil {
		names = []string{}
	}
	service.WriteJSON(w, struct {
		Names []string `json:"names"`
	}{Names: names})
}
