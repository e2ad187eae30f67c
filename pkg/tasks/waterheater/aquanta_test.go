package waterheater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type aquantaServer struct {
	mtx           sync.Mutex
	logins        int
	waterRequests int
	modeRequests  int
	token         string
	mode          string
	schedules     []aquantaSchedule
	boosts        []aquantaOverride
	aways         []aquantaOverride
}

func (s *aquantaServer) handler(t *testing.T) http.Handler {
	authorized := func(r *http.Request) bool {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return r.Header.Get("Authorization") == "Bearer "+s.token
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "me@example.com", body["email"])
		assert.Equal(t, "hunter2", body["password"])
		s.mtx.Lock()
		s.logins++
		s.token = fmt.Sprintf("tok%d", s.logins)
		token := s.token
		s.mtx.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	mux.HandleFunc("GET /devices/7/water", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		s.mtx.Lock()
		s.waterRequests++
		s.mtx.Unlock()
		_, _ = w.Write([]byte(`{"temperature": 45.5, "available": 0.82}`))
	})
	mux.HandleFunc("GET /devices/7/infocenter", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		s.mtx.Lock()
		s.modeRequests++
		mode := s.mode
		s.mtx.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"currentMode": map[string]string{"type": mode}})
	})
	mux.HandleFunc("GET /devices/7/timer", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		s.mtx.Lock()
		schedules := s.schedules
		s.mtx.Unlock()
		_ = json.NewEncoder(w).Encode(aquantaTimer{Schedules: schedules})
	})
	mux.HandleFunc("PUT /devices/7/boost", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		var body aquantaOverride
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		s.mtx.Lock()
		s.boosts = append(s.boosts, body)
		s.mode = ModeBoost
		s.mtx.Unlock()
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc("DELETE /devices/7/boost", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		s.mtx.Lock()
		s.mode = ModeTimer
		s.mtx.Unlock()
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc("PUT /devices/7/away", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		var body aquantaOverride
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		s.mtx.Lock()
		s.aways = append(s.aways, body)
		s.mode = ModeAway
		s.mtx.Unlock()
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc("DELETE /devices/7/away", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		s.mtx.Lock()
		s.mode = ModeTimer
		s.mtx.Unlock()
		_, _ = w.Write([]byte("{}"))
	})
	return mux
}

func TestAquantaReadsAndAuth(t *testing.T) {
	state := &aquantaServer{mode: ModeTimer}
	srv := httptest.NewServer(state.handler(t))
	defer srv.Close()

	a := NewAquanta(srv.URL, "me@example.com", "hunter2", 7)
	ctx := context.Background()

	ws, err := a.Water(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 45.5, ws.Temperature, 1e-9)
	assert.InDelta(t, 0.82, ws.Available, 1e-9)

	mode, err := a.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeTimer, mode)

	// Repeat reads come from the cache, one login serves them all.
	_, err = a.Water(ctx)
	require.NoError(t, err)
	_, err = a.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.waterRequests)
	assert.Equal(t, 1, state.modeRequests)
	assert.Equal(t, 1, state.logins)
}

func TestAquantaReauthenticatesOnExpiredToken(t *testing.T) {
	state := &aquantaServer{mode: ModeTimer}
	srv := httptest.NewServer(state.handler(t))
	defer srv.Close()

	a := NewAquanta(srv.URL, "me@example.com", "hunter2", 7)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, a.Boost(ctx, now, now.Add(time.Hour)))
	assert.Equal(t, 1, state.logins)

	// Invalidate the token server-side; the next call must log in again.
	state.mtx.Lock()
	state.token = "revoked"
	state.mtx.Unlock()

	require.NoError(t, a.CancelBoost(ctx))
	assert.Equal(t, 2, state.logins)
	assert.Len(t, state.boosts, 1)
}

func TestAquantaModeCacheDropsOnOverride(t *testing.T) {
	state := &aquantaServer{mode: ModeTimer}
	srv := httptest.NewServer(state.handler(t))
	defer srv.Close()

	a := NewAquanta(srv.URL, "me@example.com", "hunter2", 7)
	ctx := context.Background()

	mode, err := a.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeTimer, mode)

	// An override invalidates the cached mode right away.
	now := time.Now()
	require.NoError(t, a.Away(ctx, now, now.Add(time.Hour)))
	mode, err = a.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeAway, mode)
	assert.Equal(t, 2, state.modeRequests)

	require.Len(t, state.aways, 1)
	start, err := time.Parse(time.RFC3339, state.aways[0].Start)
	require.NoError(t, err)
	assert.WithinDuration(t, now, start, time.Second)
	end, err := time.Parse(time.RFC3339, state.aways[0].End)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), end, time.Second)
}

func TestAquantaOnWindows(t *testing.T) {
	now := time.Now()
	today := int(now.Weekday())
	state := &aquantaServer{mode: ModeTimer, schedules: []aquantaSchedule{
		{
			// Evening window listed first to exercise sorting.
			DaysOfWeek: []int{today},
			Start:      aquantaTimeOfDay{Hour: 20},
			End:        aquantaTimeOfDay{Hour: 21, Minute: 30},
		},
		{
			DaysOfWeek: []int{0, 1, 2, 3, 4, 5, 6},
			Start:      aquantaTimeOfDay{Hour: 6},
			End:        aquantaTimeOfDay{Hour: 8},
		},
		{
			// Other days only.
			DaysOfWeek: []int{(today + 1) % 7},
			Start:      aquantaTimeOfDay{Hour: 12},
			End:        aquantaTimeOfDay{Hour: 13},
		},
		{
			// Overnight windows are ignored.
			DaysOfWeek: []int{today},
			Start:      aquantaTimeOfDay{Hour: 22},
			End:        aquantaTimeOfDay{Hour: 5},
		},
	}}
	srv := httptest.NewServer(state.handler(t))
	defer srv.Close()

	a := NewAquanta(srv.URL, "me@example.com", "hunter2", 7)
	windows, err := a.OnWindows(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, windows, 2)

	day := func(hour, minute int) time.Time {
		return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	}
	assert.True(t, windows[0].Start.Equal(day(6, 0)))
	assert.True(t, windows[0].End.Equal(day(8, 0)))
	assert.True(t, windows[1].Start.Equal(day(20, 0)))
	assert.True(t, windows[1].End.Equal(day(21, 30)))
}
