package evse

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wallboxServer struct {
	mtx            sync.Mutex
	logins         int
	statusRequests int
	token          string
	lastAmps       int
	actions        []int
}

func (s *wallboxServer) handler(t *testing.T) http.Handler {
	expectedBasic := "Basic " + base64.StdEncoding.EncodeToString(
		[]byte("me@example.com:"+md5hex("hunter2")))

	authorized := func(r *http.Request) bool {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return r.Header.Get("Authorization") == "Bearer "+s.token
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/token/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, expectedBasic, r.Header.Get("Authorization"))
		s.mtx.Lock()
		s.logins++
		s.token = fmt.Sprintf("tok%d", s.logins)
		token := s.token
		s.mtx.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"jwt": token})
	})
	mux.HandleFunc("GET /chargers/status/42", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		s.mtx.Lock()
		s.statusRequests++
		s.mtx.Unlock()
		_, _ = w.Write([]byte(`{
			"status_description": "Charging",
			"state_of_charge": 63.2,
			"config_data": {"max_available_current": 32, "max_charging_current": 6}
		}`))
	})
	mux.HandleFunc("PUT /chargers/42", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		s.mtx.Lock()
		s.lastAmps = body["maxChargingCurrent"]
		s.mtx.Unlock()
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /chargers/42/remote-action", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		s.mtx.Lock()
		s.actions = append(s.actions, body["action"])
		s.mtx.Unlock()
		_, _ = w.Write([]byte("{}"))
	})
	return mux
}

func md5hex(s string) string {
	hash := md5.Sum([]byte(s))
	return hex.EncodeToString(hash[:])
}

func TestWallboxStatusAndAuth(t *testing.T) {
	state := &wallboxServer{}
	srv := httptest.NewServer(state.handler(t))
	defer srv.Close()

	w := NewWallbox(srv.URL, "me@example.com", "hunter2", 42)
	ctx := context.Background()

	s, err := w.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Charging", s.Description)
	assert.InDelta(t, 63.2, s.StateOfCharge, 1e-9)
	assert.Equal(t, 32, s.MaxAvailableAmps)
	assert.Equal(t, 6, s.MaxChargingAmps)

	// A second read is served from the cache.
	_, err = w.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.statusRequests)
	assert.Equal(t, 1, state.logins)
}

func TestWallboxReauthenticatesOnExpiredToken(t *testing.T) {
	state := &wallboxServer{}
	srv := httptest.NewServer(state.handler(t))
	defer srv.Close()

	w := NewWallbox(srv.URL, "me@example.com", "hunter2", 42)
	ctx := context.Background()

	require.NoError(t, w.SetMaxCurrent(ctx, 14))
	assert.Equal(t, 14, state.lastAmps)
	assert.Equal(t, 1, state.logins)

	// Invalidate the token server-side; the next call must log in again.
	state.mtx.Lock()
	state.token = "revoked"
	state.mtx.Unlock()

	require.NoError(t, w.SetMaxCurrent(ctx, 20))
	assert.Equal(t, 20, state.lastAmps)
	assert.Equal(t, 2, state.logins)
}

func TestWallboxActions(t *testing.T) {
	state := &wallboxServer{}
	srv := httptest.NewServer(state.handler(t))
	defer srv.Close()

	w := NewWallbox(srv.URL, "me@example.com", "hunter2", 42)
	ctx := context.Background()

	require.NoError(t, w.Resume(ctx))
	require.NoError(t, w.Pause(ctx))
	assert.Equal(t, []int{1, 2}, state.actions)
}
