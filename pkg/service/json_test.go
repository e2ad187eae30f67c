package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, map[string]int{"count": 3})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"count":3}`, w.Body.String())
}

func TestWriteJSONError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSONError(w, "nope", http.StatusBadRequest)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"nope"}`, w.Body.String())
}

func TestGetJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		WriteJSON(w, map[string]string{"name": "x"})
	}))
	defer ts.Close()

	var out struct {
		Name string `json:"name"`
	}
	err := GetJSON(context.Background(), ts.Client(), ts.URL, &out)
	require.NoError(t, err)
	assert.Equal(t, "x", out.Name)
}

func TestGetJSONErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONError(w, "task not found", http.StatusNotFound)
	}))
	defer ts.Close()

	err := GetJSON(context.Background(), ts.Client(), ts.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "task not found")
}

func TestPostJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in struct {
			URI string `json:"uri"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		WriteJSON(w, map[string]bool{"echoed": in.URI != ""})
	}))
	defer ts.Close()

	var out struct {
		Echoed bool `json:"echoed"`
	}
	err := PostJSON(context.Background(), ts.Client(), ts.URL, map[string]string{"uri": "http://x"}, &out)
	require.NoError(t, err)
	assert.True(t, out.Echoed)
}

func TestPostJSONNilBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	err := PostJSON(context.Background(), ts.Client(), ts.URL, nil, nil)
	assert.NoError(t, err)
}
