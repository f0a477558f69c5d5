package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelope(w http.ResponseWriter, code int, env apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(env)
}

func newFakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/control/state", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, apiResponse{Success: true, Data: json.RawMessage(`{"mode":"NORMAL"}`)})
	})
	mux.HandleFunc("POST /api/v1/control/reset", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusServiceUnavailable, apiResponse{Success: false, Error: "store unhealthy"})
	})
	mux.HandleFunc("GET /api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, apiResponse{Success: true, Data: json.RawMessage(`[{"limit":"` + r.URL.Query().Get("limit") + `"}]`)})
	})
	mux.HandleFunc("GET /api/v1/export/history.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("timestamp,channel,value\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusPrintsData(t *testing.T) {
	srv := newFakeServer(t)

	out, err := execute(t, srv, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"mode": "NORMAL"`)
}

func TestResetSurfacesAPIError(t *testing.T) {
	srv := newFakeServer(t)

	_, err := execute(t, srv, "reset")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "store unhealthy", apiErr.Message)
}

func TestAlertsPassesLimit(t *testing.T) {
	srv := newFakeServer(t)

	out, err := execute(t, srv, "alerts", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, `"limit": "5"`)
}

func TestExportCSVToStdout(t *testing.T) {
	srv := newFakeServer(t)

	out, err := execute(t, srv, "export", "--format", "csv")
	require.NoError(t, err)
	assert.Equal(t, "timestamp,channel,value\n", out)
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	srv := newFakeServer(t)

	_, err := execute(t, srv, "export", "--format", "pdf")
	assert.Error(t, err)
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base, channel, expected string
	}{
		{"http://localhost:8080", "", "ws://localhost:8080/ws"},
		{"https://edge.local/", "dissolved_oxygen", "wss://edge.local/ws?channel=dissolved_oxygen"},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.base, tt.channel)
		require.NoError(t, err)
		if got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}
