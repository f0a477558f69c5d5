package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessages reads frames until n messages arrived; queued messages share
// a frame separated by newlines
func readMessages(t *testing.T, conn *websocket.Conn, n int) []Message {
	t.Helper()
	var out []Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(out) < n {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		for _, part := range bytes.Split(frame, []byte{'\n'}) {
			var m Message
			require.NoError(t, json.Unmarshal(part, &m))
			out = append(out, m)
		}
	}
	return out
}

func TestHub_BroadcastsToClients(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "")

	require.Equal(t, TypeConnected, readMessages(t, conn, 1)[0].Type)
	require.Eventually(t, func() bool { return hub.GetConnectedClientsCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.BroadcastAlert(models.NewAlertEvent(models.SeverityCritical, models.AlertFailSafe, "", "fail-safe", time.Now()))
	msgs := readMessages(t, conn, 1)
	assert.Equal(t, TypeAlert, msgs[0].Type)
}

func TestHub_ChannelFilterAppliesToReadings(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "?channel=ph")
	readMessages(t, conn, 1)

	at := time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)
	hub.BroadcastReading(models.Reading{Channel: models.ChannelDissolvedOxygen, Value: 6.1, Timestamp: at})
	hub.BroadcastReading(models.Reading{Channel: models.ChannelPH, Value: 7.2, Timestamp: at})
	hub.BroadcastError("sensor bus reset")

	msgs := readMessages(t, conn, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeReading, msgs[0].Type)
	data, ok := msgs[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ph", data["channel"])
	assert.Equal(t, TypeError, msgs[1].Type)
}

func TestHub_RejectsUnknownChannel(t *testing.T) {
	_, srv := startHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?channel=salinity"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
