package infra

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLiveServer(t *testing.T, hub *WSHub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "server:"+r.URL.Query().Get("server"))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialLive(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWSHub_PublishReachesRoomOnly(t *testing.T) {
	hub := NewWSHub([]string{"*"}, discardLogger())
	url := newLiveServer(t, hub)

	alpha := dialLive(t, url+"?server=alpha", nil)
	beta := dialLive(t, url+"?server=beta", nil)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, hub.RoomCount())

	hub.Publish("server:alpha", "player.joined", map[string]string{"player_name": "Alice"})

	require.NoError(t, alpha.SetReadDeadline(time.Now().Add(time.Second)))
	_, raw, err := alpha.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "player.joined", msg.Event)
	assert.Equal(t, "Alice", msg.Data["player_name"])

	require.NoError(t, beta.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = beta.ReadMessage()
	assert.Error(t, err, "beta must not receive alpha's events")
}

func TestWSHub_ClientCloseLeavesRoom(t *testing.T) {
	hub := NewWSHub([]string{"*"}, discardLogger())
	url := newLiveServer(t, hub)

	conn := dialLive(t, url+"?server=alpha", nil)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, hub.RoomCount())
}

func TestWSHub_ShutdownClosesClients(t *testing.T) {
	hub := NewWSHub([]string{"*"}, discardLogger())
	url := newLiveServer(t, hub)

	conn := dialLive(t, url+"?server=alpha", nil)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Shutdown(context.Background())
	assert.Zero(t, hub.ConnectionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWSHub_RefusesClientsAfterShutdown(t *testing.T) {
	hub := NewWSHub([]string{"*"}, discardLogger())
	url := newLiveServer(t, hub)
	hub.Shutdown(context.Background())

	_, resp, err := websocket.DefaultDialer.Dial(url+"?server=alpha", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	assert.False(t, hub.Join(&WSConn{ID: "late", Room: "server:alpha", Send: make(chan []byte, 1)}))
	assert.Zero(t, hub.ConnectionCount())
}

func TestWSHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewWSHub([]string{"https://dash.example.com"}, discardLogger())
	url := newLiveServer(t, hub)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?server=alpha", http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := dialLive(t, url+"?server=alpha", http.Header{"Origin": {"https://dash.example.com"}})
	assert.NotNil(t, conn)
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{"wildcard", "https://any.example", []string{"*"}, true},
		{"no origin header", "", []string{"https://dash.example"}, true},
		{"same host", "http://localhost:3100", nil, true},
		{"listed", "https://dash.example", []string{" https://dash.example/ "}, true},
		{"unlisted", "https://evil.example", []string{"https://dash.example"}, false},
		{"garbage", "://bad", []string{"https://dash.example"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, originAllowed(tt.origin, "localhost:3100", tt.allowed))
		})
	}
}
