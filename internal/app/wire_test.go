package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clanops/rustmap/internal/battlemetrics"
	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/infra"
	"github.com/clanops/rustmap/internal/repository/memrepo"
	"github.com/clanops/rustmap/internal/service"
	"github.com/clanops/rustmap/internal/tracker"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

type fakeFeed struct {
	mu         sync.Mutex
	subs       []string
	reconnects int
}

func (f *fakeFeed) Status() battlemetrics.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return battlemetrics.Status{
		State:         battlemetrics.StateConnected,
		URL:           "wss://ws.battlemetrics.test",
		Subscriptions: append([]string(nil), f.subs...),
	}
}

func (f *fakeFeed) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeFeed) Subscribe(_ context.Context, serverID string) error {
	if serverID == "" {
		return battlemetrics.ErrEmptyServerID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, serverID)
	return nil
}

type testApp struct {
	store  *memrepo.Store
	clock  *clockwork.FakeClock
	svc    *service.SessionService
	feed   *fakeFeed
	hub    *infra.WSHub
	router chi.Router
}

func newTestApp(t *testing.T, rateLimit int) *testApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memrepo.New()
	clock := clockwork.NewFakeClockAt(t0)
	profiles, sessions, activities, outbox := store.Repositories()
	engine := tracker.NewEngine(profiles, sessions, activities, outbox, clock, logger)
	hub := infra.NewWSHub([]string{"*"}, logger)
	svc := service.NewSessionService(store, engine, profiles, sessions, activities, hub, logger)
	feed := &fakeFeed{}

	router := NewRouter(RouterDeps{
		DB:          store,
		Service:     svc,
		Feed:        feed,
		Hub:         hub,
		Logger:      logger,
		CORSOrigins: "*",
		RateLimit:   rateLimit,
	})
	return &testApp{store: store, clock: clock, svc: svc, feed: feed, hub: hub, router: router}
}

func (a *testApp) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, r)
	return w
}

func (a *testApp) join(t *testing.T, server, name string) *tracker.Result {
	t.Helper()
	res, err := a.svc.RecordJoin(context.Background(), domain.PlayerEvent{ServerID: server, PlayerName: name})
	require.NoError(t, err)
	return res
}

type listBody struct {
	Items []json.RawMessage `json:"items"`
	Count int               `json:"count"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRouter_Health(t *testing.T) {
	a := newTestApp(t, 0)

	w := a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	a.store.FailNext("store.ping", errors.New("dial tcp 10.0.0.5:5432: connection refused"))
	w = a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, map[string]string{"status": "unhealthy"}, body)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
}

func TestRouter_ServerQueries(t *testing.T) {
	a := newTestApp(t, 0)
	a.join(t, "srv1", "Alice")
	a.clock.Advance(time.Minute)
	a.join(t, "srv1", "Bob")
	a.join(t, "srv2", "Carol")

	w := a.do(t, http.MethodGet, "/servers/srv1/profiles", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[listBody](t, w).Count)

	w = a.do(t, http.MethodGet, "/servers/srv1/profiles?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[listBody](t, w).Count)

	w = a.do(t, http.MethodGet, "/servers/srv1/online", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[listBody](t, w).Count)

	w = a.do(t, http.MethodGet, "/servers/srv1/activities", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[listBody](t, w)
	require.Equal(t, 2, body.Count)
	var newest domain.Activity
	require.NoError(t, json.Unmarshal(body.Items[0], &newest))
	assert.Equal(t, "Bob", newest.PlayerName)

	w = a.do(t, http.MethodGet, "/servers/unknown/profiles", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"items":[],"count":0}`, w.Body.String())
}

func TestRouter_ProfileQueries(t *testing.T) {
	a := newTestApp(t, 0)
	res := a.join(t, "srv1", "Alice")
	id := res.Profile.ID.String()

	w := a.do(t, http.MethodGet, "/profiles/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	profile := decode[domain.Profile](t, w)
	assert.Equal(t, "Alice", profile.PlayerName)
	assert.True(t, profile.Online)

	w = a.do(t, http.MethodGet, "/profiles/"+id+"/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[listBody](t, w).Count)

	w = a.do(t, http.MethodGet, "/profiles/"+id+"/activities", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[listBody](t, w).Count)
}

func TestRouter_QueryErrors(t *testing.T) {
	a := newTestApp(t, 0)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"bad profile id", "/profiles/not-a-uuid", http.StatusBadRequest, domain.CodeValidation},
		{"unknown profile", "/profiles/7d0b2c4e-8a4b-4e8e-9d43-2a7c1f7d2b10", http.StatusNotFound, domain.CodeNotFound},
		{"bad limit", "/servers/srv1/profiles?limit=abc", http.StatusBadRequest, domain.CodeValidation},
		{"negative limit", "/servers/srv1/activities?limit=-1", http.StatusBadRequest, domain.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decode[map[string]string](t, w)["code"])
		})
	}
}

func TestRouter_StoreFailureIsGeneric(t *testing.T) {
	a := newTestApp(t, 0)
	a.store.FailNext("profiles.list", errors.New("connection reset by peer"))

	w := a.do(t, http.MethodGet, "/servers/srv1/profiles", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":"INTERNAL_ERROR","message":"internal server error"}`, w.Body.String())
}

func TestRouter_Feed(t *testing.T) {
	a := newTestApp(t, 0)

	w := a.do(t, http.MethodPost, "/feed/subscriptions", `{"server_id":" srv9 "}`)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[battlemetrics.Status](t, w)
	assert.Equal(t, []string{"srv9"}, status.Subscriptions)

	w = a.do(t, http.MethodPost, "/feed/subscriptions", `{"server_id":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/feed/subscriptions", `{bad`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/feed/reconnect", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, a.feed.reconnects)

	w = a.do(t, http.MethodGet, "/feed/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, battlemetrics.StateConnected, decode[battlemetrics.Status](t, w).State)
}

func TestRouter_FeedRoutesAbsentWhenDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memrepo.New()
	router := NewRouter(RouterDeps{
		DB:     store,
		Hub:    infra.NewWSHub(nil, logger),
		Logger: logger,
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/feed/status", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_RateLimit(t *testing.T) {
	a := newTestApp(t, 2)

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, a.do(t, http.MethodGet, "/health", "").Code)
}

func TestRouter_Metrics(t *testing.T) {
	a := newTestApp(t, 0)
	a.do(t, http.MethodGet, "/servers/srv1/profiles", "")

	w := a.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `route="/servers/{serverID}/profiles"`)
}

func TestRouter_CORSPreflight(t *testing.T) {
	a := newTestApp(t, 0)

	w := a.do(t, http.MethodOptions, "/servers/srv1/profiles", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_LiveStream(t *testing.T) {
	a := newTestApp(t, 0)
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live?server=srv1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return a.hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	a.join(t, "srv2", "Other")
	a.join(t, "srv1", "Alice")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Event string                  `json:"event"`
		Data  domain.ActivityEnvelope `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, string(domain.EventPlayerJoined), msg.Event)
	require.NotNil(t, msg.Data.Activity)
	assert.Equal(t, "Alice", msg.Data.Activity.PlayerName)
}

func TestRouter_LiveRequiresServer(t *testing.T) {
	a := newTestApp(t, 0)

	w := a.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
