package web

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbranner/sessiond/internal/activity"
	"github.com/tbranner/sessiond/internal/clock"
	"github.com/tbranner/sessiond/internal/refresh"
	"github.com/tbranner/sessiond/internal/session"
	"github.com/tbranner/sessiond/internal/statekv"
	"github.com/tbranner/sessiond/internal/task"
)

type acceptingValidator struct{}

func (acceptingValidator) Validate(_ context.Context, raw string) (string, error) {
	return raw, nil
}

func newTestServer(t *testing.T, cfg Config) (*Server, *session.Coordinator, *clock.Fake) {
	t.Helper()

	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	det := activity.New(fake, activity.Options{})
	reg := task.NewRegistry(fake, nil, task.Options{})
	ref := refresh.NewService(acceptingValidator{}, refresh.Policy{}, time.Hour)
	store := session.NewStore(statekv.NewMem(), fake)

	coord, err := session.New(fake, det, reg, ref, store, session.Options{})
	require.NoError(t, err)
	t.Cleanup(coord.Destroy)

	return NewServer(cfg, coord), coord, fake
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "active", body["state"])
}

func TestSessionSnapshot(t *testing.T) {
	s, coord, _ := newTestServer(t, Config{})
	coord.SetToken("opaque-token", "u1")

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap sessionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, coord.SessionID(), snap.SessionID)
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, "active", snap.State)
	assert.True(t, snap.TokenPresent)
	require.NotNil(t, snap.TokenExpiresAt)
	assert.NotEmpty(t, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "opaque-token",
		"the raw token must never be exposed over the API")
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	s, _, _ := newTestServer(t, Config{Token: "secret"})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer secret")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)

	query := doJSON(t, s.Handler(), http.MethodGet, "/api/session?token=secret", nil)
	assert.Equal(t, http.StatusOK, query.Code)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s, coord, _ := newTestServer(t, Config{})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/tasks",
		registerTaskRequest{ID: "t1", Type: "export", Description: "big export"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, session.StateProcessing, coord.State())

	dup := doJSON(t, h, http.MethodPost, "/api/tasks",
		registerTaskRequest{ID: "t1", Type: "export"})
	assert.Equal(t, http.StatusConflict, dup.Code)

	list := doJSON(t, h, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var tasks []taskView
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)

	del := doJSON(t, h, http.MethodDelete, "/api/tasks/t1", nil)
	require.Equal(t, http.StatusOK, del.Code)
	assert.Equal(t, session.StateActive, coord.State())

	missing := doJSON(t, h, http.MethodDelete, "/api/tasks/t1", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestTaskValidation(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", registerTaskRequest{Type: "export"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_REQUEST")
}

func TestTokenAndLogout(t *testing.T) {
	s, coord, _ := newTestServer(t, Config{})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/session/token",
		tokenRequest{Token: "opaque-token", UserID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	tok, _ := coord.Token()
	assert.Equal(t, "opaque-token", tok)

	out := doJSON(t, h, http.MethodPost, "/api/session/logout", nil)
	require.Equal(t, http.StatusOK, out.Code)
	assert.Equal(t, session.StateExpired, coord.State())

	empty := doJSON(t, h, http.MethodPost, "/api/session/token", tokenRequest{})
	assert.Equal(t, http.StatusBadRequest, empty.Code)
}

func TestActivityEndpointReactivates(t *testing.T) {
	s, coord, fake := newTestServer(t, Config{})

	fake.Advance(30 * time.Minute)
	require.Equal(t, session.StateIdle, coord.State())

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/session/activity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.StateActive, coord.State())
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})
	h := s.Handler()

	for _, path := range []string{"/api/session/activity", "/api/session/extend", "/api/session/logout"} {
		rec := doJSON(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestEventsWebsocket(t *testing.T) {
	s, coord, _ := newTestServer(t, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello wsEventMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)
	assert.Equal(t, "active", hello.State)

	coord.ClearToken()

	var first wsEventMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "tokenExpired", first.Type)

	var second wsEventMessage
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "stateChanged", second.Type)
	assert.Equal(t, "expired", second.State)
	assert.Equal(t, "active", second.PrevState)
}
