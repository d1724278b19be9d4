package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/pointdeck/internal/connection"
	"github.com/pointdeck/pointdeck/internal/session"
)

func newTestHandler(t *testing.T) (*Handler, *session.Registry) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	sessions := session.NewRegistry(clock, session.RemovalPolicyOfflineFlag)
	conns := connection.NewRegistry(clock)
	return NewHandler(sessions, conns, clock), sessions
}

func TestCreateSession(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"name":"Sprint 4","facilitator_id":"alice","facilitator_name":"Alice"}`

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var s session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "Sprint 4", s.Name)
	assert.Equal(t, "alice", s.FacilitatorID)
	require.Len(t, s.Participants, 1)
	assert.True(t, s.Participants[0].Online)
}

func TestCreateSessionValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"name":"x"}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSessions(t *testing.T) {
	h, sessions := newTestHandler(t)
	sessions.CreateSession("Sprint 4", "alice", "Alice")
	sessions.CreateSession("Sprint 5", "bob", "Bob")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []session.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, 1, summaries[0].OnlineCount)
}

// Reads must serve a copy taken under the registry lock; this keeps the race
// detector on the concurrent encode path.
func TestGetSessionDuringActiveVoting(t *testing.T) {
	h, sessions := newTestHandler(t)
	s := sessions.CreateSession("Sprint 4", "alice", "Alice")
	router := h.Routes()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, err := sessions.StartRound(s.ID, "Login bug")
			assert.NoError(t, err)
			assert.NoError(t, sessions.RecordVote(s.ID, "alice", "5"))
		}
	}()

	for i := 0; i < 200; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+s.ID, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var got session.Session
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, s.ID, got.ID)
	}
	<-done
}

func TestGetSessionNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, resp["timestamp"])
}
