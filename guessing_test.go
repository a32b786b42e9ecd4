package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg *Config) *httptest.Server {
	t.Helper()

	mux := httprouter.New()
	registerGuessingGame(cfg, "/guess", mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil reads messages off the connection, discarding any whose type
// does not match, until the wanted type arrives or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q", wantType)

		if msg["type"] == wantType {
			return msg
		}
	}
}

func TestWebSocket_FullGame(t *testing.T) {
	srv := newTestServer(t, testConfig())

	connA := dialWS(t, srv)
	connB := dialWS(t, srv)
	connC := dialWS(t, srv)

	sendJSON(t, connA, map[string]any{"type": "create-session", "name": "A"})
	created := readUntil(t, connA, "session-created")

	session := created["session"].(map[string]any)
	sessionID := session["id"].(string)
	require.NotEmpty(t, sessionID)

	player := created["player"].(map[string]any)
	assert.Equal(t, "originator", player["role"])

	sendJSON(t, connB, map[string]any{"type": "join-session", "sessionId": sessionID, "name": "B"})
	readUntil(t, connB, "session-joined")

	sendJSON(t, connC, map[string]any{"type": "join-session", "sessionId": sessionID, "name": "C"})
	joined := readUntil(t, connC, "session-joined")

	members := joined["session"].(map[string]any)["players"].([]any)
	assert.Len(t, members, 3)

	sendJSON(t, connA, map[string]any{
		"type":      "start-game",
		"sessionId": sessionID,
		"question":  "capital of France?",
		"answer":    "Paris",
	})

	for _, conn := range []*websocket.Conn{connA, connB, connC} {
		started := readUntil(t, conn, "round-started")
		assert.Equal(t, "capital of France?", started["question"])
	}

	// B misses once, then wins with a differently-cased guess.
	sendJSON(t, connB, map[string]any{"type": "guess-answer", "sessionId": sessionID, "guess": "London"})
	outcome := readUntil(t, connB, "guess-outcome")
	assert.Equal(t, false, outcome["correct"])
	assert.Equal(t, float64(2), outcome["attemptsLeft"])

	sendJSON(t, connB, map[string]any{"type": "guess-answer", "sessionId": sessionID, "guess": "pARIs"})

	for _, conn := range []*websocket.Conn{connA, connB, connC} {
		resolved := readUntil(t, conn, "round-resolved")
		assert.Equal(t, "paris", resolved["answer"])
		assert.Equal(t, "B", resolved["winner"])

		scores := resolved["scores"].([]any)
		require.Len(t, scores, 3)
		winning := scores[1].(map[string]any)
		assert.Equal(t, "B", winning["name"])
		assert.Equal(t, float64(winAward), winning["score"])
	}

	// Chat stays open after the round ends.
	sendJSON(t, connC, map[string]any{
		"type":      "chat-message",
		"sessionId": sessionID,
		"sender":    "C",
		"text":      "good game",
	})

	for _, conn := range []*websocket.Conn{connA, connB, connC} {
		chat := readUntil(t, conn, "chat-message")
		assert.Equal(t, "C", chat["sender"])
		assert.Equal(t, "good game", chat["text"])
	}
}

func TestWebSocket_JoinErrors(t *testing.T) {
	srv := newTestServer(t, testConfig())

	conn := dialWS(t, srv)

	sendJSON(t, conn, map[string]any{"type": "join-session", "sessionId": "nope", "name": "D"})
	failed := readUntil(t, conn, "join-error")

	assert.Equal(t, "Cannot join session now", failed["error"])
}

func TestWebSocket_DisconnectLeavesSession(t *testing.T) {
	srv := newTestServer(t, testConfig())

	connA := dialWS(t, srv)
	connB := dialWS(t, srv)

	sendJSON(t, connA, map[string]any{"type": "create-session", "name": "A"})
	created := readUntil(t, connA, "session-created")
	sessionID := created["session"].(map[string]any)["id"].(string)

	sendJSON(t, connB, map[string]any{"type": "join-session", "sessionId": sessionID, "name": "B"})
	readUntil(t, connB, "session-joined")
	readUntil(t, connA, "session-updated")

	require.NoError(t, connB.Close())

	update := readUntil(t, connA, "session-updated")
	players := update["session"].(map[string]any)["players"].([]any)
	assert.Len(t, players, 1)
}

func TestQRHandler(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/guess/some-session-id/qr")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}
