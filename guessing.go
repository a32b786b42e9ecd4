// Guessbox Guessing Game
//
// A group of players joins a shared session. The player who created the
// session supplies a question and a secret answer, then the remaining
// players race to submit the correct guess before the round deadline, with
// a limited number of attempts each.
//
// Features:
// - Single WebSocket endpoint: /ws (one connection per participant)
// - Session creator becomes the originator; only they may start the round
// - Rounds need a minimum number of members (an asker plus at least two
//   guessers by default)
// - First correct guess wins the round and the point award; racing correct
//   guesses are arbitrated first-committer-wins under the session lock
// - Attempts are consumed whether or not a guess is correct
// - Undecided rounds are force-ended by a per-session deadline
// - Session-scoped chat relay, not persisted
// - Sessions are destroyed when the last member leaves, and auto-reaped
//   after a configurable idle timeout
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	_ "embed"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// ClientMessage is the inbound event union. Type selects which of the other
// fields are meaningful.
type ClientMessage struct {
	Type      string `json:"type"` // "create-session", "join-session", "start-game", "guess-answer", "leave-session", "chat-message"
	Name      string `json:"name,omitempty"`      // create-session / join-session
	SessionID string `json:"sessionId,omitempty"` // join-session / start-game / guess-answer / chat-message
	Question  string `json:"question,omitempty"`  // start-game
	Answer    string `json:"answer,omitempty"`    // start-game
	Guess     string `json:"guess,omitempty"`     // guess-answer
	Sender    string `json:"sender,omitempty"`    // chat-message
	Text      string `json:"text,omitempty"`      // chat-message
}

// SessionCreatedMessage is the direct reply to a create-session event.
type SessionCreatedMessage struct {
	Type    string      `json:"type"` // "session-created"
	Session SessionView `json:"session"`
	Player  Player      `json:"player"`
}

// SessionJoinedMessage is the direct reply to a successful join-session.
type SessionJoinedMessage struct {
	Type    string      `json:"type"` // "session-joined"
	Session SessionView `json:"session"`
	Player  Player      `json:"player"`
}

// JoinErrorMessage is the direct reply to a rejected join-session.
type JoinErrorMessage struct {
	Type  string `json:"type"` // "join-error"
	Error string `json:"error"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string // set once the connection creates or joins a session

	closeOnce sync.Once
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Gateway is the transport side of the engine's Notifier boundary: it maps
// player ids to live connections and fans engine events out to them.
// Clients that cannot keep up with their send buffer are dropped, as are
// sends to players that have already disconnected.
type Gateway struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func newGateway() *Gateway {
	return &Gateway{
		clients: make(map[string]*Client),
	}
}

func (gw *Gateway) bind(playerID string, c *Client) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	gw.clients[playerID] = c
}

func (gw *Gateway) unbind(playerID string, c *Client) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.clients[playerID] == c {
		delete(gw.clients, playerID)
	}
}

func (gw *Gateway) Broadcast(playerIDs []string, msg any) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	for _, playerID := range playerIDs {
		gw.sendLocked(playerID, msg)
	}
}

func (gw *Gateway) Unicast(playerID string, msg any) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	gw.sendLocked(playerID, msg)
}

func (gw *Gateway) Disconnect(playerID string) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	c := gw.clients[playerID]
	if c == nil {
		return
	}

	delete(gw.clients, playerID)
	c.closeSend()
	_ = c.conn.Close()
}

func (gw *Gateway) sendLocked(playerID string, msg any) {
	c := gw.clients[playerID]
	if c == nil {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(gw.clients, playerID)
		c.closeSend()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveGuessWS upgrades the connection and runs the read loop. One
// connection is one participant; a dropped connection is a leave.
func serveGuessWS(cfg *Config, st *SessionStore, gw *Gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		go client.writePump()
		client.readPump(cfg, st, gw)
	}
}

func (c *Client) readPump(cfg *Config, st *SessionStore, gw *Gateway) {
	defer func() {
		if c.playerID != "" {
			st.Leave(c.playerID)
			gw.unbind(c.playerID, c)
		}
		c.closeSend()
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "create-session":
			if c.playerID != "" {
				continue
			}

			view, player := st.Create(msg.Name)
			c.playerID = player.ID
			gw.bind(player.ID, c)

			gw.Unicast(player.ID, SessionCreatedMessage{
				Type:    "session-created",
				Session: view,
				Player:  player,
			})

		case "join-session":
			if c.playerID != "" {
				continue
			}

			view, player, err := st.Join(msg.SessionID, msg.Name)
			if err != nil {
				select {
				case c.send <- JoinErrorMessage{
					Type:  "join-error",
					Error: "Cannot join session now",
				}:
				default:
				}
				continue
			}

			c.playerID = player.ID
			gw.bind(player.ID, c)

			gw.Unicast(player.ID, SessionJoinedMessage{
				Type:    "session-joined",
				Session: view,
				Player:  player,
			})

		case "start-game":
			if c.playerID == "" {
				continue
			}
			if err := st.Start(msg.SessionID, c.playerID, msg.Question, msg.Answer); err != nil {
				logf(cfg, "GAMES: Rejected start in session %s: %v", msg.SessionID, err)
			}

		case "guess-answer":
			if c.playerID == "" {
				continue
			}
			if err := st.Guess(msg.SessionID, c.playerID, msg.Guess); err != nil {
				logf(cfg, "GAMES: Rejected guess in session %s: %v", msg.SessionID, err)
			}

		case "leave-session":
			if c.playerID == "" {
				continue
			}
			st.Leave(c.playerID)
			gw.unbind(c.playerID, c)
			c.playerID = ""

		case "chat-message":
			if c.playerID == "" {
				continue
			}
			_ = st.Chat(msg.SessionID, c.playerID, msg.Sender, msg.Text)

		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current session URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionid")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:sessionid/qr; strip trailing "/qr" to get the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed guess/index.html
var indexHTML []byte

//go:embed guess/app.css
var guessboxCSS []byte

//go:embed guess/app.js
var guessboxJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(guessboxCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(guessboxJS)
	}
}

// registerGuessingGame sets up routes so that:
//   - $path                    → HTML client (create or join a session)
//   - $path/:sessionid         → HTML client with the join field prefilled
//   - $path/:sessionid/qr      → PNG QR code linking to that session
//   - /ws                      → WebSocket carrying all game events
func registerGuessingGame(cfg *Config, path string, mux *httprouter.Router) {
	gw := newGateway()
	st := newSessionStore(cfg, gw)

	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	// Shared assets (no sessionid in route)
	mux.GET(cfg.prefix+"/assets/guess/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/guess/app.js", getJsHandler(cfg))

	// Per-session client view (HTML)
	mux.GET(cfg.prefix+path+"/:sessionid", getIndexHandler(cfg))

	// Per-session QR code
	mux.GET(cfg.prefix+path+"/:sessionid/qr", qrHandler)

	// All game traffic flows over a single websocket per participant
	mux.GET(cfg.prefix+"/ws", serveGuessWS(cfg, st, gw))
}
