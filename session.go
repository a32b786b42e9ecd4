/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const winAward = 10

var (
	errSessionNotFound    = errors.New("session not found")
	errSessionNotJoinable = errors.New("session is not accepting new players")
	errPreconditionFailed = errors.New("operation not valid in current session state")
)

// Role marks what a player may do in their session. Exactly one originator
// exists per session, assigned at creation and never reassigned.
type Role string

const (
	RoleOriginator Role = "originator"
	RoleGuesser    Role = "guesser"
)

// Phase is the lifecycle state of a session. Transitions are monotonic:
// waiting -> in-progress -> ended, and ended is terminal. "Play again"
// means creating a new session.
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseInProgress Phase = "in-progress"
	PhaseEnded      Phase = "ended"
)

// Player is one participant's per-session state.
type Player struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Score        int    `json:"score"`
	Role         Role   `json:"role"`
	AttemptsLeft int    `json:"attemptsLeft"`
}

func newPlayer(name string, role Role) *Player {
	return &Player{
		ID:   uuid.NewString(),
		Name: name,
		Role: role,
	}
}

// Session is one guessing-game match plus its chat side-channel. All fields
// are guarded by mu; access goes through the SessionStore, which serializes
// mutation per session while letting distinct sessions proceed in parallel.
type Session struct {
	mu sync.Mutex

	ID             string
	Members        []*Player // join order, unique by id
	OriginatorID   string
	Phase          Phase
	Question       string
	answer         string // case-folded at set time, never serialized
	RoundStartedAt time.Time
	WinnerID       string

	timer      *time.Timer // pending round deadline, nil unless armed
	lastActive time.Time
}

// SessionView is the wire-safe snapshot of a session sent to clients.
// The answer stays server-side.
type SessionView struct {
	ID           string   `json:"id"`
	Players      []Player `json:"players"`
	OriginatorID string   `json:"originatorId"`
	Phase        Phase    `json:"phase"`
	Question     string   `json:"question,omitempty"`
	WinnerID     string   `json:"winnerId,omitempty"`
}

// PlayerScore is one row of the final score table, in member join order.
type PlayerScore struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// SessionUpdatedMessage announces membership or lifecycle changes.
type SessionUpdatedMessage struct {
	Type    string      `json:"type"` // "session-updated"
	Session SessionView `json:"session"`
}

// RoundStartedMessage tells every member the round is live.
type RoundStartedMessage struct {
	Type     string `json:"type"` // "round-started"
	Question string `json:"question"`
}

// RoundResolvedMessage carries the round's outcome. Winner is null when the
// deadline elapsed with no correct guess.
type RoundResolvedMessage struct {
	Type   string        `json:"type"` // "round-resolved"
	Answer string        `json:"answer"`
	Winner *string       `json:"winner"`
	Scores []PlayerScore `json:"scores"`
}

// GuessOutcomeMessage is sent only to the guessing player. Correct is false
// even for a textually correct guess that lost the race; correctness means
// "first to match", not "matches the answer".
type GuessOutcomeMessage struct {
	Type         string `json:"type"` // "guess-outcome"
	Correct      bool   `json:"correct"`
	AttemptsLeft int    `json:"attemptsLeft"`
}

// ChatMessage is relayed to the session group and never persisted.
type ChatMessage struct {
	Type      string    `json:"type"` // "chat-message"
	Sender    string    `json:"sender"`
	SenderID  string    `json:"senderId,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers engine events to connected participants. The engine
// addresses players by id only; connection identity lives behind this
// boundary. Sends to unknown or disconnected players are no-ops.
type Notifier interface {
	Broadcast(playerIDs []string, msg any)
	Unicast(playerID string, msg any)
	Disconnect(playerID string)
}

// SessionStore owns every active session for the lifetime of the process.
// The store-level mutex guards the two maps; each session's own mutex
// serializes guesses, leaves, starts, and timeout fires for that session.
// Lock order is always store then session, never the reverse.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byPlayer map[string]string // player id -> session id

	notify Notifier
	cfg    *Config
}

func newSessionStore(cfg *Config, notify Notifier) *SessionStore {
	st := &SessionStore{
		sessions: make(map[string]*Session),
		byPlayer: make(map[string]string),
		notify:   notify,
		cfg:      cfg,
	}
	if cfg.sessionTimeout > 0 {
		go st.reaperLoop()
	}
	return st
}

func (st *SessionStore) session(sessionID string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return st.sessions[sessionID]
}

// Create builds a fresh session owned by the given player. It always
// succeeds; the originator is the sole member until others join.
func (st *SessionStore) Create(name string) (SessionView, Player) {
	p := newPlayer(name, RoleOriginator)
	now := time.Now()

	s := &Session{
		ID:           uuid.NewString(),
		Members:      []*Player{p},
		OriginatorID: p.ID,
		Phase:        PhaseWaiting,
		lastActive:   now,
	}

	view := s.viewLocked()

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.byPlayer[p.ID] = s.ID
	st.mu.Unlock()

	logf(st.cfg, "GAMES: Session %s created by %q", s.ID, name)

	return view, *p
}

// Join appends a new player to a waiting session and broadcasts the updated
// session to the existing members. The joining player learns the same state
// from the transport's direct reply.
func (st *SessionStore) Join(sessionID, name string) (SessionView, Player, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.sessions[sessionID]
	if s == nil {
		return SessionView{}, Player{}, errSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase != PhaseWaiting {
		return SessionView{}, Player{}, errSessionNotJoinable
	}

	p := newPlayer(name, RoleGuesser)
	s.Members = append(s.Members, p)
	s.lastActive = time.Now()
	st.byPlayer[p.ID] = s.ID

	logf(st.cfg, "GAMES: Player %q joined session %s", name, s.ID)

	view := s.viewLocked()
	st.notify.Broadcast(s.memberIDsLocked(), SessionUpdatedMessage{
		Type:    "session-updated",
		Session: view,
	})

	return view, *p, nil
}

// Leave removes the player from whichever session holds them, if any. The
// last member leaving destroys the session and releases its round timer.
func (st *SessionStore) Leave(playerID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sessionID, ok := st.byPlayer[playerID]
	if !ok {
		return
	}
	s := st.sessions[sessionID]

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(st.byPlayer, playerID)

	dst := s.Members[:0]
	for _, p := range s.Members {
		if p.ID == playerID {
			continue
		}
		dst = append(dst, p)
	}
	s.Members = dst
	s.lastActive = time.Now()

	if len(s.Members) == 0 {
		s.stopTimerLocked()
		delete(st.sessions, sessionID)
		logf(st.cfg, "GAMES: Session %s destroyed (last player left)", sessionID)

		return
	}

	st.notify.Broadcast(s.memberIDsLocked(), SessionUpdatedMessage{
		Type:    "session-updated",
		Session: s.viewLocked(),
	})
}

// SessionByPlayer returns a snapshot of the session containing the player.
func (st *SessionStore) SessionByPlayer(playerID string) (SessionView, bool) {
	st.mu.RLock()
	sessionID, ok := st.byPlayer[playerID]
	s := st.sessions[sessionID]
	st.mu.RUnlock()

	if !ok || s == nil {
		return SessionView{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.viewLocked(), true
}

// Start moves a waiting session into a live round. Only the originator may
// start, and only once the session holds enough members for a meaningful
// game. Rejected starts are reported to the caller but intentionally
// produce no broadcast.
func (st *SessionStore) Start(sessionID, playerID, question, answer string) error {
	s := st.session(sessionID)
	if s == nil {
		return errSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.Phase != PhaseWaiting:
		return errPreconditionFailed
	case playerID != s.OriginatorID:
		return errPreconditionFailed
	case len(s.Members) < st.cfg.minPlayers:
		return errPreconditionFailed
	case question == "" || answer == "":
		return errPreconditionFailed
	}

	s.Phase = PhaseInProgress
	s.Question = question
	s.answer = strings.ToLower(answer)
	s.RoundStartedAt = time.Now()
	s.WinnerID = ""
	s.lastActive = s.RoundStartedAt

	for _, p := range s.Members {
		p.AttemptsLeft = st.cfg.guessAttempts
	}

	s.timer = time.AfterFunc(st.cfg.roundDuration, func() {
		st.expireRound(sessionID)
	})

	logf(st.cfg, "GAMES: Round started in session %s", sessionID)

	st.notify.Broadcast(s.memberIDsLocked(), RoundStartedMessage{
		Type:     "round-started",
		Question: question,
	})

	return nil
}

// Guess arbitrates one guess attempt. An attempt is consumed whether or not
// the guess is correct, bounding brute-force guessing within the round's
// time budget. The first correct guess to commit under the session mutex
// wins the round; a racing correct guess that arrives second observes the
// winner already set and is treated as incorrect.
func (st *SessionStore) Guess(sessionID, playerID, guess string) error {
	s := st.session(sessionID)
	if s == nil {
		return errSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.memberLocked(playerID)

	switch {
	case p == nil:
		return errPreconditionFailed
	case s.Phase != PhaseInProgress:
		return errPreconditionFailed
	case p.AttemptsLeft <= 0:
		return errPreconditionFailed
	}

	p.AttemptsLeft--
	s.lastActive = time.Now()

	if strings.ToLower(guess) == s.answer && s.WinnerID == "" {
		s.WinnerID = p.ID
		p.Score += winAward
		s.stopTimerLocked()
		s.Phase = PhaseEnded

		logf(st.cfg, "GAMES: Player %q won session %s", p.Name, sessionID)

		winner := p.Name
		st.notify.Broadcast(s.memberIDsLocked(), RoundResolvedMessage{
			Type:   "round-resolved",
			Answer: s.answer,
			Winner: &winner,
			Scores: s.scoreboardLocked(),
		})

		return nil
	}

	st.notify.Unicast(p.ID, GuessOutcomeMessage{
		Type:         "guess-outcome",
		Correct:      false,
		AttemptsLeft: p.AttemptsLeft,
	})

	return nil
}

// Chat relays a message to the session group. Messages with a missing
// field are dropped, matching the inbound contract.
func (st *SessionStore) Chat(sessionID, senderID, sender, text string) error {
	if sessionID == "" || sender == "" || text == "" {
		return errPreconditionFailed
	}

	s := st.session(sessionID)
	if s == nil {
		return errSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	st.notify.Broadcast(s.memberIDsLocked(), ChatMessage{
		Type:      "chat-message",
		Sender:    sender,
		SenderID:  senderID,
		Text:      text,
		Timestamp: s.lastActive,
	})

	return nil
}

// expireRound is the round deadline firing. The phase and winner re-check
// happens under the same session mutex as guess arbitration, so at most one
// of {winning guess, deadline} ever resolves the round. Firing against a
// destroyed or already-resolved session is a no-op, not an error.
func (st *SessionStore) expireRound(sessionID string) {
	s := st.session(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase != PhaseInProgress || s.WinnerID != "" {
		return
	}

	s.Phase = PhaseEnded
	s.timer = nil
	s.lastActive = time.Now()

	logf(st.cfg, "GAMES: Round expired in session %s with no winner", sessionID)

	st.notify.Broadcast(s.memberIDsLocked(), RoundResolvedMessage{
		Type:   "round-resolved",
		Answer: s.answer,
		Winner: nil,
		Scores: s.scoreboardLocked(),
	})
}

// reaperLoop periodically destroys sessions that have been idle longer than
// the configured timeout, disconnecting any remaining members.
func (st *SessionStore) reaperLoop() {
	ticker := time.NewTicker(st.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-st.cfg.sessionTimeout)

		var reaped []string

		st.mu.Lock()
		for id, s := range st.sessions {
			s.mu.Lock()
			if s.lastActive.Before(cutoff) {
				s.stopTimerLocked()
				for _, p := range s.Members {
					delete(st.byPlayer, p.ID)
					reaped = append(reaped, p.ID)
				}
				delete(st.sessions, id)
				logf(st.cfg, "GAMES: Session %s reaped after idle timeout", id)
			}
			s.mu.Unlock()
		}
		st.mu.Unlock()

		for _, playerID := range reaped {
			st.notify.Disconnect(playerID)
		}
	}
}

func (s *Session) memberLocked(playerID string) *Player {
	for _, p := range s.Members {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

func (s *Session) memberIDsLocked() []string {
	ids := make([]string, 0, len(s.Members))
	for _, p := range s.Members {
		ids = append(ids, p.ID)
	}
	return ids
}

func (s *Session) scoreboardLocked() []PlayerScore {
	scores := make([]PlayerScore, 0, len(s.Members))
	for _, p := range s.Members {
		scores = append(scores, PlayerScore{Name: p.Name, Score: p.Score})
	}
	return scores
}

func (s *Session) viewLocked() SessionView {
	players := make([]Player, 0, len(s.Members))
	for _, p := range s.Members {
		players = append(players, *p)
	}

	return SessionView{
		ID:           s.ID,
		Players:      players,
		OriginatorID: s.OriginatorID,
		Phase:        s.Phase,
		Question:     s.Question,
		WinnerID:     s.WinnerID,
	}
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
