package nodesession

import (
	"sync"
	"time"

	"github.com/wolfleet/wolfleet/internal/auth"
)

// State is a node in the session lifecycle (spec §4.4).
type State string

const (
	StateAccepted     State = "accepted"
	StateRegistered   State = "registered"
	StateClosed       State = "closed"
)

// Close codes the manager uses when terminating a session, per spec §6.
const (
	CloseNormal              = 1000
	CloseAuthFailure         = 4001
	CloseSubjectMismatch     = 4401
	CloseUnsupportedProtocol = 4406
	CloseRateLimited         = 4408
	CloseAlreadyRegistered   = 4409
)

// Conn is the transport the manager writes frames to and closes. The
// websocket implementation (gorilla/websocket) satisfies this; tests
// supply a fake.
type Conn interface {
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// rateWindow is a sliding 1-second inbound message counter, one per
// session, grounded on the teacher's per-IP RateLimiter in
// internal/dashboard/auth.go but scoped to a single connection instead
// of a shared map.
type rateWindow struct {
	mu    sync.Mutex
	times []time.Time
	limit int
}

func newRateWindow(limit int) *rateWindow {
	return &rateWindow{limit: limit}
}

func (w *rateWindow) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Second)

	recent := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	w.times = recent

	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// Session is the manager's live view of one agent connection. Not
// persisted; destroyed on close (spec §3 Session).
type Session struct {
	conn Conn
	auth *auth.Context
	rate *rateWindow

	mu        sync.Mutex
	state     State
	nodeID    string
	location  string
	publicURL string
}

func newSession(conn Conn, authCtx *auth.Context, rateLimit int) *Session {
	return &Session{
		conn:  conn,
		auth:  authCtx,
		rate:  newRateWindow(rateLimit),
		state: StateAccepted,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NodeID returns the session-bound node id, empty until registered.
func (s *Session) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// PublicURL returns the node's self-reported HTTP tunnel endpoint, if
// any.
func (s *Session) PublicURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicURL
}
