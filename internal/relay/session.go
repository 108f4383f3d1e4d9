package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabpilot/tabpilot/internal/events"
)

// pendingRequest is one in-flight command forwarded to the extension agent.
// The entry is removed from its session's pending map exactly once, at
// resolution; whoever takes it owns emitting the RESPONSE frame.
type pendingRequest struct {
	timer *time.Timer
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{}
}

// Session is one connected automation client. All writes to its socket go
// through SessionTopic on the relay's event subject, so the session never
// needs its own write lock.
type Session struct {
	id   string
	conn *websocket.Conn
	sub  events.Subscription

	mu      sync.Mutex
	tabID   *int
	pending map[string]*pendingRequest
	closed  bool
}

func newSession(id string, conn *websocket.Conn) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		pending: make(map[string]*pendingRequest),
	}
}

// ID returns the session id assigned at classification.
func (s *Session) ID() string {
	return s.id
}

// TabID returns the session's bound tab, or nil for a wildcard session that
// receives every tab's events.
func (s *Session) TabID() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabID
}

// bindTab records the session's tab affiliation. Only the first bind wins;
// the binding is immutable afterwards.
func (s *Session) bindTab(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tabID == nil {
		id := tabID
		s.tabID = &id
	}
}

// addPending registers an in-flight request. Returns false if the session is
// already closed.
func (s *Session) addPending(id string, pr *pendingRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending[id] = pr
	return true
}

// takePending removes and returns the pending entry for a correlation id.
// Removal happens exactly once; a second take for the same id misses.
func (s *Session) takePending(id string) (*pendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return pr, ok
}

// armTimeout attaches a deadline to a request that is still pending. If the
// request already resolved, no timer is armed.
func (s *Session) armTimeout(id string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pending[id]
	if !ok {
		return
	}
	pr.timer = time.AfterFunc(d, fn)
}

// failPending removes every outstanding request, stops their timers, and
// returns the drained correlation ids. The session stays open and keeps
// accepting new requests; used when the extension agent drops while the
// client socket is still up.
func (s *Session) failPending() []string {
	s.mu.Lock()
	drained := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()
	return drainIDs(drained)
}

// failAllPending is failPending plus marking the session closed so nothing
// new can register. Session teardown only.
func (s *Session) failAllPending() []string {
	s.mu.Lock()
	drained := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.closed = true
	s.mu.Unlock()
	return drainIDs(drained)
}

func drainIDs(pending map[string]*pendingRequest) []string {
	ids := make([]string, 0, len(pending))
	for id, pr := range pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		ids = append(ids, id)
	}
	return ids
}

// pendingCount reports how many requests are awaiting responses.
func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
