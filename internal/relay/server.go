// Package relay implements the WebSocket relay between a browser-resident
// extension agent and automation clients. The relay owns at most one agent
// connection and any number of client sessions, classifies each new
// connection from its first frame, correlates forwarded commands with agent
// responses by id, and fans out CDP events by tab affiliation.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tabpilot/tabpilot/internal/events"
	"github.com/tabpilot/tabpilot/internal/logging"
	"github.com/tabpilot/tabpilot/internal/protocol"
)

const (
	// DefaultRequestTimeout bounds each command forwarded to the agent.
	DefaultRequestTimeout = 30 * time.Second

	// classifyTimeout is the window a new connection has to send its first,
	// classifying frame before it is dropped.
	classifyTimeout = 5 * time.Second
)

// Server is the relay. One instance owns the whole connection table; there is
// no ambient state.
type Server struct {
	mu      sync.RWMutex
	writeMu sync.Mutex // serializes writes to the extension socket

	upgrader  websocket.Upgrader
	extension *websocket.Conn
	sessions  map[string]*Session

	// fanout serializes all writes to each session socket: one topic per
	// session, synchronous delivery on the subject's single event loop.
	fanout *events.Subject

	requestTimeout time.Duration
	httpServer     *http.Server
	stopped        bool
}

// Option configures a Server.
type Option func(*Server)

// WithRequestTimeout overrides the default per-command timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// NewServer creates a relay server. Mount Handler on an existing HTTP server
// or call Start to listen on its own address.
func NewServer(opts ...Option) *Server {
	s := &Server{
		sessions:       make(map[string]*Session),
		fanout:         events.NewSubject(events.WithSyncDelivery(), events.WithBufferSize(256)),
		requestTimeout: DefaultRequestTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Loopback relay: extension pages and local clients only.
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the relay's HTTP surface: the WebSocket endpoint plus
// status routes, mountable under any prefix.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.HandleFunc("/ws", s.handleWS)
	return r
}

// Start listens on addr and serves the relay until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			logging.Errorf("relay server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every connection, resolves all pending requests, and shuts the
// HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	if s.extension != nil {
		s.extension.Close()
		s.extension = nil
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		for _, id := range sess.failAllPending() {
			frame, _ := protocol.ErrorResponse(id, ErrStopped.Error())
			s.sendToSession(sess, frame)
		}
		sess.sub.Unsubscribe()
		sess.conn.Close()
	}

	events.Complete(s.fanout)

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// ExtensionConnected reports whether an extension agent is attached.
func (s *Server) ExtensionConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extension != nil
}

// SessionCount returns the number of live client sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// HTTP handlers

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"extension_connected": s.ExtensionConnected(),
		"sessions":            s.SessionCount(),
	})
}

// handleWS accepts a new connection and classifies it from its first frame:
// an EXTENSION_READY announcement makes it the agent connection, anything
// else makes it a client session whose first frame is still processed as the
// session's first command.
func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.Errorf("relay: websocket upgrade failed: %v", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(classifyTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		logging.Warnf("relay: no classifiable first frame from %s: %v", req.RemoteAddr, err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	first, err := protocol.Decode(data)
	if err != nil {
		logging.Warnf("relay: unclassifiable first frame from %s: %v", req.RemoteAddr, err)
		conn.Close()
		return
	}

	if first.Type == protocol.TypeExtensionReady {
		s.runExtension(conn)
		return
	}
	s.runSession(conn, first)
}

// Extension agent side

func (s *Server) runExtension(conn *websocket.Conn) {
	s.mu.Lock()
	if s.extension != nil {
		s.mu.Unlock()
		// A second agent while one is live is a protocol violation, not a
		// silent takeover.
		logging.Warn("relay: rejecting second extension agent connection")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "extension already connected"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.extension = conn
	s.mu.Unlock()

	logging.Info("relay: extension agent connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logging.Infof("relay: extension agent disconnected: %v", err)
			break
		}
		s.handleExtensionMessage(data)
	}

	s.mu.Lock()
	if s.extension == conn {
		s.extension = nil
	}
	sessions := s.sessionSnapshot()
	s.mu.Unlock()

	// Resolve every session's in-flight requests, then tell every client the
	// agent is gone. The sessions themselves stay open: commands fail fast
	// with ErrExtensionUnavailable until a new agent attaches, and forwarding
	// resumes once one does.
	for _, sess := range sessions {
		for _, id := range sess.failPending() {
			frame, _ := protocol.ErrorResponse(id, ErrExtensionUnavailable.Error())
			s.sendToSession(sess, frame)
		}
	}
	notice, _ := protocol.Envelope(protocol.TypeExtensionDisconnected, "", map[string]any{
		"error": ErrExtensionUnavailable.Error(),
	})
	s.notifyAll(notice)
}

func (s *Server) handleExtensionMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		logging.Warnf("relay: dropping malformed frame from extension: %v", err)
		return
	}

	switch msg.Type {
	case protocol.TypeExtensionReady:
		// Duplicate ready announcement on a live connection.

	case protocol.TypePing:
		s.writeToExtension([]byte(`{"type":"PONG"}`))

	case protocol.TypeResponse:
		if msg.ID == "" {
			logging.Warn("relay: dropping RESPONSE without id")
			return
		}
		s.routeResponse(msg)

	case protocol.TypeCDPEvent:
		s.forwardCDPEvent(msg)

	case protocol.TypeDebuggerDetached, protocol.TypeTabClosed:
		s.notifyAll(data)

	default:
		logging.Debugf("relay: ignoring %s frame from extension", msg.Type)
	}
}

// routeResponse finds the session holding the response's correlation id,
// resolves its pending entry, and emits the RESPONSE frame to that session.
// Emission happens here, on the single extension read loop, so a session's
// responses go out in the order the agent produced them. An unknown id is
// logged and dropped; it never raises or creates a pending entry.
func (s *Server) routeResponse(msg *protocol.Message) {
	s.mu.RLock()
	sessions := s.sessionSnapshot()
	s.mu.RUnlock()

	for _, sess := range sessions {
		pr, ok := sess.takePending(msg.ID)
		if !ok {
			continue
		}
		if pr.timer != nil {
			pr.timer.Stop()
		}
		var frame []byte
		if msg.IsSuccess() {
			frame, _ = protocol.ResultResponse(msg.ID, msg.Result)
		} else {
			errMsg := msg.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			frame, _ = protocol.ErrorResponse(msg.ID, errMsg)
		}
		s.sendToSession(sess, frame)
		return
	}

	logging.Warnf("relay: no pending request for response id %s", msg.ID)
}

// forwardCDPEvent delivers an event to each session bound to the event's tab
// and to wildcard sessions with no binding. A failed delivery to one session
// never aborts the loop.
func (s *Server) forwardCDPEvent(msg *protocol.Message) {
	raw, err := msg.Raw()
	if err != nil {
		return
	}

	s.mu.RLock()
	sessions := s.sessionSnapshot()
	s.mu.RUnlock()

	for _, sess := range sessions {
		tabID := sess.TabID()
		if tabID != nil && msg.TabID != nil && *tabID != *msg.TabID {
			continue
		}
		s.sendToSession(sess, raw)
	}
}

// notifyAll broadcasts a payload to every session, best-effort.
func (s *Server) notifyAll(data []byte) {
	s.mu.RLock()
	sessions := s.sessionSnapshot()
	s.mu.RUnlock()

	for _, sess := range sessions {
		s.sendToSession(sess, data)
	}
}

// Client session side

func (s *Server) runSession(conn *websocket.Conn, first *protocol.Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	sess := newSession(uuid.NewString(), conn)
	sess.sub = events.Subscribe[[]byte](s.fanout, events.SessionTopic(sess.id),
		func(_ context.Context, frame []byte) error {
			return conn.WriteMessage(websocket.TextMessage, frame)
		})
	s.sessions[sess.id] = sess
	extensionUp := s.extension != nil
	s.mu.Unlock()

	logging.Infof("relay: client session connected: %s", sess.id)

	// Welcome goes out before the classifying frame is processed as the
	// session's first command.
	welcome, _ := protocol.Envelope(protocol.TypeConnected, "", map[string]any{
		"session_id":          sess.id,
		"extension_connected": extensionUp,
	})
	s.sendToSession(sess, welcome)
	s.handleSessionCommand(sess, first)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logging.Infof("relay: client session disconnected: %s", sess.id)
			break
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logging.Warnf("relay: dropping malformed frame from session %s: %v", sess.id, err)
			frame, _ := protocol.Envelope(protocol.TypeError, "", map[string]any{"error": "invalid JSON"})
			s.sendToSession(sess, frame)
			continue
		}
		s.handleSessionCommand(sess, msg)
	}

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	sess.failAllPending()
	sess.sub.Unsubscribe()
	conn.Close()
}

// handleSessionCommand processes one frame from a client. Commands carrying
// an id are forwarded with correlation; commands without one are
// fire-and-forget. A fault handling one session's frame never touches other
// sessions.
func (s *Server) handleSessionCommand(sess *Session, msg *protocol.Message) {
	if msg.TabID != nil {
		sess.bindTab(*msg.TabID)
	}

	// INIT is a pure classification frame; nothing to forward.
	if msg.Type == protocol.TypeInit {
		return
	}

	if !s.ExtensionConnected() {
		if msg.ID != "" {
			frame, _ := protocol.ErrorResponse(msg.ID, ErrExtensionUnavailable.Error())
			s.sendToSession(sess, frame)
		} else {
			frame, _ := protocol.Envelope(protocol.TypeError, "", map[string]any{
				"error": ErrExtensionUnavailable.Error(),
			})
			s.sendToSession(sess, frame)
		}
		return
	}

	raw, err := msg.Raw()
	if err != nil {
		return
	}

	if msg.ID == "" {
		if err := s.writeToExtension(raw); err != nil {
			logging.Warnf("relay: fire-and-forget %s failed: %v", msg.Type, err)
		}
		return
	}

	s.forwardWithResponse(sess, msg.ID, raw)
}

// forwardWithResponse registers a pending entry for a correlated command and
// forwards it to the extension agent. The RESPONSE frame is not sent here:
// it goes out at resolution, from routeResponse when the agent answers, from
// the timeout when it does not, or below when forwarding itself fails.
// Exactly one RESPONSE reaches the originating session per command, even if
// an internal fault occurs mid-flight.
func (s *Server) forwardWithResponse(sess *Session, id string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.resolvePendingError(sess, id, fmt.Errorf("internal relay fault: %v", r))
		}
	}()

	if !sess.addPending(id, newPendingRequest()) {
		frame, _ := protocol.ErrorResponse(id, ErrSessionClosed.Error())
		s.sendToSession(sess, frame)
		return
	}

	// The deadline is armed only after the entry is registered, so a fired
	// timer can never miss the map and leave the request without one.
	sess.armTimeout(id, s.requestTimeout, func() {
		s.resolvePendingError(sess, id, fmt.Errorf("%w after %s", ErrCommandTimeout, s.requestTimeout))
	})

	if err := s.writeToExtension(raw); err != nil {
		s.resolvePendingError(sess, id, fmt.Errorf("forward to extension: %w", err))
	}
}

// resolvePendingError takes the pending entry for id, if still present, and
// emits its error RESPONSE. A second resolution for the same id is a no-op.
func (s *Server) resolvePendingError(sess *Session, id string, err error) {
	pr, ok := sess.takePending(id)
	if !ok {
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	frame, _ := protocol.ErrorResponse(id, err.Error())
	s.sendToSession(sess, frame)
}

func (s *Server) writeToExtension(data []byte) error {
	s.mu.RLock()
	ext := s.extension
	s.mu.RUnlock()
	if ext == nil {
		return ErrExtensionUnavailable
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return ext.WriteMessage(websocket.TextMessage, data)
}

// sendToSession queues a frame for delivery on the session's topic. The
// subject's event loop performs the actual socket write; failures are logged
// there and never propagate to the caller.
func (s *Server) sendToSession(sess *Session, data []byte) {
	if err := events.Emit[[]byte](s.fanout, events.SessionTopic(sess.id), data); err != nil {
		logging.Warnf("relay: dropping frame for session %s: %v", sess.id, err)
	}
}

// sessionSnapshot copies the session list; callers must hold s.mu or accept
// a momentarily stale view.
func (s *Server) sessionSnapshot() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
