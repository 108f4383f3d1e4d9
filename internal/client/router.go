// Package client implements the automation-client side of the relay wire: a
// single WebSocket to the relay server, a background receive loop that
// resolves correlated responses and fans out CDP events, and subscription
// handles for event delivery.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tabpilot/tabpilot/internal/events"
	"github.com/tabpilot/tabpilot/internal/protocol"
)

const (
	// DefaultCommandTimeout bounds a correlated command when the caller does
	// not override it.
	DefaultCommandTimeout = 30 * time.Second

	// welcomeTimeout bounds the wait for the relay's CONNECTED frame.
	welcomeTimeout = 5 * time.Second
)

var (
	// ErrCommandTimeout is returned when no response arrives within the
	// command's deadline.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrRouterClosed is returned for commands issued after the router shut
	// down, and resolves commands in flight when the connection drops.
	ErrRouterClosed = errors.New("router closed")
)

// RemoteError is a failure reported by the relay or the extension agent in a
// success=false response.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

type outcome struct {
	result json.RawMessage
	err    error
}

// Router owns one socket to the relay server. It assigns correlation ids to
// outbound commands, awaits their responses, and dispatches inbound CDP
// events to subscribers.
type Router struct {
	conn               *websocket.Conn
	sessionID          string
	extensionConnected bool

	mu       sync.Mutex
	writeMu  sync.Mutex // serializes socket writes
	pending  map[string]chan outcome
	streams  map[string]int            // event name → open stream count
	unregMeta map[string]map[string]any // event name → unregister payload

	fanout *events.Subject
	done   chan struct{}
	closed bool
	logger *slog.Logger
}

// Dial connects to the relay, sends the INIT classification frame, and waits
// for the CONNECTED welcome. The receive loop is not started until Start is
// called, so the welcome read cannot race it.
func Dial(ctx context.Context, serverURL string) (*Router, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	init, _ := protocol.Envelope(protocol.TypeInit, "", nil)
	if err := conn.WriteMessage(websocket.TextMessage, init); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send init: %w", err)
	}

	deadline := time.Now().Add(welcomeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var welcome struct {
		Type               string `json:"type"`
		SessionID          string `json:"session_id"`
		ExtensionConnected bool   `json:"extension_connected"`
	}
	if err := json.Unmarshal(data, &welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	if welcome.Type != protocol.TypeConnected {
		conn.Close()
		return nil, fmt.Errorf("unexpected welcome frame: %s", welcome.Type)
	}

	r := &Router{
		conn:               conn,
		sessionID:          welcome.SessionID,
		extensionConnected: welcome.ExtensionConnected,
		pending:            make(map[string]chan outcome),
		streams:            make(map[string]int),
		unregMeta:          make(map[string]map[string]any),
		fanout:             events.NewSubject(events.WithSyncDelivery(), events.WithBufferSize(256)),
		done:               make(chan struct{}),
		logger:             slog.Default().With("component", "relay-client"),
	}
	return r, nil
}

// Start launches the background receive loop.
func (r *Router) Start() {
	go r.readLoop()
}

// SessionID returns the id the relay assigned in its welcome.
func (r *Router) SessionID() string {
	return r.sessionID
}

// ExtensionConnected reports whether an extension agent was attached when the
// router connected, updated by EXTENSION_DISCONNECTED notices.
func (r *Router) ExtensionConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extensionConnected
}

// Close shuts the router down: in-flight commands resolve with
// ErrRouterClosed and the socket is closed.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.failAllPending(ErrRouterClosed)
	events.Complete(r.fanout)
	return r.conn.Close()
}

// Send issues a correlated command and awaits its terminal outcome: the
// result, the carried error, or a timeout. A response arriving after the
// timeout finds no pending entry and is dropped silently.
func (r *Router) Send(ctx context.Context, msgType string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	id := uuid.NewString()
	frame, err := protocol.Envelope(msgType, id, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}

	ch := make(chan outcome, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	r.pending[id] = ch
	r.mu.Unlock()

	if err := r.write(frame); err != nil {
		r.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-timer.C:
		r.dropPending(id)
		return nil, fmt.Errorf("%s: %w after %s", msgType, ErrCommandTimeout, timeout)
	case <-ctx.Done():
		r.dropPending(id)
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrRouterClosed
	}
}

// Notify issues a fire-and-forget command; no response is awaited.
func (r *Router) Notify(msgType string, payload map[string]any) error {
	frame, err := protocol.Envelope(msgType, "", payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return r.write(frame)
}

func (r *Router) write(frame []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return r.conn.WriteMessage(websocket.TextMessage, frame)
}

func (r *Router) dropPending(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Router) failAllPending(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan outcome)
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: err}
	}
}

// readLoop classifies every inbound frame: responses resolve their pending
// entry, CDP events fan out to subscribers, anything else is ignored. A
// subscriber's failure is caught and logged, never terminates the loop.
func (r *Router) readLoop() {
	for {
		select {
		case <-r.done:
			return
		default:
		}

		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			wasClosed := r.closed
			r.mu.Unlock()
			if !wasClosed {
				r.logger.Warn("connection lost", "error", err)
				r.failAllPending(ErrRouterClosed)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			r.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		r.handleFrame(msg)
	}
}

func (r *Router) handleFrame(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeResponse:
		r.mu.Lock()
		ch, ok := r.pending[msg.ID]
		if ok {
			delete(r.pending, msg.ID)
		}
		r.mu.Unlock()
		if !ok {
			// Late or unknown id: dropped by the absent-entry path.
			return
		}
		if msg.IsSuccess() {
			ch <- outcome{result: msg.Result}
		} else {
			errMsg := msg.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			ch <- outcome{err: &RemoteError{Message: errMsg}}
		}

	case protocol.TypeCDPEvent:
		if msg.Method == "" {
			return
		}
		topic := events.CDPEventTopic(msg.Method)
		if !r.fanout.HasSubscribers(topic) {
			return
		}
		if err := events.Emit[json.RawMessage](r.fanout, topic, msg.Params); err != nil {
			r.logger.Warn("dropping event", "method", msg.Method, "error", err)
		}

	case protocol.TypeExtensionDisconnected:
		r.logger.Warn("extension agent disconnected")
		r.mu.Lock()
		r.extensionConnected = false
		r.mu.Unlock()

	default:
		// DEBUGGER_DETACHED, TAB_CLOSED, and anything unrecognized.
	}
}
