package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabpilot/tabpilot/internal/client"
	"github.com/tabpilot/tabpilot/internal/logging"
	"github.com/tabpilot/tabpilot/internal/protocol"
)

// connectStepTimeout bounds each handshake step (welcome, tab lookup,
// debugger attach).
const connectStepTimeout = 5 * time.Second

// ConnectOptions configures a remote connection.
type ConnectOptions struct {
	// ServerURL is the relay's WebSocket endpoint, e.g. ws://127.0.0.1:8766/ws.
	ServerURL string

	// CommandTimeout overrides the default per-command timeout.
	CommandTimeout time.Duration
}

// RemoteContext is the relay-backed Context. It owns a client router bound to
// one tab with the debugger attached.
type RemoteContext struct {
	router  *client.Router
	tabID   int
	timeout time.Duration

	mu       sync.Mutex
	sessions []*remoteCDPSession
	closed   bool
}

// Connect dials the relay and walks the whole handshake: socket open and INIT,
// welcome, router start, active-tab lookup, debugger attach. Any failure
// aborts the attempt with the triggering error and closes the socket; the
// caller restarts the sequence from scratch.
func Connect(ctx context.Context, opts ConnectOptions) (*RemoteContext, error) {
	router, err := client.Dial(ctx, opts.ServerURL)
	if err != nil {
		return nil, err
	}

	if !router.ExtensionConnected() {
		logging.Warn("browser: relay reports no extension agent attached")
	}

	router.Start()

	res, err := router.Send(ctx, protocol.TypeGetActiveTab, nil, connectStepTimeout)
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("active tab lookup: %w", err)
	}

	var tab struct {
		TabID int    `json:"tabId"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(res, &tab); err != nil {
		router.Close()
		return nil, fmt.Errorf("decode active tab: %w", err)
	}
	logging.Infof("browser: active tab %d (%s)", tab.TabID, tab.Title)

	_, err = router.Send(ctx, protocol.TypeAttachDebugger,
		map[string]any{"tabId": tab.TabID}, connectStepTimeout)
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("attach debugger to tab %d: %w", tab.TabID, err)
	}

	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = client.DefaultCommandTimeout
	}

	return &RemoteContext{
		router:  router,
		tabID:   tab.TabID,
		timeout: timeout,
	}, nil
}

// TabID returns the tab this context is bound to.
func (c *RemoteContext) TabID() int {
	return c.tabID
}

// Router exposes the underlying message router.
func (c *RemoteContext) Router() *client.Router {
	return c.router
}

// NewPage returns a handle for the bound tab. Remote contexts drive the
// user's existing tab; they never open a new one.
func (c *RemoteContext) NewPage(_ context.Context) (Page, error) {
	return &remotePage{ctx: c}, nil
}

// AddCookies installs cookies through the agent.
func (c *RemoteContext) AddCookies(ctx context.Context, cookies []Cookie) error {
	_, err := c.router.Send(ctx, protocol.TypeSetCookies,
		map[string]any{"cookies": cookies}, c.timeout)
	return err
}

// NewCDPSession opens a CDP channel for the bound tab.
func (c *RemoteContext) NewCDPSession(_ context.Context, _ Page) (CDPSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("context is closed")
	}
	sess := &remoteCDPSession{
		ctx:       c,
		listeners: make(map[string][]cdpListener),
		streams:   make(map[string]*client.EventStream),
	}
	c.sessions = append(c.sessions, sess)
	return sess, nil
}

// Close detaches the debugger and closes the router. Detach failures are
// logged; the router is closed regardless.
func (c *RemoteContext) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.closeStreams()
	}

	if _, err := c.router.Send(ctx, protocol.TypeDetachDebugger,
		map[string]any{"tabId": c.tabID}, connectStepTimeout); err != nil {
		logging.Warnf("browser: detach debugger: %v", err)
	}

	return c.router.Close()
}

// remotePage drives the bound tab through correlated commands.
type remotePage struct {
	ctx *RemoteContext

	mu        sync.Mutex
	cachedURL string
}

func (p *remotePage) send(ctx context.Context, msgType string, payload map[string]any) (json.RawMessage, error) {
	return p.ctx.router.Send(ctx, msgType, payload, p.ctx.timeout)
}

func (p *remotePage) Navigate(ctx context.Context, url string, opts NavigateOptions) error {
	payload := map[string]any{
		"tabId":   p.ctx.tabID,
		"url":     url,
		"options": opts,
	}
	if _, err := p.send(ctx, protocol.TypeNavigate, payload); err != nil {
		return err
	}

	// Optimistic read-after-write hint; URL() trusts it until the next
	// explicit lookup path is needed.
	p.mu.Lock()
	p.cachedURL = url
	p.mu.Unlock()
	return nil
}

func (p *remotePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	cached := p.cachedURL
	p.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	info, err := p.tabInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *remotePage) Title(ctx context.Context) (string, error) {
	info, err := p.tabInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *remotePage) tabInfo(ctx context.Context) (*tabInfo, error) {
	res, err := p.send(ctx, protocol.TypeGetTabInfo, map[string]any{"tabId": p.ctx.tabID})
	if err != nil {
		return nil, err
	}
	var info tabInfo
	if err := json.Unmarshal(res, &info); err != nil {
		return nil, fmt.Errorf("decode tab info: %w", err)
	}
	return &info, nil
}

type tabInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (p *remotePage) Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	return p.send(ctx, protocol.TypeEvaluate, map[string]any{
		"tabId":  p.ctx.tabID,
		"script": script,
		"args":   args,
	})
}

// AddInitScript is a no-op on the relay wire; the agent injects its content
// scripts at attach time.
func (p *remotePage) AddInitScript(_ context.Context, _ string) error {
	return nil
}

// WaitForLoadState is a best-effort fixed delay: the relay wire has no
// navigation-lifecycle events to wait on.
func (p *remotePage) WaitForLoadState(ctx context.Context, _ string) error {
	select {
	case <-time.After(500 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *remotePage) Locator(selector string) Locator {
	return &remoteLocator{page: p, selector: selector}
}

func (p *remotePage) Close(ctx context.Context) error {
	_, err := p.send(ctx, protocol.TypeCloseTab, map[string]any{"tabId": p.ctx.tabID})
	return err
}

// remoteCDPSession relays CDP commands and fans events out to callbacks in
// registration order.
type remoteCDPSession struct {
	ctx *RemoteContext

	mu        sync.Mutex
	listeners map[string][]cdpListener
	streams   map[string]*client.EventStream
}

type cdpListener struct {
	id ListenerID
	fn func(params json.RawMessage)
}

func (s *remoteCDPSession) Send(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	return s.ctx.router.Send(ctx, protocol.TypeCDPCommand, map[string]any{
		"method": method,
		"params": params,
		"tabId":  s.ctx.tabID,
	}, s.ctx.timeout)
}

func (s *remoteCDPSession) On(event string, fn func(params json.RawMessage)) (ListenerID, error) {
	id := ListenerID(uuid.NewString())

	s.mu.Lock()
	first := len(s.listeners[event]) == 0
	s.listeners[event] = append(s.listeners[event], cdpListener{id: id, fn: fn})
	if first {
		stream := s.ctx.router.Subscribe(event, 32, map[string]any{
			"tabId":      s.ctx.tabID,
			"listenerId": string(id),
		})
		s.streams[event] = stream
		go s.dispatch(event, stream)
	}
	s.mu.Unlock()

	if first {
		// Registration is issued without blocking the caller; the original
		// behavior treats listener setup as best-effort.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), connectStepTimeout)
			defer cancel()
			_, err := s.ctx.router.Send(ctx, protocol.TypeRegisterCDPListener, map[string]any{
				"tabId":      s.ctx.tabID,
				"eventName":  event,
				"listenerId": string(id),
			}, connectStepTimeout)
			if err != nil {
				logging.Warnf("browser: register CDP listener %s: %v", event, err)
			}
		}()
	}

	return id, nil
}

// dispatch drains one event stream and invokes the event's callbacks in
// registration order. A panicking callback is caught and logged.
func (s *remoteCDPSession) dispatch(event string, stream *client.EventStream) {
	for params := range stream.Events() {
		s.mu.Lock()
		callbacks := make([]cdpListener, len(s.listeners[event]))
		copy(callbacks, s.listeners[event])
		s.mu.Unlock()

		for _, l := range callbacks {
			s.invoke(event, l, params)
		}
	}
}

func (s *remoteCDPSession) invoke(event string, l cdpListener, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("browser: %s callback panic: %v", event, r)
		}
	}()
	l.fn(params)
}

func (s *remoteCDPSession) RemoveListener(event string, id ListenerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.listeners[event][:0]
	for _, l := range s.listeners[event] {
		if l.id != id {
			kept = append(kept, l)
		}
	}
	s.listeners[event] = kept

	if len(kept) == 0 {
		delete(s.listeners, event)
		if stream, ok := s.streams[event]; ok {
			delete(s.streams, event)
			// Closing the last stream for the event name makes the router
			// issue the fire-and-forget unregister notice.
			stream.Close()
		}
	}
	return nil
}

// Detach releases local listeners; the debugger itself is detached when the
// owning context closes.
func (s *remoteCDPSession) Detach(_ context.Context) error {
	s.closeStreams()
	return nil
}

func (s *remoteCDPSession) closeStreams() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*client.EventStream)
	s.listeners = make(map[string][]cdpListener)
	s.mu.Unlock()

	for _, stream := range streams {
		stream.Close()
	}
}
