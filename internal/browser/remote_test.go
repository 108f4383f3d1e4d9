package browser

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabpilot/tabpilot/internal/relay"
)

// testWire is a real relay server plus a scripted extension agent, so the
// facade is exercised over the same wire it speaks in production.
type testWire struct {
	relay *relay.Server
	http  *httptest.Server
	agent *scriptedAgent
}

func newTestWire(t *testing.T) *testWire {
	t.Helper()
	srv := relay.NewServer()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})

	w := &testWire{relay: srv, http: ts}
	w.agent = newScriptedAgent(t, w.wsURL())

	deadline := time.Now().Add(time.Second)
	for !srv.ExtensionConnected() {
		if time.Now().After(deadline) {
			t.Fatal("agent did not register")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return w
}

func (w *testWire) wsURL() string {
	return "ws" + strings.TrimPrefix(w.http.URL, "http") + "/ws"
}

// scriptedAgent answers correlated commands from canned results and records
// every frame it sees.
type scriptedAgent struct {
	conn   *websocket.Conn
	frames chan map[string]any

	mu      sync.Mutex
	results map[string]any    // command type → result payload
	fail    map[string]string // command type → error message
}

func newScriptedAgent(t *testing.T, wsURL string) *scriptedAgent {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("agent dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"EXTENSION_READY"}`)); err != nil {
		t.Fatalf("agent hello: %v", err)
	}

	a := &scriptedAgent{
		conn:   conn,
		frames: make(chan map[string]any, 64),
		results: map[string]any{
			"GET_ACTIVE_TAB": map[string]any{"tabId": 42, "title": "Example Tab"},
			"GET_TAB_INFO":   map[string]any{"url": "https://example.com/", "title": "Example Domain"},
		},
		fail: make(map[string]string),
	}

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(a.frames)
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			a.frames <- frame

			id, _ := frame["id"].(string)
			if id == "" {
				continue
			}
			msgType, _ := frame["type"].(string)
			a.respond(id, msgType)
		}
	}()

	return a
}

func (a *scriptedAgent) respond(id, msgType string) {
	a.mu.Lock()
	errMsg, failing := a.fail[msgType]
	result, ok := a.results[msgType]
	a.mu.Unlock()

	var frame []byte
	if failing {
		frame, _ = json.Marshal(map[string]any{
			"type": "RESPONSE", "id": id, "success": false, "error": errMsg,
		})
	} else {
		if !ok {
			result = map[string]any{}
		}
		frame, _ = json.Marshal(map[string]any{
			"type": "RESPONSE", "id": id, "success": true, "result": result,
		})
	}

	a.mu.Lock()
	a.conn.WriteMessage(websocket.TextMessage, frame)
	a.mu.Unlock()
}

func (a *scriptedAgent) setResult(msgType string, result any) {
	a.mu.Lock()
	a.results[msgType] = result
	a.mu.Unlock()
}

func (a *scriptedAgent) failWith(msgType, errMsg string) {
	a.mu.Lock()
	a.fail[msgType] = errMsg
	a.mu.Unlock()
}

func (a *scriptedAgent) emit(t *testing.T, frame string) {
	t.Helper()
	a.mu.Lock()
	err := a.conn.WriteMessage(websocket.TextMessage, []byte(frame))
	a.mu.Unlock()
	if err != nil {
		t.Fatalf("agent emit: %v", err)
	}
}

// await returns the next recorded frame of the wanted type, skipping others.
func (a *scriptedAgent) await(t *testing.T, msgType string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-a.frames:
			if !ok {
				t.Fatal("agent connection closed")
			}
			if frame["type"] == msgType {
				return frame
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s at agent", msgType)
		}
	}
}

func connectWire(t *testing.T, w *testWire) *RemoteContext {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bctx, err := Connect(ctx, ConnectOptions{ServerURL: w.wsURL()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { bctx.Close(context.Background()) })
	return bctx
}

func TestConnectHandshake(t *testing.T) {
	w := newTestWire(t)
	bctx := connectWire(t, w)

	w.agent.await(t, "GET_ACTIVE_TAB")
	attach := w.agent.await(t, "ATTACH_DEBUGGER")
	if attach["tabId"] != float64(42) {
		t.Errorf("ATTACH_DEBUGGER tabId = %v, want 42", attach["tabId"])
	}
	if bctx.TabID() != 42 {
		t.Errorf("TabID = %d, want 42", bctx.TabID())
	}
}

func TestConnectFailsWhenAttachFails(t *testing.T) {
	w := newTestWire(t)
	w.agent.failWith("ATTACH_DEBUGGER", "tab is protected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Connect(ctx, ConnectOptions{ServerURL: w.wsURL()})
	if err == nil {
		t.Fatal("expected error when attach fails")
	}
	if !strings.Contains(err.Error(), "tab is protected") {
		t.Errorf("error = %v", err)
	}
}

func TestPageNavigateCachesURL(t *testing.T) {
	w := newTestWire(t)
	bctx := connectWire(t, w)

	ctx := context.Background()
	page, err := bctx.NewPage(ctx)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	if err := page.Navigate(ctx, "https://example.com/login", NavigateOptions{WaitUntil: "load"}); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	nav := w.agent.await(t, "NAVIGATE")
	if nav["url"] != "https://example.com/login" || nav["tabId"] != float64(42) {
		t.Errorf("NAVIGATE frame = %v", nav)
	}
	opts, _ := nav["options"].(map[string]any)
	if opts["waitUntil"] != "load" {
		t.Errorf("options = %v", nav["options"])
	}

	// URL comes from the navigation hint without another round trip.
	url, err := page.URL(ctx)
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if url != "https://example.com/login" {
		t.Errorf("URL = %q", url)
	}

	// Title always asks the browser.
	title, err := page.Title(ctx)
	if err != nil {
		t.Fatalf("Title: %v", err)
	}
	if title != "Example Domain" {
		t.Errorf("Title = %q", title)
	}
	w.agent.await(t, "GET_TAB_INFO")
}

func TestPageEvaluate(t *testing.T) {
	w := newTestWire(t)
	bctx := connectWire(t, w)
	w.agent.setResult("EVALUATE", map[string]any{"count": 3})

	ctx := context.Background()
	page, _ := bctx.NewPage(ctx)

	result, err := page.Evaluate(ctx, "document.querySelectorAll('a').length")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	frame := w.agent.await(t, "EVALUATE")
	if frame["script"] != "document.querySelectorAll('a').length" {
		t.Errorf("script = %v", frame["script"])
	}
	if args, ok := frame["args"].([]any); !ok || len(args) != 0 {
		t.Errorf("args = %v, want empty array", frame["args"])
	}

	var decoded struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil || decoded.Count != 3 {
		t.Errorf("result = %s", result)
	}
}

func TestLocatorClickSynthesizesXPathScript(t *testing.T) {
	w := newTestWire(t)
	bctx := connectWire(t, w)
	w.agent.setResult("EVALUATE", true)

	ctx := context.Background()
	page, _ := bctx.NewPage(ctx)

	ok, err := page.Locator(`xpath=//button[@id="submit"]`).Click(ctx)
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if !ok {
		t.Error("Click reported element not found")
	}

	frame := w.agent.await(t, "EVALUATE")
	script, _ := frame["script"].(string)
	if !strings.Contains(script, `//button[@id=\"submit\"`) && !strings.Contains(script, `//button[@id="submit"]`) {
		t.Errorf("script missing xpath: %s", script)
	}
	if strings.Contains(script, "xpath=") {
		t.Error("xpath= prefix should be stripped from the script")
	}
	if !strings.Contains(script, "FIRST_ORDERED_NODE_TYPE") {
		t.Errorf("script is not an XPath lookup: %s", script)
	}
	if !strings.Contains(script, "element.click()") {
		t.Errorf("script does not click: %s", script)
	}
}

func TestLocatorReportsMissingElement(t *testing.T) {
	w := newTestWire(t)
	bctx := connectWire(t, w)
	w.agent.setResult("EVALUATE", false)

	ctx := context.Background()
	page, _ := bctx.NewPage(ctx)

	ok, err := page.Locator("//input[@name='q']").Fill(ctx, "golang")
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if ok {
		t.Error("Fill should report element not found")
	}

	frame := w.agent.await(t, "EVALUATE")
	script, _ := frame["script"].(string)
	if !strings.Contains(script, "dispatchEvent") {
		t.Errorf("fill script missing input events: %s", script)
	}
}

func TestCDPSessionEventDelivery(t *testing.T) {
	w := newTestWire(t)
	bctx := connectWire(t, w)

	ctx := context.Background()
	page, _ := bctx.NewPage(ctx)
	sess, err := bctx.NewCDPSession(ctx, page)
	if err != nil {
		t.Fatalf("NewCDPSession: %v", err)
	}

	got := make(chan json.RawMessage, 4)
	id, err := sess.On("Network.requestWillBeSent", func(params json.RawMessage) {
		got <- params
	})
	if err != nil {
		t.Fatalf("On: %v", err)
	}

	reg := w.agent.await(t, "REGISTER_CDP_LISTENER")
	if reg["eventName"] != "Network.requestWillBeSent" || reg["tabId"] != float64(42) {
		t.Errorf("register frame = %v", reg)
	}

	w.agent.emit(t, `{"type":"CDP_EVENT","tabId":42,"method":"Network.requestWillBeSent","params":{"requestId":"req-9"}}`)

	select {
	case params := <-got:
		var decoded struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(params, &decoded); err != nil || decoded.RequestID != "req-9" {
			t.Errorf("params = %s", params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for CDP event callback")
	}

	// Removing the last listener unregisters upstream.
	if err := sess.RemoveListener("Network.requestWillBeSent", id); err != nil {
		t.Fatalf("RemoveListener: %v", err)
	}
	unreg := w.agent.await(t, "UNREGISTER_CDP_LISTENER")
	if unreg["eventName"] != "Network.requestWillBeSent" {
		t.Errorf("unregister frame = %v", unreg)
	}
}

func TestCDPSessionCallbackOrder(t *testing.T) {
	w := newTestWire(t)
	bctx := connectWire(t, w)

	ctx := context.Background()
	page, _ := bctx.NewPage(ctx)
	sess, _ := bctx.NewCDPSession(ctx, page)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 2)
	sess.On("Page.loadEventFired", func(json.RawMessage) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		done <- struct{}{}
	})
	sess.On("Page.loadEventFired", func(json.RawMessage) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		done <- struct{}{}
	})

	w.agent.await(t, "REGISTER_CDP_LISTENER")
	w.agent.emit(t, `{"type":"CDP_EVENT","tabId":42,"method":"Page.loadEventFired","params":{}}`)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for callbacks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("callback order = %v", order)
	}
}

func TestCDPSessionSend(t *testing.T) {
	w := newTestWire(t)
	bctx := connectWire(t, w)
	w.agent.setResult("CDP_COMMAND", map[string]any{"frameId": "f-1"})

	ctx := context.Background()
	page, _ := bctx.NewPage(ctx)
	sess, _ := bctx.NewCDPSession(ctx, page)

	result, err := sess.Send(ctx, "Page.navigate", map[string]any{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	frame := w.agent.await(t, "CDP_COMMAND")
	if frame["method"] != "Page.navigate" || frame["tabId"] != float64(42) {
		t.Errorf("CDP_COMMAND frame = %v", frame)
	}

	var decoded struct {
		FrameID string `json:"frameId"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil || decoded.FrameID != "f-1" {
		t.Errorf("result = %s", result)
	}
}

func TestAddCookies(t *testing.T) {
	w := newTestWire(t)
	bctx := connectWire(t, w)

	err := bctx.AddCookies(context.Background(), []Cookie{
		{Name: "sid", Value: "abc", Domain: "example.com", Path: "/", HTTPOnly: true},
	})
	if err != nil {
		t.Fatalf("AddCookies: %v", err)
	}

	frame := w.agent.await(t, "SET_COOKIES")
	cookies, _ := frame["cookies"].([]any)
	if len(cookies) != 1 {
		t.Fatalf("cookies = %v", frame["cookies"])
	}
	cookie, _ := cookies[0].(map[string]any)
	if cookie["name"] != "sid" || cookie["httpOnly"] != true {
		t.Errorf("cookie = %v", cookie)
	}
}

func TestContextCloseDetachesDebugger(t *testing.T) {
	w := newTestWire(t)
	bctx := connectWire(t, w)

	if err := bctx.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	detach := w.agent.await(t, "DETACH_DEBUGGER")
	if detach["tabId"] != float64(42) {
		t.Errorf("DETACH_DEBUGGER frame = %v", detach)
	}

	// Close is idempotent and does not detach twice.
	if err := bctx.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
