// Package browser presents a browser tab as a local automation handle. The
// Context / Page / CDPSession / Locator interfaces have two implementations:
// a remote variant that relays every operation through the extension relay
// wire, and a local variant backed by Playwright driving a directly-launched
// or CDP-connected browser. Callers depend only on the interfaces, never on
// which transport backs them.
package browser

import (
	"context"
	"encoding/json"
	"time"
)

// Context is a browser context handle: the root object both variants hand to
// callers.
type Context interface {
	// NewPage returns a page handle. The remote variant always returns the
	// relay-bound tab; the local variant opens a fresh page.
	NewPage(ctx context.Context) (Page, error)

	// AddCookies installs cookies into the browsing context.
	AddCookies(ctx context.Context, cookies []Cookie) error

	// NewCDPSession opens a CDP command/event channel for a page.
	NewCDPSession(ctx context.Context, page Page) (CDPSession, error)

	// Close releases the context. The remote variant detaches the debugger
	// and closes the underlying router.
	Close(ctx context.Context) error
}

// Page is a single tab.
type Page interface {
	// Navigate loads a URL. The target URL is cached as an optimistic
	// read-after-write hint for URL().
	Navigate(ctx context.Context, url string, opts NavigateOptions) error

	// URL returns the cached URL if known, otherwise asks the browser.
	URL(ctx context.Context) (string, error)

	// Title returns the tab's current title.
	Title(ctx context.Context) (string, error)

	// Evaluate runs a script in the page and returns its JSON result.
	Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error)

	// AddInitScript installs a script to run on every new document. On the
	// remote variant this is a no-op: the agent's content scripts are
	// already injected before any client connects.
	AddInitScript(ctx context.Context, script string) error

	// WaitForLoadState waits for the page to settle. The remote variant only
	// offers a best-effort fixed delay.
	WaitForLoadState(ctx context.Context, state string) error

	// Locator returns an element handle for a selector. The remote variant
	// accepts XPath selectors, with or without an "xpath=" prefix.
	Locator(selector string) Locator

	// Close closes the tab.
	Close(ctx context.Context) error
}

// CDPSession is a Chrome DevTools Protocol channel bound to one tab. CDP
// payloads are opaque JSON forwarded verbatim.
type CDPSession interface {
	// Send issues a CDP method and returns its result payload.
	Send(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)

	// On registers a callback for a CDP event. Callbacks for one event fire
	// in registration order.
	On(event string, fn func(params json.RawMessage)) (ListenerID, error)

	// RemoveListener removes a callback registered with On. Removing the
	// last listener for an event unregisters it upstream, best-effort.
	RemoveListener(event string, id ListenerID) error

	// Detach releases the session.
	Detach(ctx context.Context) error
}

// Locator is an element handle resolved lazily at action time. Actions
// report whether the element was found; there is no retry and no
// actionability wait on the remote variant.
type Locator interface {
	Click(ctx context.Context) (bool, error)
	Fill(ctx context.Context, value string) (bool, error)

	// Evaluate applies a JS function to the located element and returns its
	// JSON result, or null when the element is missing.
	Evaluate(ctx context.Context, fn string, args ...any) (json.RawMessage, error)

	// First narrows the locator to the first match.
	First() Locator
}

// ListenerID identifies one registered event callback.
type ListenerID string

// NavigateOptions configures navigation.
type NavigateOptions struct {
	// WaitUntil is "load", "domcontentloaded", or "networkidle". The remote
	// agent interprets it; empty means the agent's default.
	WaitUntil string `json:"waitUntil,omitempty"`

	Timeout time.Duration `json:"-"`
}

// Cookie is a browser cookie. Either URL or Domain+Path must be set.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	URL      string  `json:"url,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}
