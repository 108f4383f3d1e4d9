package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

var (
	// Playwright instance (singleton)
	pwOnce     sync.Once
	pwInstance *playwright.Playwright
	pwErr      error
)

func getPlaywright() (*playwright.Playwright, error) {
	pwOnce.Do(func() {
		if err := playwright.Install(); err != nil {
			pwErr = fmt.Errorf("failed to install playwright browsers: %w", err)
			return
		}
		pw, err := playwright.Run()
		if err != nil {
			pwErr = fmt.Errorf("failed to start playwright: %w", err)
			return
		}
		pwInstance = pw
	})
	return pwInstance, pwErr
}

// LocalOptions configures the directly-driven browser variant.
type LocalOptions struct {
	// CDPURL connects to an already-running browser instead of launching one.
	CDPURL string

	// UserDataDir is the profile directory for a launched browser. Empty
	// means a Playwright-managed temporary profile.
	UserDataDir string

	ExecutablePath string
	Headless       bool
}

// LocalContext is the Playwright-backed Context.
type LocalContext struct {
	mu sync.Mutex

	pw         *playwright.Playwright
	browser    playwright.Browser
	browserCtx playwright.BrowserContext
	managed    bool // launched by us, closed by us
	closed     bool
}

// Launch connects to a browser over CDP or launches a persistent context,
// and returns a Context interchangeable with the relayed variant.
func Launch(_ context.Context, opts LocalOptions) (*LocalContext, error) {
	pw, err := getPlaywright()
	if err != nil {
		return nil, err
	}

	lc := &LocalContext{pw: pw}

	if opts.CDPURL != "" {
		browser, err := pw.Chromium.ConnectOverCDP(opts.CDPURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to CDP at %s: %w", opts.CDPURL, err)
		}
		lc.browser = browser
		if contexts := browser.Contexts(); len(contexts) > 0 {
			lc.browserCtx = contexts[0]
		} else {
			browserCtx, err := browser.NewContext()
			if err != nil {
				browser.Close()
				return nil, fmt.Errorf("failed to create browser context: %w", err)
			}
			lc.browserCtx = browserCtx
		}
		return lc, nil
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
	}
	if opts.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(opts.ExecutablePath)
	}

	browserCtx, err := pw.Chromium.LaunchPersistentContext(opts.UserDataDir, launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser context: %w", err)
	}
	lc.browserCtx = browserCtx
	lc.managed = true
	return lc, nil
}

// NewPage opens a fresh page, or adopts the initial blank page a newly
// launched browser starts with.
func (c *LocalContext) NewPage(_ context.Context) (Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("context is closed")
	}

	if pages := c.browserCtx.Pages(); c.managed && len(pages) == 1 && pages[0].URL() == "about:blank" {
		return &localPage{page: pages[0]}, nil
	}

	pwPage, err := c.browserCtx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &localPage{page: pwPage}, nil
}

// AddCookies installs cookies into the browsing context.
func (c *LocalContext) AddCookies(_ context.Context, cookies []Cookie) error {
	pwCookies := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, cookie := range cookies {
		if cookie.Name == "" {
			return fmt.Errorf("cookie name is required")
		}
		if cookie.URL == "" && (cookie.Domain == "" || cookie.Path == "") {
			return fmt.Errorf("cookie %s requires url, or domain+path", cookie.Name)
		}

		pwCookie := playwright.OptionalCookie{
			Name:  cookie.Name,
			Value: cookie.Value,
		}
		switch cookie.SameSite {
		case "Strict":
			pwCookie.SameSite = playwright.SameSiteAttributeStrict
		case "None":
			pwCookie.SameSite = playwright.SameSiteAttributeNone
		case "Lax":
			pwCookie.SameSite = playwright.SameSiteAttributeLax
		}
		if cookie.Domain != "" {
			pwCookie.Domain = playwright.String(cookie.Domain)
		}
		if cookie.Path != "" {
			pwCookie.Path = playwright.String(cookie.Path)
		}
		if cookie.URL != "" {
			pwCookie.URL = playwright.String(cookie.URL)
		}
		if cookie.Expires > 0 {
			pwCookie.Expires = playwright.Float(cookie.Expires)
		}
		if cookie.HTTPOnly {
			pwCookie.HttpOnly = playwright.Bool(cookie.HTTPOnly)
		}
		if cookie.Secure {
			pwCookie.Secure = playwright.Bool(cookie.Secure)
		}
		pwCookies = append(pwCookies, pwCookie)
	}

	if err := c.browserCtx.AddCookies(pwCookies); err != nil {
		return fmt.Errorf("add cookies failed: %w", err)
	}
	return nil
}

// NewCDPSession opens a CDP channel for a page created by this context.
func (c *LocalContext) NewCDPSession(_ context.Context, page Page) (CDPSession, error) {
	lp, ok := page.(*localPage)
	if !ok {
		return nil, fmt.Errorf("page does not belong to a local context")
	}

	session, err := c.browserCtx.NewCDPSession(lp.page)
	if err != nil {
		return nil, fmt.Errorf("failed to create CDP session: %w", err)
	}
	return &localCDPSession{
		session:  session,
		handlers: make(map[ListenerID]registeredHandler),
	}, nil
}

// Close closes a launched browser; a CDP-connected browser is the user's and
// only gets disconnected.
func (c *LocalContext) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.managed {
		return c.browserCtx.Close()
	}
	if c.browser != nil {
		return c.browser.Close()
	}
	return nil
}

// localPage wraps a Playwright page behind the Page interface.
type localPage struct {
	page playwright.Page
}

func (p *localPage) Navigate(_ context.Context, url string, opts NavigateOptions) error {
	gotoOpts := playwright.PageGotoOptions{}
	switch opts.WaitUntil {
	case "domcontentloaded":
		gotoOpts.WaitUntil = playwright.WaitUntilStateDomcontentloaded
	case "networkidle":
		gotoOpts.WaitUntil = playwright.WaitUntilStateNetworkidle
	case "load", "":
		gotoOpts.WaitUntil = playwright.WaitUntilStateLoad
	}
	if opts.Timeout > 0 {
		gotoOpts.Timeout = playwright.Float(float64(opts.Timeout.Milliseconds()))
	}

	if _, err := p.page.Goto(url, gotoOpts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *localPage) URL(_ context.Context) (string, error) {
	return p.page.URL(), nil
}

func (p *localPage) Title(_ context.Context) (string, error) {
	return p.page.Title()
}

func (p *localPage) Evaluate(_ context.Context, script string, args ...any) (json.RawMessage, error) {
	var result any
	var err error
	if len(args) > 0 {
		result, err = p.page.Evaluate(script, args[0])
	} else {
		result, err = p.page.Evaluate(script)
	}
	if err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	return json.Marshal(result)
}

func (p *localPage) AddInitScript(_ context.Context, script string) error {
	return p.page.AddInitScript(playwright.Script{Content: playwright.String(script)})
}

func (p *localPage) WaitForLoadState(_ context.Context, state string) error {
	loadState := playwright.LoadStateLoad
	switch state {
	case "domcontentloaded":
		loadState = playwright.LoadStateDomcontentloaded
	case "networkidle":
		loadState = playwright.LoadStateNetworkidle
	}
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{State: loadState})
}

func (p *localPage) Locator(selector string) Locator {
	return &localLocator{locator: p.page.Locator(selector)}
}

func (p *localPage) Close(_ context.Context) error {
	return p.page.Close()
}

// localCDPSession wraps a Playwright CDP session.
type localCDPSession struct {
	session playwright.CDPSession

	mu       sync.Mutex
	handlers map[ListenerID]registeredHandler
}

type registeredHandler struct {
	event string
	fn    func(any)
}

func (s *localCDPSession) Send(_ context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	result, err := s.session.Send(method, params)
	if err != nil {
		return nil, fmt.Errorf("CDP %s failed: %w", method, err)
	}
	return json.Marshal(result)
}

func (s *localCDPSession) On(event string, fn func(params json.RawMessage)) (ListenerID, error) {
	id := ListenerID(uuid.NewString())

	handler := func(payload any) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fn(raw)
	}

	s.mu.Lock()
	s.handlers[id] = registeredHandler{event: event, fn: handler}
	s.mu.Unlock()

	s.session.On(event, handler)
	return id, nil
}

func (s *localCDPSession) RemoveListener(event string, id ListenerID) error {
	s.mu.Lock()
	h, ok := s.handlers[id]
	if ok {
		delete(s.handlers, id)
	}
	s.mu.Unlock()

	if !ok || h.event != event {
		return nil
	}
	s.session.RemoveListener(event, h.fn)
	return nil
}

func (s *localCDPSession) Detach(_ context.Context) error {
	return s.session.Detach()
}

// localLocator wraps a Playwright locator.
type localLocator struct {
	locator playwright.Locator
}

func (l *localLocator) Click(_ context.Context) (bool, error) {
	if err := l.locator.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64((30 * time.Second).Milliseconds())),
	}); err != nil {
		return false, fmt.Errorf("click failed: %w", err)
	}
	return true, nil
}

func (l *localLocator) Fill(_ context.Context, value string) (bool, error) {
	if err := l.locator.Fill(value); err != nil {
		return false, fmt.Errorf("fill failed: %w", err)
	}
	return true, nil
}

func (l *localLocator) Evaluate(_ context.Context, fn string, args ...any) (json.RawMessage, error) {
	var arg any
	if len(args) > 0 {
		arg = args[0]
	}
	result, err := l.locator.Evaluate(fn, arg)
	if err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	return json.Marshal(result)
}

func (l *localLocator) First() Locator {
	return &localLocator{locator: l.locator.First()}
}
