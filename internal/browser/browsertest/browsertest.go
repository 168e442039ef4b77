// Package browsertest provides an in-memory browser for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/11ways/specter/internal/browser"
)

// Page is a canned response served by the fake browser.
type Page struct {
	HTML   string
	Status int
	// RedirectTo makes navigation end on another registered URL.
	RedirectTo string
	// Err fails the navigation.
	Err error
	// EvalErr fails every Evaluate call on the page.
	EvalErr error
	// Crash reports an asynchronous tab failure instead of rendering.
	Crash bool
}

// Browser serves registered pages. Unknown URLs load as an empty 404 page.
type Browser struct {
	// NavigateDelay is added to every navigation.
	NavigateDelay time.Duration
	// HonourRenderDelay waits the tab's render delay before signalling
	// rendered. By default tabs render immediately after loading.
	HonourRenderDelay bool

	mu         sync.Mutex
	pages      map[string]Page
	visits     map[string]int
	order      []string
	open       int
	peak       int
	opened     int
	closed     bool
	navHeaders map[string]map[string]string
	navCookies map[string][]browser.Cookie
	navCreds   map[string]browser.Credentials
}

// New returns an empty fake browser.
func New() *Browser {
	return &Browser{
		pages:      make(map[string]Page),
		visits:     make(map[string]int),
		navHeaders: make(map[string]map[string]string),
		navCookies: make(map[string][]browser.Cookie),
		navCreds:   make(map[string]browser.Credentials),
	}
}

// Handle registers p for url.
func (b *Browser) Handle(url string, p Page) {
	if p.Status == 0 {
		p.Status = 200
	}
	b.mu.Lock()
	b.pages[url] = p
	b.mu.Unlock()
}

// HandleHTML registers an HTML page for url.
func (b *Browser) HandleHTML(url, html string) {
	b.Handle(url, Page{HTML: html})
}

// Visits returns how many times url was navigated to.
func (b *Browser) Visits(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visits[url]
}

// Navigations returns every navigated URL in order.
func (b *Browser) Navigations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// OpenTabs returns the number of tabs not yet closed.
func (b *Browser) OpenTabs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// PeakTabs returns the highest number of simultaneously open tabs.
func (b *Browser) PeakTabs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

// TabsOpened returns the total number of tabs created.
func (b *Browser) TabsOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// HeadersAt returns the extra headers active when url was navigated to.
func (b *Browser) HeadersAt(url string) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.navHeaders[url]
}

// CookiesAt returns the cookies set before url was navigated to.
func (b *Browser) CookiesAt(url string) []browser.Cookie {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.navCookies[url]
}

// CredentialsAt returns the credentials active when url was navigated to.
func (b *Browser) CredentialsAt(url string) (browser.Credentials, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.navCreds[url]
	return c, ok
}

func (b *Browser) NewTab(ctx context.Context, opts browser.TabOptions) (browser.Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("browser closed")
	}
	b.open++
	b.opened++
	if b.open > b.peak {
		b.peak = b.open
	}
	return &tab{
		browser:  b,
		opts:     opts,
		rendered: make(chan struct{}),
		headers:  make(map[string]string),
	}, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

type tab struct {
	browser *Browser
	opts    browser.TabOptions

	mu         sync.Mutex
	page       Page
	closed     bool
	headers    map[string]string
	cookies    []browser.Cookie
	creds      *browser.Credentials
	renderOnce sync.Once
	rendered   chan struct{}
}

func (t *tab) Goto(ctx context.Context, url string) (browser.Response, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return browser.Response{}, &browser.NavigationError{URL: url, Err: browser.ErrTabClosed}
	}
	headers := make(map[string]string, len(t.headers))
	for k, v := range t.headers {
		headers[k] = v
	}
	cookies := append([]browser.Cookie(nil), t.cookies...)
	creds := t.creds
	t.mu.Unlock()

	b := t.browser
	b.mu.Lock()
	b.visits[url]++
	b.order = append(b.order, url)
	b.navHeaders[url] = headers
	b.navCookies[url] = cookies
	if creds != nil {
		b.navCreds[url] = *creds
	}
	page, ok := b.pages[url]
	delay := b.NavigateDelay
	b.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return browser.Response{URL: url}, &browser.NavigationError{URL: url, Err: ctx.Err()}
		}
	}

	if !ok {
		page = Page{Status: 404}
	}
	if page.Err != nil {
		return browser.Response{URL: url}, &browser.NavigationError{URL: url, Err: page.Err}
	}
	final := url
	if page.RedirectTo != "" {
		final = page.RedirectTo
		b.mu.Lock()
		target, ok := b.pages[final]
		b.mu.Unlock()
		if !ok {
			target = Page{Status: 404}
		}
		page = target
	}

	t.mu.Lock()
	t.page = page
	t.mu.Unlock()

	if page.Crash {
		if t.opts.OnError != nil {
			t.opts.OnError(fmt.Errorf("target crashed: %s", final))
		}
		return browser.Response{URL: final, Status: page.Status}, nil
	}
	t.markLoaded()
	return browser.Response{URL: final, Status: page.Status}, nil
}

func (t *tab) markLoaded() {
	t.renderOnce.Do(func() {
		if t.browser.HonourRenderDelay && t.opts.RenderDelay > 0 {
			time.AfterFunc(t.opts.RenderDelay, func() { close(t.rendered) })
			return
		}
		close(t.rendered)
	})
}

// Evaluate stores the page HTML into out when out is a *string.
func (t *tab) Evaluate(ctx context.Context, script string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return browser.ErrTabClosed
	}
	if t.page.EvalErr != nil {
		return t.page.EvalErr
	}
	if s, ok := out.(*string); ok {
		*s = t.page.HTML
	}
	return nil
}

func (t *tab) Rendered() <-chan struct{} {
	return t.rendered
}

func (t *tab) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, browser.ErrTabClosed
	}
	return []byte(fmt.Sprintf("screenshot full=%t", opts.FullPage)), nil
}

func (t *tab) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	t.mu.Lock()
	t.cookies = append(t.cookies, cookies...)
	t.mu.Unlock()
	return nil
}

func (t *tab) SetHeaders(ctx context.Context, headers map[string]string) error {
	t.mu.Lock()
	for k, v := range headers {
		t.headers[k] = v
	}
	t.mu.Unlock()
	return nil
}

func (t *tab) SetCredentials(ctx context.Context, creds browser.Credentials) error {
	t.mu.Lock()
	t.creds = &creds
	t.mu.Unlock()
	return nil
}

func (t *tab) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.browser.mu.Lock()
	t.browser.open--
	t.browser.mu.Unlock()
	return nil
}
