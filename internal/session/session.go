// Package session manages the lifecycle of a single browser tab used to load
// one page and extract its links.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/11ways/specter/internal/browser"
	"github.com/11ways/specter/pkg/types"
)

var (
	// ErrAlreadyLoading is returned by Goto on a session that already navigated.
	ErrAlreadyLoading = errors.New("session already loading a page")
	// ErrClosed is returned when a closed session is used.
	ErrClosed = errors.New("session closed")
	// ErrNotNavigated is returned when rendering is awaited before Goto.
	ErrNotNavigated = errors.New("session has not navigated")
)

// outerHTMLScript reads the rendered DOM.
const outerHTMLScript = `document.documentElement ? document.documentElement.outerHTML : ""`

// State is a point in the session lifecycle.
type State int

const (
	StateCreated State = iota
	StateNavigating
	StateLoaded
	StateRendered
	StateExtracting
	StateReleased
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNavigating:
		return "navigating"
	case StateLoaded:
		return "loaded"
	case StateRendered:
		return "rendered"
	case StateExtracting:
		return "extracting_links"
	case StateReleased:
		return "released"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// LinkExtractionError reports a failure while reading links from a page.
type LinkExtractionError struct {
	URL string
	Err error
}

func (e *LinkExtractionError) Error() string {
	return fmt.Sprintf("extract links from %s: %v", e.URL, e.Err)
}

func (e *LinkExtractionError) Unwrap() error {
	return e.Err
}

// Options configures a session.
type Options struct {
	RenderDelay time.Duration
	Logger      *slog.Logger
}

// Session is one tab, used for exactly one navigation.
type Session struct {
	tab         browser.Tab
	renderDelay time.Duration
	logger      *slog.Logger

	mu           sync.Mutex
	state        State
	err          error
	keepAlive    int
	kept         bool
	closed       bool
	onReleased   []func()
	startURL     string
	responseURL  string
	status       int
	loadDuration time.Duration
	navigated    bool
	links        *types.LinkSet

	cookies []browser.Cookie
	headers map[string]string
	creds   *browser.Credentials

	failed    chan struct{}
	failOnce  sync.Once
	closeOnce sync.Once
	extract   singleflight.Group
}

// Open creates a tab on b and wraps it in a session.
func Open(ctx context.Context, b browser.Browser, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		renderDelay: opts.RenderDelay,
		logger:      logger,
		headers:     make(map[string]string),
		failed:      make(chan struct{}),
	}
	tab, err := b.NewTab(ctx, browser.TabOptions{
		RenderDelay: opts.RenderDelay,
		OnError:     s.fail,
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.tab = tab
	return s, nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateError
	}
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.failOnce.Do(func() { close(s.failed) })
}

// Keep registers an interested party. The tab stays open until every Keep
// is matched by a Release.
func (s *Session) Keep() {
	s.mu.Lock()
	s.keepAlive++
	s.kept = true
	s.mu.Unlock()
}

// Release drops one interest. Reaching zero fires the released callbacks.
// Calling Release at zero does nothing.
func (s *Session) Release() {
	s.mu.Lock()
	if s.keepAlive == 0 {
		s.mu.Unlock()
		return
	}
	s.keepAlive--
	if s.keepAlive > 0 {
		s.mu.Unlock()
		return
	}
	if s.state != StateError && s.state != StateClosed {
		s.state = StateReleased
	}
	callbacks := append([]func(){}, s.onReleased...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// OnReleased registers fn to run each time the keep-alive count drops to zero.
func (s *Session) OnReleased(fn func()) {
	s.mu.Lock()
	s.onReleased = append(s.onReleased, fn)
	s.mu.Unlock()
}

// KeepAlive returns the current keep-alive count.
func (s *Session) KeepAlive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlive
}

// Close closes the tab. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.state != StateError {
			s.state = StateClosed
		}
		s.mu.Unlock()
		err = s.tab.Close()
	})
	return err
}

// Closed reports whether the tab was closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetCookie buffers a cookie applied before navigation.
func (s *Session) SetCookie(c browser.Cookie) {
	s.SetCookies([]browser.Cookie{c})
}

// SetCookies buffers cookies applied before navigation.
func (s *Session) SetCookies(cookies []browser.Cookie) {
	s.mu.Lock()
	s.cookies = append(s.cookies, cookies...)
	s.mu.Unlock()
}

// SetHeader buffers an extra request header.
func (s *Session) SetHeader(name, value string) {
	s.mu.Lock()
	s.headers[name] = value
	s.mu.Unlock()
}

// SetHeaders buffers extra request headers.
func (s *Session) SetHeaders(headers map[string]string) {
	s.mu.Lock()
	for k, v := range headers {
		s.headers[k] = v
	}
	s.mu.Unlock()
}

// SetCredentials buffers basic auth credentials. Both parts are required.
func (s *Session) SetCredentials(username, password string) error {
	if username == "" || password == "" {
		return errors.New("credentials require both username and password")
	}
	s.mu.Lock()
	s.creds = &browser.Credentials{Username: username, Password: password}
	s.mu.Unlock()
	return nil
}

// SetStartURL records the URL this session is meant to load.
func (s *Session) SetStartURL(u string) {
	s.mu.Lock()
	s.startURL = u
	s.mu.Unlock()
}

// Goto navigates the tab to target. A session navigates only once.
func (s *Session) Goto(ctx context.Context, target string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.responseURL != "" {
		s.mu.Unlock()
		return ErrAlreadyLoading
	}
	s.startURL = target
	s.responseURL = target
	s.state = StateNavigating
	cookies := append([]browser.Cookie(nil), s.cookies...)
	headers := make(map[string]string, len(s.headers))
	for k, v := range s.headers {
		headers[k] = v
	}
	creds := s.creds
	s.mu.Unlock()

	if err := s.applySettings(ctx, target, cookies, headers, creds); err != nil {
		navErr := &browser.NavigationError{URL: target, Err: err}
		s.setError(navErr)
		return navErr
	}

	start := time.Now()
	resp, err := s.tab.Goto(ctx, target)
	if err != nil {
		var navErr *browser.NavigationError
		if !errors.As(err, &navErr) {
			err = &browser.NavigationError{URL: target, Err: err}
		}
		s.setError(err)
		return err
	}

	s.mu.Lock()
	if resp.URL != "" {
		s.responseURL = resp.URL
	}
	s.status = resp.Status
	s.loadDuration = time.Since(start)
	s.navigated = true
	if s.state == StateNavigating {
		s.state = StateLoaded
	}
	s.mu.Unlock()

	s.logger.Debug("page loaded",
		"url", target,
		"final_url", resp.URL,
		"status", resp.Status,
	)
	return nil
}

func (s *Session) applySettings(ctx context.Context, target string, cookies []browser.Cookie, headers map[string]string, creds *browser.Credentials) error {
	if len(cookies) > 0 {
		for i := range cookies {
			if cookies[i].Domain == "" && cookies[i].URL == "" {
				cookies[i].URL = target
			}
		}
		if err := s.tab.SetCookies(ctx, cookies); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}
	if len(headers) > 0 {
		if err := s.tab.SetHeaders(ctx, headers); err != nil {
			return fmt.Errorf("set headers: %w", err)
		}
	}
	if creds != nil {
		if err := s.tab.SetCredentials(ctx, *creds); err != nil {
			return fmt.Errorf("set credentials: %w", err)
		}
	}
	return nil
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateError
	}
	s.err = err
	s.mu.Unlock()
}

// Navigated reports whether Goto completed successfully.
func (s *Session) Navigated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigated
}

// StartURL returns the URL navigation started from.
func (s *Session) StartURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startURL
}

// ResponseURL returns the final URL after redirects.
func (s *Session) ResponseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseURL
}

// Status returns the HTTP status of the main document.
func (s *Session) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LoadDuration returns how long navigation took.
func (s *Session) LoadDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadDuration
}

// RenderDelay returns the configured post-load delay.
func (s *Session) RenderDelay() time.Duration {
	return s.renderDelay
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session into StateError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Links returns the extracted links, or nil before extraction.
func (s *Session) Links() *types.LinkSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links
}

// WaitRendered blocks until the page rendered. It returns at once when that
// already happened.
func (s *Session) WaitRendered(ctx context.Context) error {
	s.mu.Lock()
	navigated, closed := s.navigated, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !navigated {
		if err := s.Err(); err != nil {
			return err
		}
		return ErrNotNavigated
	}

	select {
	case <-s.tab.Rendered():
		s.mu.Lock()
		if s.state == StateLoaded {
			s.state = StateRendered
		}
		s.mu.Unlock()
		return nil
	case <-s.failed:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate runs script in the rendered page and decodes the result into out.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	if err := s.WaitRendered(ctx); err != nil {
		return err
	}
	return s.tab.Evaluate(ctx, script, out)
}

// Screenshot captures the rendered page.
func (s *Session) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	if err := s.WaitRendered(ctx); err != nil {
		return nil, err
	}
	return s.tab.Screenshot(ctx, opts)
}

// GetLinks extracts the page's links once. Concurrent callers share the
// in-flight extraction; later callers receive the stored result.
func (s *Session) GetLinks(ctx context.Context) (*types.LinkSet, error) {
	if links := s.Links(); links != nil {
		return links, nil
	}
	v, err, _ := s.extract.Do("links", func() (any, error) {
		if links := s.Links(); links != nil {
			return links, nil
		}
		return s.extractLinks(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.LinkSet), nil
}

func (s *Session) extractLinks(ctx context.Context) (*types.LinkSet, error) {
	pageURL := s.ResponseURL()
	if err := s.WaitRendered(ctx); err != nil {
		return nil, &LinkExtractionError{URL: pageURL, Err: err}
	}

	s.mu.Lock()
	if s.state == StateRendered || s.state == StateLoaded {
		s.state = StateExtracting
	}
	s.mu.Unlock()

	var html string
	if err := s.tab.Evaluate(ctx, outerHTMLScript, &html); err != nil {
		extractErr := &LinkExtractionError{URL: pageURL, Err: err}
		s.setError(extractErr)
		return nil, extractErr
	}
	links, err := ExtractLinks(pageURL, strings.NewReader(html))
	if err != nil {
		extractErr := &LinkExtractionError{URL: pageURL, Err: err}
		s.setError(extractErr)
		return nil, extractErr
	}

	s.mu.Lock()
	s.links = links
	s.mu.Unlock()
	return links, nil
}
