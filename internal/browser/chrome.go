package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeOptions configures the chromedp backend.
type ChromeOptions struct {
	UserAgent         string
	NavigationTimeout time.Duration
	DisableHeadless   bool
	ExecPath          string
	Logger            *slog.Logger
}

// Chrome runs one headless Chrome process; each tab is a separate target.
type Chrome struct {
	opts   ChromeOptions
	ctx    context.Context
	logger *slog.Logger

	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc
	closeOnce     sync.Once
}

// NewChrome launches Chrome and keeps it running until Close or until ctx
// is cancelled.
func NewChrome(ctx context.Context, opts ChromeOptions) (*Chrome, error) {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.WindowSize(1680, 1050),
	)
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}
	if opts.ExecPath != "" {
		execOpts = append(execOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, execOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	logger.Debug("chrome launched", "headless", !opts.DisableHeadless)

	return &Chrome{
		opts:          opts,
		ctx:           browserCtx,
		logger:        logger,
		cancelAlloc:   cancelAlloc,
		cancelBrowser: cancelBrowser,
	}, nil
}

// NewTab opens a new target in the running browser.
func (c *Chrome) NewTab(ctx context.Context, opts TabOptions) (Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ctx.Err(); err != nil {
		return nil, fmt.Errorf("new tab: %w", err)
	}

	tabCtx, cancel := chromedp.NewContext(c.ctx)
	tab := &chromeTab{
		ctx:      tabCtx,
		cancel:   cancel,
		timeout:  c.opts.NavigationTimeout,
		delay:    opts.RenderDelay,
		onError:  opts.OnError,
		rendered: make(chan struct{}),
		statuses: make(map[string]int),
		headers:  make(map[string]string),
		logger:   c.logger,
	}
	chromedp.ListenTarget(tabCtx, tab.onEvent)

	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("new tab: %w", err)
	}
	return tab, nil
}

// Close shuts the browser down.
func (c *Chrome) Close() error {
	c.closeOnce.Do(func() {
		c.cancelBrowser()
		c.cancelAlloc()
	})
	return nil
}

type chromeTab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	delay   time.Duration
	onError func(error)
	logger  *slog.Logger

	navigating atomic.Bool
	closed     atomic.Bool
	loadOnce   sync.Once
	rendered   chan struct{}

	mu         sync.Mutex
	statuses   map[string]int
	lastStatus int
	headers    map[string]string
	authHeader string
}

func (t *chromeTab) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		t.mu.Lock()
		t.statuses[e.Response.URL] = int(e.Response.Status)
		t.lastStatus = int(e.Response.Status)
		t.mu.Unlock()
	case *page.EventDomContentEventFired:
		if t.navigating.Load() {
			t.markLoaded()
		}
	case *inspector.EventTargetCrashed:
		t.fail(errors.New("target crashed"))
	case *inspector.EventDetached:
		t.fail(fmt.Errorf("target detached: %s", e.Reason))
	}
}

func (t *chromeTab) fail(err error) {
	if t.onError != nil && !t.closed.Load() {
		t.onError(err)
	}
}

// markLoaded starts the render delay once.
func (t *chromeTab) markLoaded() {
	t.loadOnce.Do(func() {
		if t.delay <= 0 {
			close(t.rendered)
			return
		}
		time.AfterFunc(t.delay, func() { close(t.rendered) })
	})
}

// runContext derives a context for one chromedp.Run on this tab that also
// stops when the caller's ctx is done.
func (t *chromeTab) runContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(t.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(t.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (t *chromeTab) Goto(ctx context.Context, target string) (Response, error) {
	if t.closed.Load() {
		return Response{}, &NavigationError{URL: target, Err: ErrTabClosed}
	}
	runCtx, cancel := t.runContext(ctx, t.timeout)
	defer cancel()

	t.navigating.Store(true)
	start := time.Now()
	var location string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(target),
		chromedp.Location(&location),
	)
	if err != nil {
		if strings.Contains(err.Error(), "net::ERR_ABORTED") {
			err = ErrAbortedDownload
		}
		return Response{URL: target}, &NavigationError{URL: target, Err: err}
	}
	t.markLoaded()

	if location == "" {
		location = target
	}
	t.mu.Lock()
	status, ok := t.statuses[location]
	if !ok {
		status = t.lastStatus
	}
	t.mu.Unlock()

	t.logger.Debug("chrome navigation complete",
		"url", target,
		"final_url", location,
		"status", status,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return Response{URL: location, Status: status}, nil
}

func (t *chromeTab) Evaluate(ctx context.Context, script string, out any) error {
	if t.closed.Load() {
		return ErrTabClosed
	}
	runCtx, cancel := t.runContext(ctx, t.timeout)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (t *chromeTab) Rendered() <-chan struct{} {
	return t.rendered
}

func (t *chromeTab) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrTabClosed
	}
	runCtx, cancel := t.runContext(ctx, t.timeout)
	defer cancel()

	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if opts.FullPage {
		quality := opts.Quality
		if quality <= 0 {
			quality = 100
		}
		action = chromedp.FullScreenshot(&buf, quality)
	}
	if err := chromedp.Run(runCtx, action); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

func (t *chromeTab) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	runCtx, cancel := t.runContext(ctx, t.timeout)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			params := network.SetCookie(c.Name, c.Value).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if c.Domain != "" {
				params = params.WithDomain(c.Domain)
			}
			if c.Path != "" {
				params = params.WithPath(c.Path)
			}
			if c.URL != "" {
				params = params.WithURL(c.URL)
			}
			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

func (t *chromeTab) SetHeaders(ctx context.Context, headers map[string]string) error {
	t.mu.Lock()
	for k, v := range headers {
		t.headers[k] = v
	}
	t.mu.Unlock()
	return t.applyHeaders(ctx)
}

// SetCredentials sends the credentials as a basic auth header on every
// request of the tab.
func (t *chromeTab) SetCredentials(ctx context.Context, creds Credentials) error {
	token := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
	t.mu.Lock()
	t.authHeader = "Basic " + token
	t.mu.Unlock()
	return t.applyHeaders(ctx)
}

func (t *chromeTab) applyHeaders(ctx context.Context) error {
	t.mu.Lock()
	headers := make(network.Headers, len(t.headers)+1)
	for k, v := range t.headers {
		headers[k] = v
	}
	if t.authHeader != "" {
		headers["Authorization"] = t.authHeader
	}
	t.mu.Unlock()

	runCtx, cancel := t.runContext(ctx, t.timeout)
	defer cancel()
	return chromedp.Run(runCtx, network.SetExtraHTTPHeaders(headers))
}

func (t *chromeTab) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	return nil
}
