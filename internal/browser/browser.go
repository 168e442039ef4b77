// Package browser defines the narrow contract the crawler needs from a
// headless browser, and the backends that implement it.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAbortedDownload reports a navigation that turned into a download.
	// It marks a non-page resource rather than a failure.
	ErrAbortedDownload = errors.New("navigation aborted: resource is a download")
	// ErrTabClosed is returned when a closed tab is used.
	ErrTabClosed = errors.New("tab closed")
)

// NavigationError wraps a failed navigation.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

// Response describes a completed navigation.
type Response struct {
	// URL is the final location after redirects.
	URL    string
	Status int
}

// Cookie is applied to a tab before it navigates.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	URL      string
	Secure   bool
	HTTPOnly bool
}

// Credentials are HTTP basic auth credentials.
type Credentials struct {
	Username string
	Password string
}

// ScreenshotOptions tunes Tab.Screenshot.
type ScreenshotOptions struct {
	FullPage bool
	// Quality is the JPEG quality for full page captures; 0 selects PNG.
	Quality int
}

// TabOptions configures a new tab.
type TabOptions struct {
	// RenderDelay is how long after DOM load the tab reports itself rendered.
	RenderDelay time.Duration
	// OnError receives asynchronous tab failures such as a crashed target.
	OnError func(error)
}

// Browser creates tabs.
type Browser interface {
	NewTab(ctx context.Context, opts TabOptions) (Tab, error)
	Close() error
}

// Tab is one browser page.
type Tab interface {
	Goto(ctx context.Context, url string) (Response, error)
	Evaluate(ctx context.Context, script string, out any) error
	// Rendered is closed once the page loaded and the render delay elapsed.
	Rendered() <-chan struct{}
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	SetHeaders(ctx context.Context, headers map[string]string) error
	SetCredentials(ctx context.Context, creds Credentials) error
	Close() error
}

// Open launches the backend named by engine.
func Open(ctx context.Context, engine string, opts ChromeOptions) (Browser, error) {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "chromedp", "chrome", "":
		return NewChrome(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported browser engine %q", engine)
	}
}
