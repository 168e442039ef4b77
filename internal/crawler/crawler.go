// Package crawler drives a level-bounded, same-site crawl over a headless
// browser.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/11ways/specter/internal/browser"
	"github.com/11ways/specter/internal/crawlstate"
	"github.com/11ways/specter/internal/queue"
	"github.com/11ways/specter/internal/session"
	"github.com/11ways/specter/internal/urlpolicy"
)

// Crawler orchestrates page sessions through a bounded queue.
type Crawler struct {
	browser browser.Browser
	opts    Options
	logger  *slog.Logger

	policy  *urlpolicy.Policy
	state   *crawlstate.Table
	queue   *queue.Queue
	limiter *DomainLimiter

	started   atomic.Bool
	pageCount atomic.Int64

	mu      sync.RWMutex
	starts  []string
	onPage  []func(PageEvent)
	onError []func(error)
}

// New creates a crawler that opens tabs on b. The queue starts paused so work
// can be primed with Enqueue before Start.
func New(b browser.Browser, opts Options) (*Crawler, error) {
	if b == nil {
		return nil, errors.New("crawler: nil browser")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxLevel < 0 {
		opts.MaxLevel = Unbounded
	}

	policy, err := urlpolicy.New(urlpolicy.Options{
		IgnoreExtensions: opts.IgnoreExtensions,
		IgnoreParameters: opts.IgnoreParameters,
	})
	if err != nil {
		return nil, fmt.Errorf("url policy: %w", err)
	}
	for _, check := range opts.Checks {
		policy.AddCheck(check)
	}

	q := queue.New(ConcurrencyFor(opts.RenderDelay))
	q.Pause()

	return &Crawler{
		browser: b,
		opts:    opts,
		logger:  logger,
		policy:  policy,
		state:   crawlstate.New(urlpolicy.Identifier),
		queue:   q,
		limiter: NewDomainLimiter(opts.PerDomainDelay, opts.RateLimit),
	}, nil
}

// Policy exposes the URL policy for additional configuration.
func (c *Crawler) Policy() *urlpolicy.Policy {
	return c.policy
}

// AddSeed adds a start URL. Its host and path define the crawl scope. A
// trailing slash is dropped the same way extracted links drop it.
func (c *Crawler) AddSeed(raw string) error {
	u, err := c.policy.AddSeed(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.starts = append(c.starts, strings.TrimSuffix(u.String(), "/"))
	c.mu.Unlock()
	return nil
}

// AddCheck registers a custom URL predicate.
func (c *Crawler) AddCheck(check urlpolicy.Check) {
	c.policy.AddCheck(check)
}

// OnPage registers a handler for processed pages. Handlers run on crawl
// goroutines and must be safe for concurrent use.
func (c *Crawler) OnPage(fn func(PageEvent)) {
	c.mu.Lock()
	c.onPage = append(c.onPage, fn)
	c.mu.Unlock()
}

// OnError registers a handler for non-fatal errors.
func (c *Crawler) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = append(c.onError, fn)
	c.mu.Unlock()
}

// PageCount returns the number of pages counted as crawled.
func (c *Crawler) PageCount() int {
	return int(c.pageCount.Load())
}

// Limit returns the queue's concurrency limit.
func (c *Crawler) Limit() int {
	return c.queue.Limit()
}

// Enqueue admits raw as level 0 work outside the seed list. A URL outside
// every seed widens the scope to its host and path. Before Start the work
// waits in the paused queue. It reports false for URLs already known or
// rejected by the extension list or a custom check.
func (c *Crawler) Enqueue(ctx context.Context, raw string) (bool, error) {
	target, err := c.policy.Normalize(strings.TrimSpace(raw))
	if err != nil {
		return false, err
	}
	if !c.policy.InScope(target) {
		if _, err := c.policy.AddSeed(target); err != nil {
			return false, err
		}
	}
	if !c.policy.IsAllowed(target, "") {
		return false, nil
	}
	if !c.state.TryQueue(target) {
		return false, nil
	}
	done := c.schedule(ctx, target, 0)
	go func() {
		if err := <-done; err != nil {
			c.emitError(err)
		}
	}()
	return true, nil
}

// Start crawls the given URLs plus any configured seeds and returns once all
// reachable pages were processed and the queue is idle.
func (c *Crawler) Start(ctx context.Context, urls ...string) error {
	for _, raw := range urls {
		if err := c.AddSeed(raw); err != nil {
			return err
		}
	}
	c.queue.SetLimit(ConcurrencyFor(c.opts.RenderDelay))

	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.mu.RLock()
	starts := append([]string(nil), c.starts...)
	c.mu.RUnlock()

	if len(starts) == 0 && c.queue.IsIdle() {
		c.started.Store(false)
		return ErrNoStartURL
	}

	begin := time.Now()
	c.logger.Info("crawl started",
		"seeds", len(starts),
		"concurrency", c.queue.Limit(),
		"max_level", c.opts.MaxLevel,
	)
	c.queue.Resume()

	var seeds errgroup.Group
	for _, start := range starts {
		target, err := c.policy.Normalize(start)
		if err != nil {
			c.emitError(&PageError{URL: start, Err: err})
			continue
		}
		if !c.state.TryQueue(target) {
			continue
		}
		done := c.schedule(ctx, target, 0)
		seeds.Go(func() error { return <-done })
	}

	seedErr := seeds.Wait()
	waitErr := c.queue.Wait(ctx)

	c.logger.Info("crawl finished",
		"pages", c.PageCount(),
		"tracked", c.state.Count(),
		"finished", c.state.Finished(),
		"duration_ms", time.Since(begin).Milliseconds(),
	)
	return errors.Join(seedErr, waitErr)
}

// schedule queues a crawl of target at level. The returned channel yields
// once the page and everything it scheduled completed, or with
// queue.ErrClosed when the queue drops the task.
func (c *Crawler) schedule(ctx context.Context, target string, level int) <-chan error {
	done := make(chan error, 1)
	task := func(release func()) {
		var children errgroup.Group
		err := c.runTask(ctx, target, level, &children)
		release()
		done <- errors.Join(err, children.Wait())
	}
	dropped := func(err error) {
		done <- fmt.Errorf("crawl %s: %w", target, err)
	}
	if err := c.queue.AddWithDrop(task, dropped); err != nil {
		done <- err
	}
	return done
}

// runTask opens a session for target and crawls it. Panics become errors so
// the queue slot is always released.
func (c *Crawler) runTask(ctx context.Context, target string, level int, children *errgroup.Group) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawl %s: panic: %v", target, r)
			c.logger.Error("crawl task panicked", "url", target, "level", level, "error", err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := session.Open(ctx, c.browser, session.Options{
		RenderDelay: c.opts.RenderDelay,
		Logger:      c.logger,
	})
	if err != nil {
		c.emitError(&PageError{URL: target, Level: level, Err: err})
		return nil
	}
	c.configure(sess)
	sess.SetStartURL(target)
	c.crawlPage(ctx, sess, level, children)
	return nil
}

func (c *Crawler) configure(sess *session.Session) {
	if len(c.opts.Cookies) > 0 {
		sess.SetCookies(c.opts.Cookies)
	}
	if len(c.opts.Headers) > 0 {
		sess.SetHeaders(c.opts.Headers)
	}
	if creds := c.opts.Credentials; creds != nil {
		if err := sess.SetCredentials(creds.Username, creds.Password); err != nil {
			c.logger.Warn("credentials ignored", "error", err)
		}
	}
}

// crawlPage loads one page, admits its unseen internal links at level+1 and
// emits the page. Failures are reported and end the step without links.
func (c *Crawler) crawlPage(ctx context.Context, sess *session.Session, level int, children *errgroup.Group) {
	sess.Keep()
	sess.OnReleased(func() {
		if err := sess.Close(); err != nil {
			c.logger.Debug("close tab", "url", sess.StartURL(), "error", err)
		}
	})
	defer sess.Release()

	if !sess.Navigated() {
		start := sess.StartURL()
		if err := c.limiter.Wait(ctx, start); err != nil {
			return
		}
		if err := sess.Goto(ctx, start); err != nil {
			if errors.Is(err, browser.ErrAbortedDownload) {
				c.logger.Debug("skipped download", "url", start, "level", level)
				return
			}
			c.logger.Warn("navigation failed", "url", start, "level", level, "error", err)
			c.emitError(&PageError{URL: start, Level: level, Err: err})
			return
		}
	}

	startURL := c.normalize(sess.StartURL())
	finalURL := c.normalize(sess.ResponseURL())
	c.state.MarkQueued(startURL)
	if urlpolicy.Identifier(finalURL) != urlpolicy.Identifier(startURL) && !c.state.TryQueue(finalURL) {
		c.logger.Debug("redirect target already known", "url", startURL, "final_url", finalURL)
		return
	}
	if hostOf(finalURL) != hostOf(startURL) {
		c.logger.Debug("redirected off host", "url", startURL, "final_url", finalURL)
		return
	}
	if !c.policy.IsAllowed(finalURL, "") {
		c.logger.Debug("redirect target not allowed", "url", startURL, "final_url", finalURL)
		return
	}

	c.pageCount.Add(1)

	links, err := sess.GetLinks(ctx)
	if err != nil {
		c.logger.Warn("link extraction failed", "url", finalURL, "level", level, "error", err)
		c.emitError(&PageError{URL: finalURL, Level: level, Err: err})
		c.emitPage(PageEvent{Session: sess, Level: level})
		return
	}
	c.state.MarkFinished(startURL, finalURL)

	if c.opts.MaxLevel == Unbounded || level < c.opts.MaxLevel {
		admitted := 0
		for _, link := range links.Internal {
			if c.opts.MaxPages > 0 && c.state.Count() >= c.opts.MaxPages {
				c.logger.Debug("page ceiling reached", "max_pages", c.opts.MaxPages)
				break
			}
			target, err := c.policy.Normalize(link.URL)
			if err != nil {
				continue
			}
			if !c.policy.IsAllowed(target, link.Text) {
				continue
			}
			if !c.state.TryQueue(target) {
				continue
			}
			done := c.schedule(ctx, target, level+1)
			children.Go(func() error { return <-done })
			admitted++
		}
		c.logger.Debug("links admitted", "url", finalURL, "level", level, "admitted", admitted, "internal", len(links.Internal))
	}

	c.emitPage(PageEvent{Session: sess, Level: level})
}

func (c *Crawler) normalize(raw string) string {
	out, err := c.policy.Normalize(raw)
	if err != nil {
		return raw
	}
	return out
}

func (c *Crawler) emitPage(ev PageEvent) {
	c.mu.RLock()
	handlers := append([]func(PageEvent){}, c.onPage...)
	c.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (c *Crawler) emitError(err error) {
	c.mu.RLock()
	handlers := append([]func(error){}, c.onError...)
	c.mu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}
