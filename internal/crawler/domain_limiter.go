package crawler

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings allows Requests navigations per Window for each host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

func (s RateLimiterSettings) enabled() bool {
	return s.Requests > 0 && s.Window > 0
}

// DomainLimiter spaces navigations to the same host. It combines a minimum
// delay between requests with an optional token bucket.
type DomainLimiter struct {
	delay time.Duration
	rate  RateLimiterSettings

	mu    sync.Mutex
	hosts map[string]*hostLimiter
}

type hostLimiter struct {
	spacing *rate.Limiter
	bucket  *rate.Limiter
}

// NewDomainLimiter returns nil when neither delay nor rate limit is set; a
// nil limiter never blocks.
func NewDomainLimiter(delay time.Duration, settings RateLimiterSettings) *DomainLimiter {
	if delay <= 0 && !settings.enabled() {
		return nil
	}
	return &DomainLimiter{
		delay: delay,
		rate:  settings,
		hosts: make(map[string]*hostLimiter),
	}
}

// Wait blocks until a navigation to rawURL's host is allowed.
func (d *DomainLimiter) Wait(ctx context.Context, rawURL string) error {
	if d == nil {
		return nil
	}
	host := hostOf(rawURL)
	if host == "" {
		return nil
	}

	limiter := d.limiterFor(host)
	if limiter.spacing != nil {
		if err := limiter.spacing.Wait(ctx); err != nil {
			return err
		}
	}
	if limiter.bucket != nil {
		if err := limiter.bucket.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *DomainLimiter) limiterFor(host string) *hostLimiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.hosts[host]; ok {
		return l
	}
	l := &hostLimiter{}
	if d.delay > 0 {
		l.spacing = rate.NewLimiter(rate.Every(d.delay), 1)
	}
	if d.rate.enabled() {
		interval := d.rate.Window / time.Duration(d.rate.Requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		l.bucket = rate.NewLimiter(rate.Every(interval), d.rate.Requests)
	}
	d.hosts[host] = l
	return l
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
