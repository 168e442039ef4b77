package crawler

import (
	"log/slog"
	"math"
	"time"

	"github.com/11ways/specter/internal/browser"
	"github.com/11ways/specter/internal/config"
	"github.com/11ways/specter/internal/urlpolicy"
)

// Unbounded disables the level limit.
const Unbounded = -1

// Options configures a Crawler.
type Options struct {
	// MaxLevel is the deepest link distance from a seed that is expanded.
	// Pages at MaxLevel are visited but their links are not followed.
	MaxLevel    int
	RenderDelay time.Duration
	// MaxPages caps the number of distinct URLs the crawl tracks.
	MaxPages         int
	IgnoreExtensions []string
	IgnoreParameters []string
	Checks           []urlpolicy.Check

	Cookies     []browser.Cookie
	Headers     map[string]string
	Credentials *browser.Credentials

	PerDomainDelay time.Duration
	RateLimit      RateLimiterSettings

	Logger *slog.Logger
}

// DefaultOptions returns an unbounded crawl with the default page ceiling.
func DefaultOptions() Options {
	return Options{
		MaxLevel: Unbounded,
		MaxPages: config.DefaultMaxPages,
	}
}

// OptionsFromConfig maps the crawl section of cfg onto Options.
func OptionsFromConfig(cfg config.Config, logger *slog.Logger) Options {
	crawl := cfg.Crawl
	opts := DefaultOptions()
	if crawl.MaxLevel != nil {
		opts.MaxLevel = *crawl.MaxLevel
	}
	if crawl.MaxPages > 0 {
		opts.MaxPages = crawl.MaxPages
	}
	opts.RenderDelay = crawl.RenderDelay.Duration
	opts.IgnoreExtensions = append([]string(nil), crawl.IgnoreExtensions...)
	opts.IgnoreParameters = append([]string(nil), crawl.IgnoreParameters...)
	opts.PerDomainDelay = crawl.PerDomainDelay.Duration
	opts.RateLimit = RateLimiterSettings{
		Requests: crawl.RateLimitPerDomain.Requests,
		Window:   crawl.RateLimitPerDomain.Window.Duration,
	}
	if len(crawl.Headers) > 0 {
		opts.Headers = make(map[string]string, len(crawl.Headers))
		for k, v := range crawl.Headers {
			opts.Headers[k] = v
		}
	}
	for _, c := range crawl.Cookies {
		opts.Cookies = append(opts.Cookies, browser.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	if crawl.Credentials.Set() {
		opts.Credentials = &browser.Credentials{
			Username: crawl.Credentials.Username,
			Password: crawl.Credentials.Password,
		}
	}
	opts.Logger = logger
	return opts
}

// ConcurrencyFor returns the queue limit for a render delay. Longer waits
// per page need more slots to keep throughput.
func ConcurrencyFor(renderDelay time.Duration) int {
	ms := float64(renderDelay) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	n := 4 * int(math.Ceil(0.5+ms/1000))
	return max(2, min(10, n))
}
