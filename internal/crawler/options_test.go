package crawler

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/11ways/specter/internal/config"
)

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	level := 3
	cfg.Crawl.MaxLevel = &level
	cfg.Crawl.MaxPages = 250
	cfg.Crawl.RenderDelay = config.DurationFrom(750 * time.Millisecond)
	cfg.Crawl.IgnoreExtensions = []string{"pdf"}
	cfg.Crawl.Headers = map[string]string{"X-Env": "staging"}
	cfg.Crawl.Cookies = []config.CookieConfig{{Name: "consent", Value: "yes", Domain: "example.com"}}
	cfg.Crawl.Credentials = config.CredentialsConfig{Username: "u", Password: "p"}
	cfg.Crawl.PerDomainDelay = config.DurationFrom(time.Second)
	cfg.Crawl.RateLimitPerDomain = config.RateLimitConfig{Requests: 5, Window: config.DurationFrom(time.Minute)}

	opts := OptionsFromConfig(cfg, nil)
	assert.Equal(t, 3, opts.MaxLevel)
	assert.Equal(t, 250, opts.MaxPages)
	assert.Equal(t, 750*time.Millisecond, opts.RenderDelay)
	assert.Equal(t, []string{"pdf"}, opts.IgnoreExtensions)
	assert.Contains(t, opts.IgnoreParameters, "utm_source")
	assert.Equal(t, "staging", opts.Headers["X-Env"])
	require.Len(t, opts.Cookies, 1)
	assert.Equal(t, "example.com", opts.Cookies[0].Domain)
	require.NotNil(t, opts.Credentials)
	assert.Equal(t, "p", opts.Credentials.Password)
	assert.Equal(t, time.Second, opts.PerDomainDelay)
	assert.Equal(t, RateLimiterSettings{Requests: 5, Window: time.Minute}, opts.RateLimit)
}

func TestOptionsFromConfigDefaults(t *testing.T) {
	t.Parallel()

	opts := OptionsFromConfig(config.Default(), nil)
	assert.Equal(t, Unbounded, opts.MaxLevel, "a missing max_level means unbounded")
	assert.Equal(t, config.DefaultMaxPages, opts.MaxPages)
	assert.Nil(t, opts.Credentials)
	assert.Empty(t, opts.Cookies)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewLogger(config.LoggingConfig{Level: "warn", Structured: true}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "url", "https://example.com")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), "structured logging writes JSON")
	assert.Contains(t, out, `"url":"https://example.com"`)

	_, err = NewLogger(config.LoggingConfig{Level: "verbose"}, &buf)
	require.Error(t, err)
}
