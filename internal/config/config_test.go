package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromReader(t *testing.T) {
	t.Parallel()

	t.Run("applies defaults for an empty document", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadFromReader(strings.NewReader(""))
		require.NoError(t, err)
		assert.Nil(t, cfg.Crawl.MaxLevel)
		assert.Equal(t, DefaultMaxPages, cfg.Crawl.MaxPages)
		assert.Equal(t, "chromedp", cfg.Browser.Engine)
		assert.Contains(t, cfg.Crawl.IgnoreParameters, "utm_source")
	})

	t.Run("decodes crawl settings", func(t *testing.T) {
		t.Parallel()

		doc := `
crawl:
  seeds:
    - " https://example.com/blog "
  max_level: 2
  max_pages: 100
  render_delay: 500ms
  ignore_extensions: [".PDF", "zip", "pdf"]
  per_domain_delay: 1.5
  credentials:
    username: alice
    password: secret
logging:
  level: debug
`
		cfg, err := LoadFromReader(strings.NewReader(doc))
		require.NoError(t, err)
		assert.Equal(t, []string{"https://example.com/blog"}, cfg.Crawl.Seeds)
		require.NotNil(t, cfg.Crawl.MaxLevel)
		assert.Equal(t, 2, *cfg.Crawl.MaxLevel)
		assert.Equal(t, 100, cfg.Crawl.MaxPages)
		assert.Equal(t, 500*time.Millisecond, cfg.Crawl.RenderDelay.Duration)
		assert.Equal(t, 1500*time.Millisecond, cfg.Crawl.PerDomainDelay.Duration)
		assert.Equal(t, []string{"pdf", "zip"}, cfg.Crawl.IgnoreExtensions)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		t.Parallel()

		_, err := LoadFromReader(strings.NewReader("crawl:\n  max_depth: 3\n"))
		require.Error(t, err)
	})

	t.Run("rejects half configured credentials", func(t *testing.T) {
		t.Parallel()

		_, err := LoadFromReader(strings.NewReader("crawl:\n  credentials:\n    username: bob\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "credentials")
	})

	t.Run("rejects non http seeds", func(t *testing.T) {
		t.Parallel()

		_, err := LoadFromReader(strings.NewReader("crawl:\n  seeds: [\"ftp://example.com\"]\n"))
		require.Error(t, err)
	})

	t.Run("rejects unsupported engines", func(t *testing.T) {
		t.Parallel()

		_, err := LoadFromReader(strings.NewReader("browser:\n  engine: phantom\n"))
		require.Error(t, err)
	})
}

func TestRateLimitEnabled(t *testing.T) {
	t.Parallel()

	assert.False(t, RateLimitConfig{}.Enabled())
	assert.False(t, RateLimitConfig{Requests: 2}.Enabled())
	assert.True(t, RateLimitConfig{Requests: 2, Window: DurationFrom(time.Second)}.Enabled())
}

func TestFinalizeAfterOverrides(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Crawl.IgnoreExtensions = []string{".PDF", "zip", "pdf"}
	cfg.Crawl.MaxPages = 0
	cfg.Browser.Engine = " Chrome "
	require.NoError(t, cfg.Finalize())
	assert.Equal(t, []string{"pdf", "zip"}, cfg.Crawl.IgnoreExtensions)
	assert.Equal(t, DefaultMaxPages, cfg.Crawl.MaxPages)
	assert.Equal(t, "chrome", cfg.Browser.Engine)

	level := -2
	cfg.Crawl.MaxLevel = &level
	require.Error(t, cfg.Finalize())
}
