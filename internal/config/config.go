package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxPages bounds runaway crawls when no ceiling is configured.
const DefaultMaxPages = 5000

// Config captures the full configuration required to run a crawl.
type Config struct {
	DB      SQLConfig     `yaml:"db"`
	Crawl   CrawlConfig   `yaml:"crawl"`
	Browser BrowserConfig `yaml:"browser"`
	Logging LoggingConfig `yaml:"logging"`
}

// SQLConfig describes the relational database that receives visit records.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// Enabled reports whether visit records should be persisted.
func (c SQLConfig) Enabled() bool {
	return c.Driver != "" && c.DSN != ""
}

// CrawlConfig controls scope, depth and politeness of a crawl.
type CrawlConfig struct {
	Seeds []string `yaml:"seeds"`
	// MaxLevel is the link distance limit; nil means unbounded.
	MaxLevel           *int              `yaml:"max_level"`
	MaxPages           int               `yaml:"max_pages"`
	RenderDelay        Duration          `yaml:"render_delay"`
	IgnoreExtensions   []string          `yaml:"ignore_extensions"`
	IgnoreParameters   []string          `yaml:"ignore_parameters"`
	UserAgent          string            `yaml:"user_agent"`
	Headers            map[string]string `yaml:"headers"`
	Cookies            []CookieConfig    `yaml:"cookies"`
	Credentials        CredentialsConfig `yaml:"credentials"`
	PerDomainDelay     Duration          `yaml:"per_domain_delay"`
	RateLimitPerDomain RateLimitConfig   `yaml:"rate_limit_per_domain"`
}

// CookieConfig declares a cookie set on every tab before navigation.
type CookieConfig struct {
	Name     string `yaml:"name"`
	Value    string `yaml:"value"`
	Domain   string `yaml:"domain"`
	Path     string `yaml:"path"`
	Secure   bool   `yaml:"secure"`
	HTTPOnly bool   `yaml:"http_only"`
}

// CredentialsConfig holds HTTP basic auth credentials.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Set reports whether any credential part was configured.
func (c CredentialsConfig) Set() bool {
	return c.Username != "" || c.Password != ""
}

// RateLimitConfig applies a token bucket per domain.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// BrowserConfig selects and tunes the headless browser backend.
type BrowserConfig struct {
	Engine            string   `yaml:"engine"`
	NavigationTimeout Duration `yaml:"navigation_timeout"`
	DisableHeadless   bool     `yaml:"disable_headless"`
	ExecPath          string   `yaml:"exec_path"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			MaxPages:  DefaultMaxPages,
			UserAgent: "specter-crawler/1.0",
			Headers:   map[string]string{},
			IgnoreParameters: []string{
				"utm_source",
				"utm_medium",
				"utm_campaign",
				"utm_term",
				"utm_content",
				"fbclid",
				"gclid",
			},
		},
		Browser: BrowserConfig{
			Engine:            "chromedp",
			NavigationTimeout: DurationFrom(60 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()

	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the crawler configuration.
// Seeds are optional here because they may also be given on the command line.
func (c Config) Validate() error {
	for i, seed := range c.Crawl.Seeds {
		if seed == "" {
			return fmt.Errorf("seed %d has empty url", i)
		}
		u, err := url.Parse(seed)
		if err != nil {
			return fmt.Errorf("seed %d: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("seed %s must use http or https", seed)
		}
	}
	if c.Crawl.MaxLevel != nil && *c.Crawl.MaxLevel < 0 {
		return fmt.Errorf("crawl.max_level must be >= 0 (got %d)", *c.Crawl.MaxLevel)
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.RenderDelay.Duration < 0 {
		return fmt.Errorf("crawl.render_delay must be >= 0 (got %s)", c.Crawl.RenderDelay)
	}
	if rl := c.Crawl.RateLimitPerDomain; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit_per_domain.requests must be >= 0 (got %d)", rl.Requests)
	}
	if creds := c.Crawl.Credentials; creds.Set() && (creds.Username == "" || creds.Password == "") {
		return errors.New("crawl.credentials require both username and password")
	}
	for i, cookie := range c.Crawl.Cookies {
		if cookie.Name == "" {
			return fmt.Errorf("crawl.cookies[%d] has empty name", i)
		}
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	switch c.Browser.Engine {
	case "chromedp", "chrome":
	default:
		return fmt.Errorf("unsupported browser engine %q", c.Browser.Engine)
	}
	return nil
}

// Finalize normalises c after programmatic changes, such as command line
// overrides, and validates the result.
func (c *Config) Finalize() error {
	c.normalise()
	return c.Validate()
}

func (c *Config) normalise() {
	for i := range c.Crawl.Seeds {
		c.Crawl.Seeds[i] = strings.TrimSpace(c.Crawl.Seeds[i])
	}
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Browser.Engine = strings.ToLower(strings.TrimSpace(c.Browser.Engine))
	if c.Crawl.MaxPages == 0 {
		c.Crawl.MaxPages = DefaultMaxPages
	}
	if c.Crawl.Headers == nil {
		c.Crawl.Headers = make(map[string]string)
	}
	if len(c.Crawl.IgnoreExtensions) > 0 {
		exts := make([]string, 0, len(c.Crawl.IgnoreExtensions))
		for _, ext := range c.Crawl.IgnoreExtensions {
			exts = append(exts, strings.TrimPrefix(strings.TrimSpace(ext), "."))
		}
		c.Crawl.IgnoreExtensions = dedupeLower(exts)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether per-domain rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
