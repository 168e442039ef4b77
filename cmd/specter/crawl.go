package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/11ways/specter/internal/browser"
	"github.com/11ways/specter/internal/config"
	"github.com/11ways/specter/internal/crawler"
	"github.com/11ways/specter/internal/storage"
)

// NewCrawlCmd creates the crawl command.
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [seed-url...]",
		Short: "Crawl a site starting from the given seeds",
		Long: `Crawl loads each seed in a headless browser, extracts its links and follows
the internal ones that stay under a seed's host and path.

Examples:
  # Crawl a documentation section two links deep
  specter crawl --max-level 2 https://example.com/docs

  # Use a configuration file and wait a second after each page loads
  specter crawl -c crawl.yaml --render-delay 1s`,
		Args: cobra.ArbitraryArgs,
		RunE: runCrawlCmd,
	}

	cmd.Flags().StringP("config", "c", "", "Path to a YAML configuration file")
	cmd.Flags().IntP("max-level", "l", 0, "Deepest link level to follow (unbounded when unset)")
	cmd.Flags().IntP("max-pages", "p", config.DefaultMaxPages, "Maximum number of distinct URLs to track")
	cmd.Flags().DurationP("render-delay", "r", 0, "Wait after DOM load before reading a page")
	cmd.Flags().StringSlice("ignore-ext", nil, "File extensions never crawled")
	cmd.Flags().StringSlice("ignore-param", nil, "Query parameters removed before dedup (/expr/ for patterns)")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().Bool("headful", false, "Show the browser window")
	return cmd
}

func runCrawlCmd(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, args)
	if err != nil {
		return err
	}
	if len(cfg.Crawl.Seeds) == 0 {
		return errors.New("no seed url: pass one as an argument or set crawl.seeds")
	}

	logger, err := crawler.NewLogger(cfg.Logging, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return runCrawl(ctx, *cfg, logger)
}

// resolveConfig loads the configuration file, if any, and applies flags and
// positional seeds on top of it.
func resolveConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	}

	if flags.Changed("max-level") {
		level, _ := flags.GetInt("max-level")
		cfg.Crawl.MaxLevel = &level
	}
	if flags.Changed("max-pages") {
		cfg.Crawl.MaxPages, _ = flags.GetInt("max-pages")
	}
	if flags.Changed("render-delay") {
		delay, _ := flags.GetDuration("render-delay")
		cfg.Crawl.RenderDelay = config.DurationFrom(delay)
	}
	if flags.Changed("ignore-ext") {
		exts, _ := flags.GetStringSlice("ignore-ext")
		cfg.Crawl.IgnoreExtensions = append(cfg.Crawl.IgnoreExtensions, exts...)
	}
	if flags.Changed("ignore-param") {
		params, _ := flags.GetStringSlice("ignore-param")
		cfg.Crawl.IgnoreParameters = append(cfg.Crawl.IgnoreParameters, params...)
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("headful") {
		cfg.Browser.DisableHeadless, _ = flags.GetBool("headful")
	}
	cfg.Crawl.Seeds = append(cfg.Crawl.Seeds, args...)

	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// runCrawl launches the browser, runs the crawl and tears everything down.
func runCrawl(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	registry := browser.NewRegistry()
	defer func() {
		if closeErr := registry.CloseAll(); closeErr != nil {
			logger.Warn("close browsers", "error", closeErr)
		}
	}()

	b, err := browser.Open(ctx, cfg.Browser.Engine, browser.ChromeOptions{
		UserAgent:         cfg.Crawl.UserAgent,
		NavigationTimeout: cfg.Browser.NavigationTimeout.Duration,
		DisableHeadless:   cfg.Browser.DisableHeadless,
		ExecPath:          cfg.Browser.ExecPath,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	registry.Track(b)

	return crawlWith(ctx, b, cfg, logger)
}

// crawlWith runs one crawl on an already running browser.
func crawlWith(ctx context.Context, b browser.Browser, cfg config.Config, logger *slog.Logger) error {
	c, err := crawler.New(b, crawler.OptionsFromConfig(cfg, logger))
	if err != nil {
		return err
	}
	for _, seed := range cfg.Crawl.Seeds {
		if err := c.AddSeed(seed); err != nil {
			return err
		}
	}

	c.OnPage(func(ev crawler.PageEvent) {
		s := ev.Session
		attrs := []any{
			"url", s.StartURL(),
			"level", ev.Level,
			"status", s.Status(),
		}
		if links := s.Links(); links != nil {
			attrs = append(attrs, "internal", len(links.Internal), "external", len(links.External))
		}
		logger.Info("page visited", attrs...)
	})
	c.OnError(func(err error) {
		logger.Debug("page error", "error", err)
	})

	var recorder *storage.Recorder
	if cfg.DB.Enabled() {
		writer, err := storage.NewSQLWriter(ctx, cfg.DB)
		if err != nil {
			return fmt.Errorf("visit store: %w", err)
		}
		defer writer.Close()
		recorder = storage.NewRecorder(writer, logger)
		c.OnPage(recorder.Handler(ctx))
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	summary := []any{"pages", c.PageCount(), "concurrency", c.Limit()}
	if recorder != nil {
		summary = append(summary, "run_id", recorder.RunID(), "saved", recorder.Saved(), "failed", recorder.Failed())
	}
	logger.Info("crawl complete", summary...)
	return nil
}
