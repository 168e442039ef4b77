package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "specter",
		Short: "Polite same-site crawler on a headless browser",
		Long: `specter crawls a site from one or more seed URLs with a headless browser.
It follows internal links within the seeds' host and path, level by level,
visits every page once and reports each visited page.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(NewCrawlCmd())
	cmd.AddCommand(NewVisitsCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
