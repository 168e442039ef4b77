package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/11ways/specter/internal/config"
	"github.com/11ways/specter/internal/storage"
	"github.com/11ways/specter/pkg/types"
)

type visitLister interface {
	ListVisits(ctx context.Context, runID string, limit int) ([]types.Visit, error)
}

// NewVisitsCmd creates the visits command.
func NewVisitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visits <run-id>",
		Short: "List the recorded visits of a crawl run",
		Long: `Visits prints the pages a crawl run stored in the visit database, most
recent first. The run id is logged when a crawl with a database completes.

Example:
  specter visits -c crawl.yaml 5f0c2a9e-8d6b-4d7e-9a51-0f3c2b1d7e44`,
		Args: cobra.ExactArgs(1),
		RunE: runVisitsCmd,
	}
	cmd.Flags().StringP("config", "c", "", "Path to a YAML configuration file with a db section")
	cmd.Flags().IntP("limit", "n", 100, "Maximum number of visits to print (1-1000)")
	return cmd
}

func runVisitsCmd(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return errors.New("visits needs --config with a db section")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.DB.Enabled() {
		return errors.New("config has no db driver or dsn")
	}
	limit, _ := cmd.Flags().GetInt("limit")

	writer, err := storage.NewSQLWriter(cmd.Context(), cfg.DB)
	if err != nil {
		return fmt.Errorf("visit store: %w", err)
	}
	defer writer.Close()

	return printVisits(cmd.Context(), writer, args[0], limit, cmd.OutOrStdout())
}

func printVisits(ctx context.Context, store visitLister, runID string, limit int, out io.Writer) error {
	visits, err := store.ListVisits(ctx, runID, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VISITED\tLEVEL\tSTATUS\tLINKS\tLOAD\tURL")
	for _, v := range visits {
		target := v.URL
		if v.FinalURL != "" && v.FinalURL != v.URL {
			target = v.URL + " -> " + v.FinalURL
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d/%d\t%s\t%s\n",
			v.VisitedAt.UTC().Format("2006-01-02T15:04:05Z"),
			v.Level,
			v.StatusCode,
			v.InternalLinks,
			v.ExternalLinks,
			v.LoadDuration,
			target,
		)
	}
	return tw.Flush()
}
