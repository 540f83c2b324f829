package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/commrelay/commrelay/internal/config"
	"github.com/commrelay/commrelay/internal/ingestion"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single tick over all communities and exit",
	RunE:  onceAction,
}

func onceAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return onceWithConfig(cmd, cfg)
}

func onceWithConfig(cmd *cobra.Command, cfg *config.Config) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.logger.Error("shutdown error", "error", err)
		}
	}()

	report := a.tick(cmd.Context())
	printReport(cmd.OutOrStdout(), report)

	if failures := report.Failures(); len(failures) > 0 {
		return fmt.Errorf("%d of %d communities failed", len(failures), len(report.Sources))
	}
	return nil
}

func printReport(w io.Writer, report ingestion.TickReport) {
	fmt.Fprintf(w, "run %s: %d delivered in %s\n",
		report.RunID, report.Delivered(), report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	for _, s := range report.Sources {
		line := fmt.Sprintf("  %-24s %-7s fetched=%d delivered=%d duplicates=%d blocked=%d filtered=%d failed=%d",
			s.Name, s.Status, s.Fetched, s.Delivered, s.Duplicates, s.Blocked, s.Filtered, s.Failed)
		if s.Baseline {
			line += " baseline"
		}
		if s.Stage != "" {
			line += fmt.Sprintf(" stage=%s", s.Stage)
		}
		if s.Error != "" {
			line += " error=" + s.Error
		} else if s.Reason != "" {
			line += " reason=" + s.Reason
		}
		fmt.Fprintln(w, line)
	}
}
