package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/commrelay/commrelay/internal/config"
	"github.com/commrelay/commrelay/internal/state"
)

var stateJSON bool

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show high-water marks and retained delivery digests",
	RunE:  stateAction,
}

func init() {
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "print the raw state snapshot as JSON")
}

func stateAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return printState(cmd.OutOrStdout(), store.Snapshot(), stateJSON)
}

func printState(w io.Writer, snap *state.Snapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	sources := make([]string, 0, len(snap.Marks))
	for id := range snap.Marks {
		sources = append(sources, id)
	}
	sort.Strings(sources)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tITEM\tPUBLISHED")
	for _, id := range sources {
		mark := snap.Marks[id]
		fmt.Fprintf(tw, "%s\t%d\t%s\n", id, mark.ItemID, time.Unix(mark.Timestamp, 0).UTC().Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d digests retained\n", len(snap.Digests))
	return err
}
