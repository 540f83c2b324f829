package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/commrelay/commrelay/internal/config"
	"github.com/commrelay/commrelay/internal/identity"
	"github.com/commrelay/commrelay/internal/vk"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [ref...]",
	Short: "Resolve community references to numeric owner ids",
	Long:  "Resolves the given references, or every configured community when none are given.",
	RunE:  resolveAction,
}

func resolveAction(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := vk.NewClient(cfg.VK.Token, logger, vk.WithAPIVersion(cfg.General.VKAPIVersion))
	resolver := identity.NewResolver(client, logger)

	refs := args
	if len(refs) == 0 {
		for _, c := range cfg.Communities {
			refs = append(refs, string(c.ID))
		}
	}

	failed := 0
	out := cmd.OutOrStdout()
	for _, ref := range refs {
		id, err := resolver.Resolve(cmd.Context(), ref)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s\terror: %v\n", ref, err)
			continue
		}
		fmt.Fprintf(out, "%s\t%d\n", ref, id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d references could not be resolved", failed, len(refs))
	}
	return nil
}
