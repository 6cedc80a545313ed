package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/news-crawler/internal/state"
)

// newSummaryCmd creates the 'summary' subcommand.
func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the progress summary stored in the state file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), e)
		},
	}
}

func printSummary(w io.Writer, e *env) error {
	st, err := state.New(state.Config{
		Path:        e.cfg.State.Path,
		BackupCount: e.cfg.State.BackupCount,
		Logger:      e.logger.Named("state"),
	})
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st.GetSummary()); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}
