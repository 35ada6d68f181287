package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"fieldsync/internal/domain"
	"fieldsync/internal/store"
)

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics from the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", format)
			}
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			sc := cfg.StoreConfig()
			sc.ReadOnly = true
			st, err := store.Open(cmd.Context(), sc)
			if errors.Is(err, store.ErrNotPersistent) {
				return fmt.Errorf("stats needs a persistent storage driver, got %q", sc.Driver)
			}
			if err != nil {
				return err
			}
			defer st.Close()

			actions, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}
			stats := domain.ComputeStats(actions)

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Fprintf(out, "total:      %d\n", stats.Total)
			fmt.Fprintf(out, "pending:    %d\n", stats.Pending)
			fmt.Fprintf(out, "processing: %d\n", stats.Processing)
			fmt.Fprintf(out, "completed:  %d\n", stats.Completed)
			fmt.Fprintf(out, "failed:     %d\n", stats.Failed)
			fmt.Fprintf(out, "conflict:   %d\n", stats.Conflict)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json)")
	return cmd
}
