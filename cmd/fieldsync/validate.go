package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check configuration without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: storage=%s backend=%s connectivity=%s schedules=%d\n",
				cfg.Storage.Driver, cfg.Backend.BaseURL, cfg.Connectivity.Mode, len(cfg.Schedules))
			return nil
		},
	}
}
