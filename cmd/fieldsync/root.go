package main

import (
	"github.com/spf13/cobra"

	"fieldsync/internal/config"
	"fieldsync/internal/logging"
)

type rootOptions struct {
	configPaths []string
	logLevel    string
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline action queue for field technicians",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVarP(&opts.configPaths, "config", "c", nil, "config file (TOML or YAML); repeat to layer overrides")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	return cmd
}

// load reads configuration and installs the global logger on stderr so
// command output stays parseable.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPaths...)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := logging.SetupWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
