// Package cli wires the courtbot commands.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "./config.json"

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "courtbot",
		Short:         "Book sports courts the moment reservations open",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", DefaultConfigPath, "path to config file (json or yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRaceCommand(opts))
	cmd.AddCommand(NewCheckConfigCommand(opts))

	return cmd
}
