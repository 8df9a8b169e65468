package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/trialsync/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "trialsync",
		Short: "Offline-first replication for dog show trial data",
		Long: `trialsync keeps a local replica of trial classes and entries in sync
with the remote service. It pulls deltas, pushes local edits, records
conflicts for review and prefetches records on demand.

Configuration is read from --config, or from the default path when that
file exists. Every key can be overridden with TRIALSYNC_* environment
variables, for example TRIALSYNC_REMOTE_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default "+config.DefaultPath()+")")

	cmd.AddCommand(
		newRunCmd(opts),
		newConflictsCmd(opts),
		newRejectedCmd(opts),
		newConfigCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load resolves the config file and returns the config with the path it
// came from. An empty path means defaults plus environment only.
func (o *rootOptions) load() (*config.Config, string, error) {
	path := o.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultPath()); err == nil {
			path = config.DefaultPath()
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("stat default config: %w", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trialsync %s (%s)\n", version, commit)
		},
	}
}
