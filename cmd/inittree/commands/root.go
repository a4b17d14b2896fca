package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// DefaultStorePath is where caches and run history are kept unless --store
// says otherwise.
const DefaultStorePath = ".inittree/state.db"

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	storePath  string
	cacheDir   string
	logLevel   string
	jsonOutput bool
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &rootOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "inittree",
		Short: "inittree - singleton construction order resolver",
		Long: `inittree builds a set of interdependent singleton components exactly once
each, in an order that respects their dependencies.

Features:
  - Component manifests in YAML, JSON or CUE
  - Constructors written in Starlark
  - Rego admission policies over the dependency graph
  - Persisted resolution-order caches and run history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logLevel == "" {
				return nil
			}
			level, err := zerolog.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&opts.storePath, "store", DefaultStorePath, "SQLite database for caches and run history")
	rootCmd.PersistentFlags().StringVar(&opts.cacheDir, "cache-dir", "", "keep caches as JSON files in this directory instead of the store")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newResolveCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newCacheCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))

	return rootCmd
}
