// Package cmd provides the CLI commands for siftd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/siftlabs/siftd/internal/config"
	"github.com/siftlabs/siftd/internal/logging"
	"github.com/siftlabs/siftd/pkg/version"
)

var (
	configPath     string
	logLevel       string
	loggingCleanup func()

	cfg *config.Config
)

// NewRootCmd creates the root command for the siftd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "siftd",
		Short: "Hybrid content retrieval and caching engine",
		Long: `siftd turns scraped documents into searchable, deduplicated, cached
knowledge and serves hybrid lexical+semantic queries over it.

Documents are chunked, embedded, and indexed into a vector store and a
BM25 index; repeated fetches of unchanged content are deduplicated by
content hash.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath()
			}
			loaded, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				loaded.Logging.Level = logLevel
			}
			cfg = loaded

			cleanup, err := logging.SetupDefault(logging.Config{
				Level:         cfg.Logging.Level,
				FilePath:      cfg.Logging.FilePath,
				WriteToStderr: true,
			})
			if err != nil {
				return fmt.Errorf("setup logging: %w", err)
			}
			loggingCleanup = cleanup
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if loggingCleanup != nil {
				loggingCleanup()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(),
		newEnqueueCmd(),
		newSearchCmd(),
		newGetCmd(),
		newStatusCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
