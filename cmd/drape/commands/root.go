// Package commands implements the drape CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/drape-ai/drape/internal/logging"
)

var (
	flagLogLevel string
	flagPretty   bool
)

var rootCmd = &cobra.Command{
	Use:   "drape",
	Short: "Drape backend: sandboxed workspaces with a streaming AI coding agent",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg := logging.DefaultConfig()
		cfg.Level = logging.ParseLevel(flagLogLevel)
		cfg.Pretty = flagPretty
		logging.Init(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "human-readable log output")

	rootCmd.AddCommand(serveCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
