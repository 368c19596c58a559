package main

import (
	"github.com/spf13/cobra"
)

var envPath string

// buildRootCmd assembles the root command and its subcommands. Separated
// from main so tests can inspect the command tree without executing it.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "cascaded",
		Short:        "Run and serve declarative LLM cascades",
		Version:      versionString(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "path to a .env file of runtime configuration")

	root.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
	)
	return root
}
