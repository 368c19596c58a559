// Command cascaded is the CLI entry point for the cascade runtime: run a
// single cascade file to completion, or serve the webhook endpoint that
// delivers signals into running cascades. Cascade file loading/validation
// and the CLI itself are both external-collaborator concerns (spec.md §1);
// this command is the thin demo/ops harness that wires the core packages
// together the way an operator actually would, following the shape of the
// teacher's cmd/nexus entry point (root cobra command, subcommands split
// across files, build-time version variables).
package main

import (
	"fmt"
	"log/slog"
	"os"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
