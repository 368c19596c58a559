package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cascaderun/cascade/config"
	"github.com/cascaderun/cascade/runtime"
)

// buildRunCmd creates the "run" command that executes a single cascade
// file to completion and prints its Result as JSON.
func buildRunCmd() *cobra.Command {
	var inputJSON string

	cmd := &cobra.Command{
		Use:   "run [cascade-file]",
		Short: "Run a cascade file to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), args[0], inputJSON)
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "{}", "JSON object passed as the cascade's initial input")
	return cmd
}

func runRun(ctx context.Context, path, inputJSON string) error {
	cfg, err := config.Load(envPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c, err := loadCascadeFile(path)
	if err != nil {
		return err
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return fmt.Errorf("decode --input: %w", err)
	}

	w, err := buildDeps(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build runtime dependencies: %w", err)
	}

	runner, err := runtime.NewRunner(w.Deps)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}

	result, err := runner.Run(ctx, c, input, runtime.Options{})
	if err != nil {
		return fmt.Errorf("run cascade %s: %w", c.ID, err)
	}

	enc, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(enc))
	if result.Err != nil {
		return result.Err
	}
	return nil
}
