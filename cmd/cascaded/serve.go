package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/cascaderun/cascade/config"
	"github.com/cascaderun/cascade/internal/webhook"
)

// buildServeCmd creates the "serve" command that starts the webhook server
// signals resolve against, following the shape of the teacher's "serve"
// command (flags, RunE delegating to a standalone runServe).
func buildServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the signal-delivery webhook endpoint",
		Long: `Start the HTTP server that external systems (human approval UIs,
sensor pollers, webhook callers) use to deliver signals into running
cascades (spec.md §4.8).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(envPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	w, err := buildDeps(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build runtime dependencies: %w", err)
	}

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	webhook.NewServer(w.SignalStore).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
