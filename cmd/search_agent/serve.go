package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/creator-pipeline/internal/config"
	"github.com/jonathan/creator-pipeline/internal/server"
	"github.com/jonathan/creator-pipeline/internal/server/ratelimit"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  `Start an HTTP server that creates pipeline runs, streams their progress as Server-Sent Events, and serves their results.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides PORT and the config file)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	// Runs outlive requests but stop with the process; interrupted runs are
	// left resumable in the store.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer func() {
		cancelRuns()
		a.Close()
	}()

	resumed, err := a.orchestrator.Resume(runCtx)
	if err != nil {
		return err
	}
	if resumed > 0 {
		log.Info("resumed interrupted runs", "count", resumed)
	}

	var auth *config.JWTConfig
	if cfg.Auth.Secret != "" {
		auth = &cfg.Auth
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		Port:            cfg.Server.Port,
		Store:           a.store,
		Runner:          a.orchestrator,
		Streamer:        a.bridge,
		Results:         a.agg,
		RunContext:      runCtx,
		Auth:            auth,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ReadTimeout:     cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit: ratelimit.NewConfig(ratelimit.Settings{
			Enabled:       cfg.RateLimit.Enabled,
			DefaultLimit:  cfg.RateLimit.DefaultLimit,
			DefaultWindow: cfg.RateLimit.DefaultWindow,
			IdleTTL:       cfg.RateLimit.IdleTTL,
			Whitelist:     cfg.RateLimit.Whitelist,
			Blacklist:     cfg.RateLimit.Blacklist,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}
