package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jxucoder/rlmserver/internal/config"
	"github.com/jxucoder/rlmserver/internal/httpapi"
	"github.com/jxucoder/rlmserver/internal/sandbox"
	"github.com/jxucoder/rlmserver/internal/session"
	"github.com/jxucoder/rlmserver/internal/translog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the RLM server",
	Long:  "Start the RLM API server that manages sandboxed REPL sessions.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	launchConfig := sandbox.LaunchConfig{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		RecursiveModel: cfg.RecursiveModel,
	}
	var launcher sandbox.Launcher
	if cfg.SandboxRuntime == "process" {
		launcher = sandbox.NewProcessLauncher(launchConfig)
	} else {
		launcher = sandbox.NewDockerLauncher(launchConfig)
	}

	manager, err := session.Spawn(session.Config{
		MaxSessions:     cfg.MaxSessions,
		IngressCapacity: cfg.IngressCapacity,
		SandboxPoolSize: cfg.SandboxPoolSize,
	}, launcher)
	if err != nil {
		return fmt.Errorf("initializing session manager: %w", err)
	}
	defer manager.Close()

	var store *translog.Store
	if cfg.EnableLogging {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		store, err = translog.New(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing transcript store: %w", err)
		}
		defer store.Close()
		log.Printf("transcript logging enabled at %s", cfg.DatabasePath)
	}

	handler := httpapi.New(manager, cfg.Model, cfg.MaxInflight, store)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: handler.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("rlmserver listening on %s", cfg.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
