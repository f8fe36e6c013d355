package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"credence/config"
	"credence/core"
	"credence/gateway"
	"credence/observability/logging"
	"credence/state"
	"credence/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	configFile := flag.String("config", "./credld.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("credld", cfg.Environment, logging.Options{
		Level:    parseLevel(cfg.LogLevel),
		FilePath: cfg.LogFile,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("credld exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	instance, err := cfg.Instance()
	if err != nil {
		return err
	}
	trustedSigner, err := cfg.TrustedSigner()
	if err != nil {
		return err
	}
	operator, err := cfg.Operator()
	if err != nil {
		return err
	}
	breaker, err := cfg.BreakerConfig()
	if err != nil {
		return err
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	node, err := core.NewNode(core.Config{
		ChainID:       cfg.ChainID,
		Instance:      instance,
		Operator:      operator,
		TrustedSigner: trustedSigner,
		Breaker:       breaker,
	}, state.NewManager(db), logger)
	if err != nil {
		return fmt.Errorf("initialize node: %w", err)
	}

	server, err := gateway.NewServer(node, gateway.Config{
		APISecret:      cfg.APISecret,
		OperatorSecret: cfg.OperatorSecret,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			slog.String("addr", cfg.ListenAddress),
			slog.Uint64("chainId", cfg.ChainID),
			slog.String("operator", operator.String()),
			slog.String("trustedSigner", node.TrustedSigner().String()),
			slog.Bool("paused", node.Paused()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
