package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/buzzni/virtual-try-on/internal/config"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/repositories"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "tryon-server",
	Short:        "Virtual try-on compositing server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: port=%s backends=%v\n", cfg.Server.Port, cfg.Backends())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TRYON_CONFIG"), "Path to the YAML configuration file")
	rootCmd.AddCommand(checkCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.TimeOnly}))
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("[boot] starting", "port", cfg.Server.Port, "backends", cfg.Backends(),
		"project", cfg.Google.ProjectID, "location", cfg.Google.Location, "use_sdk", cfg.Google.UseSDK)

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	bg, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	go repositories.RunJanitor(bg, app.repo, cfg.Requests.Retention, cfg.Requests.JanitorInterval, logger)
	go app.watcher.Run(bg)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "running", app.useCase.Running())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := app.useCase.Shutdown(shutdownCtx); err != nil {
		logger.Warn("requests still running at shutdown were cancelled", "error", err)
	}
	return nil
}
