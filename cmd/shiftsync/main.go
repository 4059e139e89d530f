package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shiftsync/internal/config"
	"shiftsync/internal/intercept"
	"shiftsync/internal/logging"
	"shiftsync/internal/telemetry"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "shiftsync",
	Short:         "Offline cache and mutation queue for the time-tracking client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("SHIFTSYNC_CONFIG", "/shiftsync.yaml"), "path to shiftsync.yaml (or .toml)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon the UI talks to",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := telemetry.Setup(ctx, "shiftsync", cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(tctx); err != nil {
				logger.Warn("flush traces", zap.Error(err))
			}
		}()

		svc, err := intercept.NewService(cfg, intercept.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}

		srv := &http.Server{
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			logger.Info("shiftsync listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin))
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", zap.Error(err))
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	},
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
