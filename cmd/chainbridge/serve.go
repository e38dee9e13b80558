package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rixdale/chainbridge"
	"github.com/rixdale/chainbridge/internal/audit"
	"github.com/rixdale/chainbridge/internal/config"
	"github.com/rixdale/chainbridge/internal/gateway"
	"github.com/rixdale/chainbridge/internal/trace"
	"github.com/rixdale/chainbridge/internal/upstream"
)

var (
	serveAddr   string
	serveConfig string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(serveConfig)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if serveAddr != "" {
			cfg.Gateway.Addr = serveAddr
		}

		logger := newLogger(cfg.Log.Level)

		if cfg.Trace.Enabled {
			shutdown, err := trace.Init(ctx, trace.Config{
				Endpoint: cfg.Trace.Endpoint,
				Insecure: cfg.Trace.Insecure,
			}, logger)
			if err != nil {
				return fmt.Errorf("initializing tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					logger.Warn("Tracing shutdown failed", "error", err)
				}
			}()
			logger.Info("Tracing enabled", "endpoint", cfg.Trace.Endpoint)
		}

		backend := upstream.New(cfg.Backend.BaseURL,
			upstream.WithAPIKey(cfg.Backend.APIKey),
			upstream.WithLogger(logger))

		opts := []chainbridge.Option{
			chainbridge.WithLogger(logger),
			chainbridge.WithBackend(backend),
			chainbridge.WithBackendTimeout(cfg.Backend.Timeout()),
		}

		if cfg.Audit.Enabled {
			store, err := audit.Open(cfg.Audit.Path)
			if err != nil {
				return fmt.Errorf("opening audit database: %w", err)
			}
			defer store.Close()
			opts = append(opts, chainbridge.WithRecorder(store))
			logger.Info("Audit recording enabled", "path", cfg.Audit.Path)
		}

		bridge := chainbridge.New(opts...)

		srv := gateway.NewServer(bridge, cfg.Backend.Model, logger)
		logger.Info("Starting gateway",
			"addr", cfg.Gateway.Addr,
			"backend", cfg.Backend.BaseURL,
			"model", cfg.Backend.Model)
		return srv.ListenAndServe(ctx, cfg.Gateway.Addr)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "override gateway listen address")
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", "", "path to config file")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
