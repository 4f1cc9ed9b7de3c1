// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fleetchat/fleet/internal/observability"
	"github.com/fleetchat/fleet/internal/plugin"
	"github.com/fleetchat/fleet/pkg/errutil"
)

const shutdownTimeout = 10 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	var noStart bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load installed plugins and serve them until interrupted",
		Long: `Load every plugin directory and package in the plugins directory,
start them, and serve metrics, health probes and the plugin registry on
the metrics address until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, noStart)
		},
	}
	cmd.Flags().BoolVar(&noStart, "no-start", false, "load plugins without starting them")
	return cmd
}

func runServe(cmd *cobra.Command, noStart bool) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := newManager(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var ready atomic.Bool
	var obs *observability.Server
	if cfg.MetricsAddr != "" {
		obs = observability.NewServer(cfg.MetricsAddr, mgr, ready.Load, logger)
		errCh, err := obs.Start()
		if err != nil {
			_ = mgr.Close(context.Background())
			return oops.In("fleet").Wrapf(err, "start observability server")
		}
		go monitorServerErrors(ctx, cancel, errCh, "observability")
	}

	var opts []plugin.LoadOption
	if noStart {
		opts = append(opts, plugin.WithoutAutoStart())
	}
	ids, err := mgr.LoadAll(ctx, cfg.PluginsDir, opts...)
	if err != nil {
		errutil.LogError(logger, "plugin discovery failed", err)
	}
	ready.Store(true)
	cmd.Printf("Loaded %d plugin(s) from %s\n", len(ids), cfg.PluginsDir)
	logger.Info("runtime ready", "plugins", len(ids), "dir", cfg.PluginsDir, "metrics_addr", cfg.MetricsAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if obs != nil {
		if err := obs.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		errutil.LogError(logger, "error unloading plugins", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels ctx when the server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
