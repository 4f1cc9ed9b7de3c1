// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package main

import (
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fleetchat/fleet/internal/config"
	"github.com/fleetchat/fleet/internal/logging"
	"github.com/fleetchat/fleet/internal/plugin"
	"github.com/fleetchat/fleet/internal/plugin/source"
	"github.com/fleetchat/fleet/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the fleet CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Fleet Chat plugin runtime",
		Long: `fleet loads Raycast-compatible plugins from directories, packages,
URLs or inline code and runs them on a bounded pool of sandboxed hosts.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/fleet-chat/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewExecCmd())
	cmd.AddCommand(NewCommandsCmd())

	return cmd
}

// loadConfig reads configuration for cmd and installs the default logger.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.SetDefault(logging.Options{
		Service: "fleet",
		Version: version,
		Format:  cfg.LogFormat,
		Level:   level,
		Writer:  cmd.ErrOrStderr(),
	})
	return cfg, logger, nil
}

func newResolver(cfg config.Config, logger *slog.Logger) *source.Resolver {
	return source.NewResolver(
		source.WithCache(source.NewCache(cfg.Sources.CacheTTL)),
		source.WithAllowedDomains(cfg.Sources.AllowedDomains),
		source.WithHostVersion(cfg.HostVersion),
		source.WithRetries(cfg.Sources.FetchRetries, source.DefaultFetchBackoff),
		source.WithLogger(logger),
	)
}

func newManager(cfg config.Config, logger *slog.Logger) (*plugin.Manager, error) {
	support, err := xdg.SupportDir()
	if err != nil {
		return nil, oops.In("fleet").Wrapf(err, "resolve support directory")
	}
	return plugin.NewManager(cfg.Manager(support),
		plugin.WithResolver(newResolver(cfg, logger)),
		plugin.WithLogger(logger),
	), nil
}
