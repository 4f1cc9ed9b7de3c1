// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package main

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fleetchat/fleet/internal/plugin"
	"github.com/fleetchat/fleet/internal/plugin/source"
)

type execConfig struct {
	render bool
	props  string
}

// NewExecCmd creates the exec subcommand.
func NewExecCmd() *cobra.Command {
	cfg := &execConfig{}
	cmd := &cobra.Command{
		Use:   "exec <source> <command> [args...]",
		Short: "Load a plugin and run one command",
		Long: `Load a plugin, run one command (or render one component with --render)
and print the result as JSON. Arguments that parse as JSON are passed as
JSON values, anything else as strings.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, cfg, args)
		},
	}
	cmd.Flags().BoolVar(&cfg.render, "render", false, "render a component instead of executing a command")
	cmd.Flags().StringVar(&cfg.props, "props", "{}", "component props as a JSON object (with --render)")
	return cmd
}

func runExec(cmd *cobra.Command, cfg *execConfig, args []string) error {
	conf, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	conf.Runtime.CleanupInterval = -1
	mgr, err := newManager(conf, logger)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close(context.Background()) }()

	ctx := cmd.Context()
	id, err := mgr.LoadFrom(ctx, source.Detect(args[0]))
	if err != nil {
		return err
	}

	var res *plugin.Result
	if cfg.render {
		var props map[string]any
		if err := json.Unmarshal([]byte(cfg.props), &props); err != nil {
			return oops.In("fleet").With("props", cfg.props).Wrapf(err, "parse --props")
		}
		res, err = mgr.Render(ctx, id, args[1], props)
	} else {
		res, err = mgr.Execute(ctx, id, args[1], parseArgs(args[2:]))
	}
	if res != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return oops.In("fleet").Wrapf(encErr, "encode result")
		}
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return oops.In("fleet").With("plugin", id).Errorf("%s failed: %s", args[1], res.Error)
	}
	return nil
}

func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			out[i] = v
		} else {
			out[i] = s
		}
	}
	return out
}
