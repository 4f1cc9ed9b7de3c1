// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fleetchat/fleet/internal/plugin"
)

// NewCommandsCmd creates the commands subcommand.
func NewCommandsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "commands [query]",
		Short: "List or search the commands of installed plugins",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Runtime.CleanupInterval = -1
			mgr, err := newManager(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close(context.Background()) }()

			if _, err := mgr.LoadAll(cmd.Context(), cfg.PluginsDir, plugin.WithoutAutoStart()); err != nil {
				return err
			}
			found := mgr.SearchCommands(strings.Join(args, " "))

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(found); err != nil {
					return oops.In("fleet").Wrapf(err, "encode commands")
				}
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PLUGIN\tCOMMAND\tTITLE\tMODE")
			for _, c := range found {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.PluginID, c.Command.Name, c.Command.Title, c.Command.Mode)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
