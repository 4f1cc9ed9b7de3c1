// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package main

import (
	"encoding/json"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fleetchat/fleet/internal/plugin/source"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "validate <source>",
		Short: "Resolve, validate and screen a plugin without running it",
		Long: `Resolve a plugin directory, package or URL, validate its manifest and
screen its code. Nothing is executed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			res := newResolver(cfg, logger).Load(cmd.Context(), source.Detect(args[0]))

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return oops.In("fleet").Wrapf(err, "encode result")
				}
			} else {
				printLoadResult(cmd, res)
			}
			if !res.Success {
				return res.Error
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the load result as JSON")
	return cmd
}

func printLoadResult(cmd *cobra.Command, res *source.LoadResult) {
	if !res.Success {
		cmd.Printf("invalid: %s\n", res.Source)
		cmd.Printf("  %v\n", res.Error)
		return
	}
	cmd.Printf("valid: %s (%s)\n", res.Manifest.ID(), res.Source)
	if res.Entry != "" {
		cmd.Printf("  entry: %s\n", res.Entry)
	}
	for _, c := range res.Manifest.Commands {
		cmd.Printf("  command: %s (%s)\n", c.Name, c.Mode)
	}
	if res.Metadata != nil && res.Metadata.Checksum != "" {
		cmd.Printf("  checksum: %s\n", res.Metadata.Checksum)
	}
	for _, w := range res.Warnings {
		cmd.Printf("  warning: %s\n", w)
	}
}
