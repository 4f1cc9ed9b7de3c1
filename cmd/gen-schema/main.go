// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Command gen-schema writes the plugin manifest JSON Schema and, with
// --check, validates the manifests of every plugin under a directory
// against it.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/fleetchat/fleet/internal/plugin/manifest"
)

func main() {
	out := pflag.StringP("out", "o", filepath.Join("schemas", "manifest.schema.json"), "schema output path")
	check := pflag.String("check", "", "validate plugin manifests under this directory instead of writing the schema")
	pflag.Parse()

	if *check != "" {
		failed, err := checkManifests(*check)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking manifests: %v\n", err)
			os.Exit(1)
		}
		if failed > 0 {
			os.Exit(1)
		}
		return
	}

	if err := writeSchema(*out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s\n", *out)
}

func writeSchema(outPath string) error {
	schema, err := manifest.GenerateSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(outPath, schema, 0o600); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}
	return nil
}

// checkManifests validates the first manifest file of each plugin directory
// under root and returns how many failed.
func checkManifests(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, name := range manifest.FileNames {
			path := filepath.Join(root, e.Name(), name)
			data, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return failed, err
			}
			if err := manifest.ValidateSchema(data, manifest.FormatFor(name)); err != nil {
				failed++
				fmt.Printf("FAIL %s: %s\n", path, manifest.FormatSchemaError(err))
			} else {
				fmt.Printf("ok   %s\n", path)
			}
			break
		}
	}
	return failed, nil
}
