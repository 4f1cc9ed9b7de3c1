// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package xdg provides XDG Base Directory paths for Fleet Chat.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "fleet-chat"

func dir(env string, fallback ...string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", oops.In("xdg").With("env", env).Errorf("neither %s nor HOME is set", env)
	}
	return filepath.Join(append(append([]string{home}, fallback...), appName)...), nil
}

// ConfigDir returns $XDG_CONFIG_HOME/fleet-chat, falling back to
// ~/.config/fleet-chat.
func ConfigDir() (string, error) {
	return dir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns $XDG_DATA_HOME/fleet-chat, falling back to
// ~/.local/share/fleet-chat.
func DataDir() (string, error) {
	return dir("XDG_DATA_HOME", ".local", "share")
}

// CacheDir returns $XDG_CACHE_HOME/fleet-chat, falling back to
// ~/.cache/fleet-chat.
func CacheDir() (string, error) {
	return dir("XDG_CACHE_HOME", ".cache")
}

// ExtensionsDir is where installed plugins live.
func ExtensionsDir() (string, error) {
	d, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "extensions"), nil
}

// SupportDir is the parent of each plugin's support directory.
func SupportDir() (string, error) {
	d, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "support"), nil
}

// ConfigFile is the default configuration file path.
func ConfigFile() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.yaml"), nil
}

// EnsureDir creates path and its parents with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.In("xdg").With("path", path).Wrapf(err, "create directory")
	}
	return nil
}
