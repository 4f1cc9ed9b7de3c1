// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package hostapi

import (
	"context"
	"log/slog"

	"github.com/atotto/clipboard"
)

// LogUI is a headless UI that writes toasts, HUD messages and open requests
// to a logger. It backs the CLI and tests.
type LogUI struct {
	logger *slog.Logger
}

// NewLogUI creates a LogUI. A nil logger uses slog.Default.
func NewLogUI(logger *slog.Logger) *LogUI {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogUI{logger: logger.With("component", "ui")}
}

// ShowToast logs the toast.
func (u *LogUI) ShowToast(ctx context.Context, pluginID string, t Toast) error {
	u.logger.InfoContext(ctx, "toast",
		"plugin", pluginID,
		"style", t.Style,
		"title", t.Title,
		"message", t.Message)
	return nil
}

// ShowHUD logs the HUD title.
func (u *LogUI) ShowHUD(ctx context.Context, pluginID, title string) error {
	u.logger.InfoContext(ctx, "hud", "plugin", pluginID, "title", title)
	return nil
}

// Open logs the target without opening it.
func (u *LogUI) Open(ctx context.Context, pluginID, target string) error {
	u.logger.InfoContext(ctx, "open", "plugin", pluginID, "target", target)
	return nil
}

// SystemClipboard uses the OS clipboard.
type SystemClipboard struct{}

// ReadAll reads the clipboard as text.
func (SystemClipboard) ReadAll() (string, error) {
	return clipboard.ReadAll()
}

// WriteAll replaces the clipboard text.
func (SystemClipboard) WriteAll(text string) error {
	return clipboard.WriteAll(text)
}
