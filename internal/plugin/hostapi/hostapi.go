// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package hostapi is the table of host-provided functions injected into every
// execution host.
//
// The table is an explicit, enumerated surface: interpreters bind each
// method to a script-visible name and nothing else is reachable. Calls that
// touch the clipboard, persistent storage or the system opener are gated by
// the plugin's manifest permissions through a capability.Enforcer.
package hostapi

import (
	"context"
	"log/slog"
	"maps"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/fleetchat/fleet/internal/plugin/capability"
)

// ToastStyle is the visual style of a toast.
type ToastStyle string

// Toast styles understood by the launcher UI.
const (
	ToastSuccess  ToastStyle = "success"
	ToastFailure  ToastStyle = "failure"
	ToastAnimated ToastStyle = "animated"
)

// Toast is a transient notification.
type Toast struct {
	Style   ToastStyle `json:"style,omitempty"`
	Title   string     `json:"title"`
	Message string     `json:"message,omitempty"`
}

// UI is the part of the launcher surface plugins can drive without a view.
type UI interface {
	ShowToast(ctx context.Context, pluginID string, toast Toast) error
	ShowHUD(ctx context.Context, pluginID, title string) error
	Open(ctx context.Context, pluginID, target string) error
}

// Clipboard reads and writes the system clipboard.
type Clipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

// KVStore provides namespaced key-value storage. Get reports found=false for
// missing keys.
type KVStore interface {
	Get(ctx context.Context, namespace, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
}

// Environment describes where a plugin runs.
type Environment struct {
	ExtensionName string `json:"extensionName"`
	CommandName   string `json:"commandName,omitempty"`
	HostVersion   string `json:"raycastVersion"`
	SupportPath   string `json:"supportPath,omitempty"`
	AssetsPath    string `json:"assetsPath,omitempty"`
	IsDevelopment bool   `json:"isDevelopment"`
}

// Functions holds the shared collaborators behind every bound API table.
type Functions struct {
	enforcer  *capability.Enforcer
	ui        UI
	clipboard Clipboard
	kv        KVStore
	logger    *slog.Logger
}

// Option configures Functions.
type Option func(*Functions)

// WithUI sets the launcher UI sink.
func WithUI(ui UI) Option {
	return func(f *Functions) { f.ui = ui }
}

// WithClipboard replaces the system clipboard.
func WithClipboard(c Clipboard) Option {
	return func(f *Functions) { f.clipboard = c }
}

// WithKVStore replaces the in-memory store.
func WithKVStore(kv KVStore) Option {
	return func(f *Functions) { f.kv = kv }
}

// WithLogger sets the logger used for plugin log calls.
func WithLogger(l *slog.Logger) Option {
	return func(f *Functions) { f.logger = l }
}

// New creates host functions. A nil enforcer denies every gated call.
func New(enforcer *capability.Enforcer, opts ...Option) *Functions {
	if enforcer == nil {
		enforcer = capability.NewEnforcer()
	}
	f := &Functions{
		enforcer:  enforcer,
		ui:        NewLogUI(nil),
		clipboard: SystemClipboard{},
		kv:        NewMemoryStore(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Binding is the per-plugin data an API table closes over.
type Binding struct {
	PluginID    string
	Preferences map[string]any
	Environment Environment
}

// Bind returns the API table for one plugin.
func (f *Functions) Bind(b Binding) *API {
	return &API{fns: f, binding: b}
}

// API is the table of host functions bound to a single plugin.
type API struct {
	fns     *Functions
	binding Binding
}

// PluginID returns the plugin the table is bound to.
func (a *API) PluginID() string { return a.binding.PluginID }

// Log writes a plugin log line at the given level.
func (a *API) Log(level, message string) {
	logger := a.fns.logger.With("plugin", a.binding.PluginID)
	switch level {
	case "debug":
		logger.Debug(message)
	case "warn":
		logger.Warn(message)
	case "error":
		logger.Error(message)
	default:
		logger.Info(message)
	}
}

// NewRequestID returns a fresh ULID string.
func (a *API) NewRequestID() string {
	return ulid.Make().String()
}

// ShowToast shows a toast. Ungated.
func (a *API) ShowToast(ctx context.Context, toast Toast) error {
	if toast.Style == "" {
		toast.Style = ToastSuccess
	}
	return a.fns.ui.ShowToast(ctx, a.binding.PluginID, toast)
}

// ShowHUD shows a HUD message. Ungated.
func (a *API) ShowHUD(ctx context.Context, title string) error {
	return a.fns.ui.ShowHUD(ctx, a.binding.PluginID, title)
}

// Open asks the launcher to open a URL or path.
func (a *API) Open(ctx context.Context, target string) error {
	if err := a.require(capability.SystemOpen, "open"); err != nil {
		return err
	}
	if target == "" {
		return oops.Code(CodeInvalidArgument).In("hostapi").With("plugin", a.binding.PluginID).Errorf("open target is empty")
	}
	return a.fns.ui.Open(ctx, a.binding.PluginID, target)
}

// CopyText writes text to the clipboard.
func (a *API) CopyText(_ context.Context, text string) error {
	if err := a.require(capability.ClipboardWrite, "clipboard.copy"); err != nil {
		return err
	}
	if err := a.fns.clipboard.WriteAll(text); err != nil {
		return oops.Code(CodeUnavailable).In("hostapi").With("plugin", a.binding.PluginID).Wrapf(err, "write clipboard")
	}
	return nil
}

// ReadText reads the clipboard.
func (a *API) ReadText(_ context.Context) (string, error) {
	if err := a.require(capability.ClipboardRead, "clipboard.readText"); err != nil {
		return "", err
	}
	text, err := a.fns.clipboard.ReadAll()
	if err != nil {
		return "", oops.Code(CodeUnavailable).In("hostapi").With("plugin", a.binding.PluginID).Wrapf(err, "read clipboard")
	}
	return text, nil
}

// StorageGet returns a stored value.
func (a *API) StorageGet(ctx context.Context, key string) (string, bool, error) {
	if err := a.require(capability.Storage, "storage.get"); err != nil {
		return "", false, err
	}
	v, found, err := a.fns.kv.Get(ctx, a.binding.PluginID, key)
	if err != nil {
		return "", false, oops.Code(CodeUnavailable).In("hostapi").With("plugin", a.binding.PluginID).With("key", key).Wrap(err)
	}
	return string(v), found, nil
}

// StorageSet stores a value.
func (a *API) StorageSet(ctx context.Context, key, value string) error {
	if err := a.require(capability.Storage, "storage.set"); err != nil {
		return err
	}
	if err := a.fns.kv.Set(ctx, a.binding.PluginID, key, []byte(value)); err != nil {
		return oops.Code(CodeUnavailable).In("hostapi").With("plugin", a.binding.PluginID).With("key", key).Wrap(err)
	}
	return nil
}

// StorageRemove deletes a stored value.
func (a *API) StorageRemove(ctx context.Context, key string) error {
	if err := a.require(capability.Storage, "storage.remove"); err != nil {
		return err
	}
	if err := a.fns.kv.Delete(ctx, a.binding.PluginID, key); err != nil {
		return oops.Code(CodeUnavailable).In("hostapi").With("plugin", a.binding.PluginID).With("key", key).Wrap(err)
	}
	return nil
}

// Preferences returns a copy of the resolved preference values.
func (a *API) Preferences() map[string]any {
	prefs := make(map[string]any, len(a.binding.Preferences))
	maps.Copy(prefs, a.binding.Preferences)
	return prefs
}

// Environment returns the plugin environment.
func (a *API) Environment() Environment {
	return a.binding.Environment
}

func (a *API) require(capName, call string) error {
	if err := a.fns.enforcer.Require(a.binding.PluginID, capName); err != nil {
		return oops.In("hostapi").With("call", call).Wrap(err)
	}
	return nil
}
