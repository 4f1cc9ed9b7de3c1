// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package config loads runtime configuration from a YAML file and command
// line flags.
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/fleetchat/fleet/internal/plugin"
	"github.com/fleetchat/fleet/internal/plugin/worker"
	"github.com/fleetchat/fleet/internal/xdg"
)

// CodeInvalid is the oops code for unreadable or invalid configuration.
const CodeInvalid = "CONFIG_INVALID"

// DefaultHostVersion is the host version plugins are checked against.
const DefaultHostVersion = "1.0.0"

// Config is the full runtime configuration.
type Config struct {
	PluginsDir  string `koanf:"plugins_dir"`
	HostVersion string `koanf:"host_version" validate:"required,semver"`
	LogFormat   string `koanf:"log_format" validate:"oneof=json text"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`
	// MetricsAddr is the observability listen address; empty disables it.
	MetricsAddr string  `koanf:"metrics_addr" validate:"omitempty,hostname_port"`
	Runtime     Runtime `koanf:"runtime"`
	Sources     Sources `koanf:"sources"`
	// Preferences are keyed by plugin name.
	Preferences map[string]map[string]any `koanf:"preferences"`
}

// Runtime holds manager and pool limits.
type Runtime struct {
	MaxPlugins      int           `koanf:"max_plugins" validate:"gte=1"`
	MaxWorkers      int           `koanf:"max_workers" validate:"gte=1"`
	WorkerTimeout   time.Duration `koanf:"worker_timeout" validate:"gt=0"`
	InitTimeout     time.Duration `koanf:"init_timeout" validate:"gt=0"`
	AcquireTimeout  time.Duration `koanf:"acquire_timeout" validate:"gt=0"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// Sources configures plugin source resolution.
type Sources struct {
	AllowedDomains []string      `koanf:"allowed_domains"`
	CacheTTL       time.Duration `koanf:"cache_ttl" validate:"gte=0"`
	FetchRetries   uint64        `koanf:"fetch_retries"`
}

// Default returns the built-in configuration.
func Default() Config {
	plugins, _ := xdg.ExtensionsDir()
	return Config{
		PluginsDir:  plugins,
		HostVersion: DefaultHostVersion,
		LogFormat:   "json",
		LogLevel:    "info",
		Runtime: Runtime{
			MaxPlugins:      plugin.DefaultMaxPlugins,
			MaxWorkers:      worker.DefaultMaxWorkers,
			WorkerTimeout:   worker.DefaultWorkerTimeout,
			InitTimeout:     worker.DefaultInitTimeout,
			AcquireTimeout:  plugin.DefaultAcquireTimeout,
			CleanupInterval: plugin.DefaultCleanupInterval,
		},
		Sources: Sources{
			CacheTTL:     time.Hour,
			FetchRetries: 3,
		},
	}
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"plugins-dir":      "plugins_dir",
	"host-version":     "host_version",
	"log-format":       "log_format",
	"log-level":        "log_level",
	"metrics-addr":     "metrics_addr",
	"max-plugins":      "runtime.max_plugins",
	"max-workers":      "runtime.max_workers",
	"worker-timeout":   "runtime.worker_timeout",
	"init-timeout":     "runtime.init_timeout",
	"acquire-timeout":  "runtime.acquire_timeout",
	"cleanup-interval": "runtime.cleanup_interval",
	"allowed-domains":  "sources.allowed_domains",
}

// RegisterFlags adds the flags that override configuration keys.
func RegisterFlags(f *pflag.FlagSet) {
	d := Default()
	f.String("plugins-dir", d.PluginsDir, "directory of installed plugins")
	f.String("host-version", d.HostVersion, "host version checked against package compatibility markers")
	f.String("log-format", d.LogFormat, "log format (json or text)")
	f.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	f.String("metrics-addr", d.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	f.Int("max-plugins", d.Runtime.MaxPlugins, "maximum registered plugins")
	f.Int("max-workers", d.Runtime.MaxWorkers, "maximum execution hosts")
	f.Duration("worker-timeout", d.Runtime.WorkerTimeout, "timeout for execute and render calls")
	f.Duration("init-timeout", d.Runtime.InitTimeout, "timeout for plugin initialization")
	f.Duration("acquire-timeout", d.Runtime.AcquireTimeout, "how long start waits for a free host")
	f.Duration("cleanup-interval", d.Runtime.CleanupInterval, "idle plugin reaper period (negative disables)")
	f.StringSlice("allowed-domains", nil, "domains plugins may be loaded from")
}

// Load reads path (or the default config file when path is empty) and
// overlays flags that were set explicitly. A missing default file is not an
// error; a missing explicit file is.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path == "" {
		path, _ = xdg.ConfigFile()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code(CodeInvalid).In("config").With("path", path).Wrapf(err, "load config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.Code(CodeInvalid).In("config").Wrapf(err, "load flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code(CodeInvalid).In("config").With("path", path).Wrapf(err, "decode config")
	}
	if env := os.Getenv("FLEET_PLUGINS_DIR"); env != "" && !k.Exists("plugins_dir") {
		cfg.PluginsDir = env
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return oops.Code(CodeInvalid).In("config").
				With("field", fe.Namespace()).With("rule", fe.Tag()).
				Errorf("invalid %s: failed %q rule", fe.Namespace(), fe.Tag())
		}
		return oops.Code(CodeInvalid).In("config").Wrap(err)
	}
	return nil
}

// Manager returns the plugin manager configuration.
func (c Config) Manager(supportDir string) plugin.Config {
	return plugin.Config{
		MaxPlugins:      c.Runtime.MaxPlugins,
		MaxWorkers:      c.Runtime.MaxWorkers,
		WorkerTimeout:   c.Runtime.WorkerTimeout,
		InitTimeout:     c.Runtime.InitTimeout,
		AcquireTimeout:  c.Runtime.AcquireTimeout,
		CleanupInterval: c.Runtime.CleanupInterval,
		HostVersion:     c.HostVersion,
		SupportDir:      supportDir,
		Preferences:     c.Preferences,
	}
}
