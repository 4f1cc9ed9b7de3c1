// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package plugin manages the lifecycle of Raycast-compatible plugins.
//
// The Manager resolves plugin sources, keeps a registry of records keyed by
// name@version, runs each started plugin on a host acquired from a bounded
// worker pool and reaps plugins that stay idle too long. Observers follow
// lifecycle changes through Subscribe.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetchat/fleet/internal/plugin/capability"
	"github.com/fleetchat/fleet/internal/plugin/hostapi"
	"github.com/fleetchat/fleet/internal/plugin/manifest"
	"github.com/fleetchat/fleet/internal/plugin/runtime"
	"github.com/fleetchat/fleet/internal/plugin/source"
	"github.com/fleetchat/fleet/internal/plugin/worker"
)

var tracer = otel.Tracer("fleet/plugin")

// Manager defaults.
const (
	DefaultMaxPlugins      = 50
	DefaultAcquireTimeout  = 30 * time.Second
	DefaultCleanupInterval = 5 * time.Minute
)

// Config holds manager limits and plugin environment settings.
type Config struct {
	MaxPlugins    int
	MaxWorkers    int
	WorkerTimeout time.Duration
	InitTimeout   time.Duration
	// AcquireTimeout bounds how long Start waits for a free host.
	AcquireTimeout time.Duration
	// CleanupInterval is the reaper period. Running plugins idle for more
	// than twice the interval are stopped. Negative disables the reaper.
	CleanupInterval time.Duration

	HostVersion string
	// SupportDir is the parent of each plugin's support directory.
	SupportDir string
	// Preferences are configured values keyed by plugin name, overriding
	// manifest defaults.
	Preferences map[string]map[string]any
}

// Resolver resolves plugin sources.
type Resolver interface {
	Load(ctx context.Context, d source.Descriptor) *source.LoadResult
	LoadCode(ctx context.Context, d source.Descriptor, m *manifest.Manifest) *source.LoadResult
	Invalidate(d source.Descriptor)
}

// Result is the outcome of Execute and Render. Exceptions thrown by plugin
// code are reported with Success false rather than as errors.
type Result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Stack   string          `json:"stack,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Manager owns the plugin registry and the worker pool.
type Manager struct {
	cfg       Config
	resolver  Resolver
	pool      *worker.Pool
	engines   runtime.Registry
	enforcer  *capability.Enforcer
	functions *hostapi.Functions
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	records map[string]*record
	closed  bool

	subMu      sync.Mutex
	subs       map[*subscriber]struct{}
	subsClosed bool

	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithResolver replaces the source resolver.
func WithResolver(r Resolver) ManagerOption {
	return func(m *Manager) { m.resolver = r }
}

// WithEnforcer sets the capability enforcer that manifest permissions are
// granted into.
func WithEnforcer(e *capability.Enforcer) ManagerOption {
	return func(m *Manager) { m.enforcer = e }
}

// WithFunctions sets the host API implementation. It must check
// capabilities against the manager's enforcer.
func WithFunctions(f *hostapi.Functions) ManagerOption {
	return func(m *Manager) { m.functions = f }
}

// WithEngines sets the interpreter engines used by hosts.
func WithEngines(r runtime.Registry) ManagerOption {
	return func(m *Manager) { m.engines = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the time source for activity tracking and reaping.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager and starts its reaper.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	if cfg.MaxPlugins <= 0 {
		cfg.MaxPlugins = DefaultMaxPlugins
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = worker.DefaultMaxWorkers
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	m := &Manager{
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*record),
		subs:    make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "plugin")
	if m.enforcer == nil {
		m.enforcer = capability.NewEnforcer()
	}
	if m.functions == nil {
		m.functions = hostapi.New(m.enforcer, hostapi.WithLogger(m.logger))
	}
	if m.resolver == nil {
		m.resolver = source.NewResolver(source.WithHostVersion(cfg.HostVersion), source.WithLogger(m.logger))
	}
	m.pool = worker.NewPool(worker.Config{
		MaxWorkers:    cfg.MaxWorkers,
		WorkerTimeout: cfg.WorkerTimeout,
		InitTimeout:   cfg.InitTimeout,
		Engines:       m.engines,
		Logger:        m.logger,
		OnConsole:     m.onConsole,
	})
	if cfg.CleanupInterval > 0 {
		m.startReaper()
	}
	return m
}

// LoadOption configures a single load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	autoStart bool
}

// WithoutAutoStart leaves the plugin in the loaded state.
func WithoutAutoStart() LoadOption {
	return func(o *loadOptions) { o.autoStart = false }
}

// Load detects the source type of path and loads it.
func (m *Manager) Load(ctx context.Context, path string, opts ...LoadOption) (string, error) {
	return m.LoadFrom(ctx, source.Detect(path), opts...)
}

// LoadFrom resolves a source, registers the plugin and, unless
// WithoutAutoStart is given, starts it. Loading a plugin whose id is already
// registered returns the existing id. When the load succeeds but auto-start
// fails, the id is returned with the start error and the plugin stays
// registered in the error state.
func (m *Manager) LoadFrom(ctx context.Context, d source.Descriptor, opts ...LoadOption) (id string, err error) {
	lo := loadOptions{autoStart: true}
	for _, opt := range opts {
		opt(&lo)
	}

	ctx, span := tracer.Start(ctx, "plugin.load", trace.WithAttributes(
		attribute.String("source.kind", string(d.Kind)),
		attribute.String("source.location", d.Location()),
	))
	begin := time.Now()
	defer func() { m.observe(span, "load", begin, err) }()

	if err = m.checkOpen(); err != nil {
		return "", err
	}

	// A duplicate of a registered id returns that id even when the registry
	// is full.
	res := m.resolver.Load(ctx, d)
	if !res.Success {
		return "", res.Error
	}
	id = res.Manifest.ID()
	span.SetAttributes(attribute.String("plugin.id", id))

	m.mu.Lock()
	if _, exists := m.records[id]; exists {
		m.mu.Unlock()
		m.logger.Debug("plugin already loaded", "plugin", id)
		return id, nil
	}
	if len(m.records) >= m.cfg.MaxPlugins {
		m.mu.Unlock()
		return "", capacityError(m.cfg.MaxPlugins)
	}
	if err = m.enforcer.Grant(id, res.Manifest.Permissions); err != nil {
		m.mu.Unlock()
		return "", err
	}
	rec := &record{
		id:       id,
		manifest: res.Manifest,
		source:   res.Source,
		code:     res.Code,
		entry:    res.Entry,
		metadata: res.Metadata,
		status:   StatusLoading,
		loadedAt: m.now(),
	}
	m.records[id] = rec
	m.mu.Unlock()

	m.notify(Notification{Kind: KindTransition, PluginID: id, To: StatusLoading})
	if err = m.transition(rec, StatusLoaded, nil); err != nil {
		return "", err
	}
	m.logger.Info("plugin loaded", "plugin", id, "source", res.Source.String(), "has_code", res.HasCode())
	for _, w := range res.Warnings {
		m.logger.Warn("plugin code warning", "plugin", id, "rule", w.Rule, "line", w.Line, "message", w.Message)
	}

	if lo.autoStart {
		if err = m.Start(ctx, id); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Start evaluates the plugin on a pooled host. It waits up to
// AcquireTimeout for a host when every host is busy. Starting a running
// plugin does nothing. On failure the plugin moves to the error state with
// the error recorded.
func (m *Manager) Start(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "plugin.start", trace.WithAttributes(attribute.String("plugin.id", id)))
	begin := time.Now()
	defer func() { m.observe(span, "start", begin, err) }()

	if err = m.checkOpen(); err != nil {
		return err
	}
	rec, err := m.get(id)
	if err != nil {
		return err
	}
	rec.op.Lock()
	defer rec.op.Unlock()
	return m.startLocked(ctx, rec)
}

func (m *Manager) startLocked(ctx context.Context, rec *record) error {
	switch status := m.statusOf(rec); status {
	case StatusRunning:
		return nil
	case StatusLoaded, StatusStopped, StatusError:
	default:
		return invalidStateError(rec.id, "start", status)
	}
	if err := m.transition(rec, StatusStarting, nil); err != nil {
		return err
	}

	h, err := m.launch(ctx, rec)
	if err != nil {
		m.fail(rec, err)
		return err
	}

	m.mu.Lock()
	rec.handle = h
	rec.lastActivity = m.now()
	rec.lastErr = ""
	m.mu.Unlock()
	if err := m.transition(rec, StatusRunning, nil); err != nil {
		return err
	}
	m.logger.Info("plugin started", "plugin", rec.id, "host", h.ID())
	return nil
}

// launch fetches code if the load was manifest-only, acquires a host and
// sends init.
func (m *Manager) launch(ctx context.Context, rec *record) (*worker.Handle, error) {
	m.mu.RLock()
	code, entry, mf, src := rec.code, rec.entry, rec.manifest, rec.source
	m.mu.RUnlock()

	if code == "" {
		res := m.resolver.LoadCode(ctx, src, mf)
		if !res.Success {
			return nil, res.Error
		}
		code, entry = res.Code, res.Entry
		m.mu.Lock()
		rec.code, rec.entry = code, entry
		m.mu.Unlock()
	}

	actx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()
	h, err := m.pool.Acquire(actx, rec.id)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(mf)
	if err != nil {
		m.pool.Release(h)
		return nil, oops.In("plugin").With("plugin", rec.id).Wrapf(err, "encode manifest")
	}
	api := m.functions.Bind(hostapi.Binding{
		PluginID:    rec.id,
		Preferences: m.preferencesFor(mf),
		Environment: m.environmentFor(mf, src),
	})
	data := worker.InitData{PluginID: rec.id, Entry: entry, Code: code, Manifest: raw}
	if _, err := m.pool.Init(ctx, h, data, api); err != nil {
		m.discard(h, err)
		return nil, err
	}
	return h, nil
}

// Stop disposes the plugin's host and returns it to the pool. A failed
// dispose discards the host instead. Stopping a plugin that is not running
// does nothing.
func (m *Manager) Stop(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "plugin.stop", trace.WithAttributes(attribute.String("plugin.id", id)))
	begin := time.Now()
	defer func() { m.observe(span, "stop", begin, err) }()

	rec, err := m.get(id)
	if err != nil {
		return err
	}
	rec.op.Lock()
	defer rec.op.Unlock()

	switch status := m.statusOf(rec); status {
	case StatusRunning:
		return m.stopLocked(ctx, rec)
	case StatusStopped, StatusLoaded:
		return nil
	default:
		return invalidStateError(id, "stop", status)
	}
}

func (m *Manager) stopLocked(ctx context.Context, rec *record) error {
	m.mu.Lock()
	h := rec.handle
	rec.handle = nil
	m.mu.Unlock()
	if h != nil {
		m.releaseHost(ctx, rec.id, h)
	}
	if err := m.transition(rec, StatusStopped, nil); err != nil {
		return err
	}
	m.logger.Info("plugin stopped", "plugin", rec.id)
	return nil
}

// Unload stops the plugin if needed and removes it from the registry.
func (m *Manager) Unload(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "plugin.unload", trace.WithAttributes(attribute.String("plugin.id", id)))
	begin := time.Now()
	defer func() { m.observe(span, "unload", begin, err) }()

	rec, err := m.get(id)
	if err != nil {
		return err
	}
	rec.op.Lock()
	defer rec.op.Unlock()

	m.mu.Lock()
	if rec.status == StatusUnloaded {
		m.mu.Unlock()
		return notFoundError(id)
	}
	h := rec.handle
	rec.handle = nil
	m.mu.Unlock()
	if h != nil {
		m.releaseHost(ctx, id, h)
	}

	m.mu.Lock()
	from := rec.status
	rec.status = StatusUnloaded
	delete(m.records, id)
	m.mu.Unlock()

	m.enforcer.Revoke(id)
	RecordTransition(from, StatusUnloaded)
	m.notify(Notification{Kind: KindTransition, PluginID: id, From: from, To: StatusUnloaded})
	m.logger.Info("plugin unloaded", "plugin", id)
	return nil
}

// Reload unloads the plugin and loads it again from the same source,
// bypassing the resolver cache.
func (m *Manager) Reload(ctx context.Context, id string, opts ...LoadOption) (string, error) {
	rec, err := m.get(id)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	src := rec.source
	m.mu.RUnlock()

	if err := m.Unload(ctx, id); err != nil {
		return "", err
	}
	m.resolver.Invalidate(src)
	return m.LoadFrom(ctx, src, opts...)
}

// Execute runs a command of a running plugin.
func (m *Manager) Execute(ctx context.Context, id, command string, args []any) (res *Result, err error) {
	ctx, span := tracer.Start(ctx, "plugin.execute", trace.WithAttributes(
		attribute.String("plugin.id", id),
		attribute.String("plugin.command", command),
	))
	begin := time.Now()
	defer func() { m.observeResult(span, "execute", begin, res, err) }()

	return m.dispatch(ctx, id, "execute", func(h *worker.Handle) (json.RawMessage, error) {
		return m.pool.Execute(ctx, h, command, args)
	})
}

// Render invokes a component of a running plugin.
func (m *Manager) Render(ctx context.Context, id, component string, props map[string]any) (res *Result, err error) {
	ctx, span := tracer.Start(ctx, "plugin.render", trace.WithAttributes(
		attribute.String("plugin.id", id),
		attribute.String("plugin.component", component),
	))
	begin := time.Now()
	defer func() { m.observeResult(span, "render", begin, res, err) }()

	return m.dispatch(ctx, id, "render", func(h *worker.Handle) (json.RawMessage, error) {
		return m.pool.Render(ctx, h, component, props)
	})
}

// dispatch runs call on the plugin's host. Plugin exceptions become
// unsuccessful results. Timeouts and lost hosts also move the plugin to the
// error state, discard the host and are returned as errors.
func (m *Manager) dispatch(ctx context.Context, id, op string, call func(*worker.Handle) (json.RawMessage, error)) (*Result, error) {
	rec, err := m.get(id)
	if err != nil {
		return nil, err
	}
	rec.op.Lock()
	defer rec.op.Unlock()

	m.mu.Lock()
	if rec.status != StatusRunning || rec.handle == nil {
		status := rec.status
		m.mu.Unlock()
		return nil, invalidStateError(id, op, status)
	}
	h := rec.handle
	rec.lastActivity = m.now()
	rec.usage++
	m.mu.Unlock()

	raw, err := call(h)
	if err == nil {
		return &Result{Success: true, Result: raw}, nil
	}
	var he *worker.HostError
	if errors.As(err, &he) {
		return &Result{Success: false, Error: he.Message, Stack: he.Stack}, nil
	}

	m.mu.Lock()
	rec.handle = nil
	m.mu.Unlock()
	m.pool.Terminate(h)
	m.fail(rec, err)
	return &Result{Success: false, Error: err.Error()}, err
}

// Plugin returns a snapshot of one plugin.
func (m *Manager) Plugin(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Info{}, false
	}
	return rec.info(), true
}

// Plugins returns snapshots of every plugin, sorted by id.
func (m *Manager) Plugins() []Info {
	return m.filter(func(*record) bool { return true })
}

// PluginsByStatus returns snapshots of the plugins in status, sorted by id.
func (m *Manager) PluginsByStatus(status Status) []Info {
	return m.filter(func(r *record) bool { return r.status == status })
}

func (m *Manager) filter(keep func(*record) bool) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.records))
	for _, id := range slices.Sorted(maps.Keys(m.records)) {
		if rec := m.records[id]; keep(rec) {
			out = append(out, rec.info())
		}
	}
	return out
}

// UnloadAll unloads every plugin and joins the errors.
func (m *Manager) UnloadAll(ctx context.Context) error {
	m.mu.RLock()
	ids := slices.Sorted(maps.Keys(m.records))
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.Unload(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the reaper, unloads every plugin and shuts the pool down.
// Subscriptions are closed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.stopReaper != nil {
		m.stopReaper()
		<-m.reaperDone
	}
	err := m.UnloadAll(ctx)
	m.pool.Close()
	m.closeSubscribers()
	return err
}

// Pool returns the worker pool.
func (m *Manager) Pool() *worker.Pool { return m.pool }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return oops.In("plugin").Wrap(ErrClosed)
	}
	return nil
}

func (m *Manager) get(id string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, notFoundError(id)
	}
	return rec, nil
}

func (m *Manager) statusOf(rec *record) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rec.status
}

// transition moves rec to status to, recording cause on the error state.
func (m *Manager) transition(rec *record, to Status, cause error) error {
	m.mu.Lock()
	from := rec.status
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return invalidStateError(rec.id, "move to "+string(to), from)
	}
	rec.status = to
	var msg string
	if cause != nil {
		msg = cause.Error()
		rec.lastErr = msg
	}
	m.mu.Unlock()

	RecordTransition(from, to)
	m.notify(Notification{Kind: KindTransition, PluginID: rec.id, From: from, To: to, Error: msg})
	return nil
}

func (m *Manager) fail(rec *record, err error) {
	if terr := m.transition(rec, StatusError, err); terr != nil {
		m.logger.Error("cannot record plugin failure", "plugin", rec.id, "error", terr)
		return
	}
	m.logger.Warn("plugin failed", "plugin", rec.id, "error", err)
}

// releaseHost disposes the plugin and pools the host, or discards the host
// when dispose fails.
func (m *Manager) releaseHost(ctx context.Context, id string, h *worker.Handle) {
	if err := m.pool.Dispose(ctx, h); err != nil {
		m.logger.Warn("plugin dispose failed, discarding host", "plugin", id, "host", h.ID(), "error", err)
		m.pool.Terminate(h)
		return
	}
	m.pool.Release(h)
}

// discard returns a host after a failed init: a host that answered is
// reusable, one that timed out or vanished is not.
func (m *Manager) discard(h *worker.Handle, err error) {
	var he *worker.HostError
	if errors.As(err, &he) {
		m.pool.Release(h)
		return
	}
	m.pool.Terminate(h)
}

func (m *Manager) preferencesFor(mf *manifest.Manifest) map[string]any {
	prefs := mf.PreferenceDefaults()
	maps.Copy(prefs, m.cfg.Preferences[mf.Name])
	return prefs
}

func (m *Manager) environmentFor(mf *manifest.Manifest, src source.Descriptor) hostapi.Environment {
	env := hostapi.Environment{
		ExtensionName: mf.Name,
		HostVersion:   m.cfg.HostVersion,
		IsDevelopment: src.Kind == source.KindDirectory || src.Kind == source.KindCode,
	}
	if m.cfg.SupportDir != "" {
		env.SupportPath = filepath.Join(m.cfg.SupportDir, mf.Name)
	}
	if src.Kind == source.KindDirectory {
		env.AssetsPath = filepath.Join(src.Path, "assets")
	}
	return env
}

func (m *Manager) onConsole(pluginID string, msg worker.ConsoleMessage) {
	level := slog.LevelInfo
	switch msg.Data.Type {
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "debug":
		level = slog.LevelDebug
	}
	m.logger.Log(context.Background(), level, "plugin console", "plugin", pluginID, "level", msg.Data.Type, "args", msg.Data.Args)
	data := msg.Data
	m.notify(Notification{Kind: KindConsole, PluginID: pluginID, Console: &data})
}

func (m *Manager) observe(span trace.Span, op string, begin time.Time, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	RecordOperation(op, outcome, time.Since(begin))
	span.End()
}

func (m *Manager) observeResult(span trace.Span, op string, begin time.Time, res *Result, err error) {
	if err == nil && res != nil && !res.Success {
		span.SetAttributes(attribute.Bool("plugin.exception", true))
		RecordOperation(op, OutcomeFailure, time.Since(begin))
		span.End()
		return
	}
	m.observe(span, op, begin, err)
}
