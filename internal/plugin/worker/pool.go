// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package worker runs plugin code on a bounded pool of execution hosts.
//
// Each Host is a goroutine that owns a private interpreter; the Pool hands
// hosts to callers, correlates requests with responses by id, enforces
// per-request deadlines and parks callers on a FIFO queue when every host is
// busy.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/fleetchat/fleet/internal/plugin/hostapi"
	"github.com/fleetchat/fleet/internal/plugin/lua"
	"github.com/fleetchat/fleet/internal/plugin/runtime"
	"github.com/fleetchat/fleet/internal/plugin/runtime/js"
)

// Pool defaults.
const (
	DefaultMaxWorkers    = 4
	DefaultWorkerTimeout = 10 * time.Second
	DefaultInitTimeout   = 5 * time.Second
)

// State is the lifecycle state of a host as seen through its handle.
type State string

// Host states.
const (
	StateIdle        State = "idle"
	StateLoading     State = "loading"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateTerminated  State = "terminated"
)

// Config configures a Pool.
type Config struct {
	MaxWorkers    int
	WorkerTimeout time.Duration
	InitTimeout   time.Duration
	// Engines defaults to DefaultEngines().
	Engines runtime.Registry
	Logger  *slog.Logger
	// OnConsole receives console output. Defaults to logging it.
	OnConsole func(pluginID string, msg ConsoleMessage)
}

// DefaultEngines returns the JavaScript and Lua engines.
func DefaultEngines() runtime.Registry {
	return runtime.Registry{
		runtime.LangJS:  js.New(),
		runtime.LangLua: lua.NewEngine(),
	}
}

// Handle is a host acquired from the pool.
type Handle struct {
	host *Host

	mu       sync.Mutex
	state    State
	pluginID string
	loaded   string
	initRes  InitResult
	pending  map[string]chan Response

	// Guarded by the pool mutex.
	pooled bool
}

// ID returns the host id.
func (h *Handle) ID() string { return h.host.id }

// State returns the host state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PluginID returns the plugin the handle is assigned to, empty when pooled.
func (h *Handle) PluginID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pluginID
}

// Loaded returns the plugin whose code is evaluated in the host.
func (h *Handle) Loaded() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	if h.state != StateTerminated {
		h.state = s
	}
	h.mu.Unlock()
}

func (h *Handle) track(id string, ch chan Response) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTerminated {
		return false
	}
	h.pending[id] = ch
	return true
}

func (h *Handle) untrack(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

func (h *Handle) deliver(resp Response) bool {
	h.mu.Lock()
	ch, ok := h.pending[resp.ID]
	delete(h.pending, resp.ID)
	h.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Hosts      int `json:"hosts"`
	Idle       int `json:"idle"`
	Busy       int `json:"busy"`
	Waiting    int `json:"waiting"`
	MaxWorkers int `json:"maxWorkers"`
}

// Pool is a bounded set of execution hosts.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	idle    []*Handle
	waiters []chan *Handle
	closed  bool

	wg sync.WaitGroup
}

// NewPool creates a pool. Hosts are started lazily by Acquire.
func NewPool(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = DefaultWorkerTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.Engines == nil {
		cfg.Engines = DefaultEngines()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:     cfg,
		logger:  logger.With("component", "worker"),
		handles: make(map[string]*Handle),
	}
	if p.cfg.OnConsole == nil {
		p.cfg.OnConsole = p.logConsole
	}
	return p
}

// Acquire returns a host for pluginID. An idle host that already has the
// plugin loaded is preferred, then the most recently released host, then a
// new host while fewer than MaxWorkers exist. Otherwise the caller waits in
// FIFO order until a host is released or terminated, or ctx is done.
func (p *Pool) Acquire(ctx context.Context, pluginID string) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, poolClosedError()
	}
	if h := p.takeIdleLocked(pluginID); h != nil {
		p.recordLocked()
		p.mu.Unlock()
		p.assign(h, pluginID)
		return h, nil
	}
	if len(p.handles) < p.cfg.MaxWorkers {
		h := p.spawnLocked()
		p.recordLocked()
		p.mu.Unlock()
		p.assign(h, pluginID)
		return h, nil
	}
	w := make(chan *Handle, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case h, ok := <-w:
		if !ok {
			return nil, poolClosedError()
		}
		p.assign(h, pluginID)
		return h, nil
	case <-ctx.Done():
		p.mu.Lock()
		idx := slices.Index(p.waiters, w)
		if idx >= 0 {
			p.waiters = slices.Delete(p.waiters, idx, idx+1)
		}
		p.mu.Unlock()
		if idx < 0 {
			// Handed a host while giving up.
			if h, ok := <-w; ok {
				p.Release(h)
			}
		}
		return nil, oops.Code(CodeCapacity).In("worker").
			With("plugin", pluginID).
			With("max_workers", p.cfg.MaxWorkers).
			With("cause", context.Cause(ctx)).
			Hint("raise runtime.max_workers or stop idle plugins").
			Wrap(ErrCapacity)
	}
}

// Release returns a host to the pool in the idle state. The loaded plugin
// stays evaluated so a later Acquire for the same plugin can skip init.
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handles[h.ID()]; !ok || h.pooled {
		return
	}
	h.mu.Lock()
	h.pluginID = ""
	h.mu.Unlock()
	h.setState(StateIdle)

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- h
		return
	}
	h.pooled = true
	p.idle = append(p.idle, h)
	p.recordLocked()
}

// Terminate stops a host and interrupts any script running in it. If a
// caller is waiting, a replacement host is started for it.
func (p *Pool) Terminate(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handles[h.ID()]; !ok {
		return
	}
	p.terminateLocked(h)
	if !p.closed && len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- p.spawnLocked()
	}
	p.recordLocked()
}

// Init evaluates plugin code in the host. A host that already has the plugin
// loaded answers with its existing token without another init.
func (p *Pool) Init(ctx context.Context, h *Handle, data InitData, api *hostapi.API) (InitResult, error) {
	h.mu.Lock()
	if h.loaded != "" && h.loaded == data.PluginID && h.state != StateTerminated {
		res := h.initRes
		h.state = StateInitialized
		h.mu.Unlock()
		return res, nil
	}
	h.mu.Unlock()

	h.setState(StateLoading)
	raw, err := p.call(ctx, h, TypeInit, data, api, p.cfg.InitTimeout)
	if err != nil {
		h.mu.Lock()
		h.loaded = ""
		h.initRes = InitResult{}
		h.mu.Unlock()
		h.setState(StateIdle)
		return InitResult{}, err
	}

	var res InitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return InitResult{}, oops.Code(CodeProtocol).In("worker").Wrapf(err, "decode init result")
	}
	h.mu.Lock()
	h.loaded = data.PluginID
	h.initRes = res
	h.mu.Unlock()
	h.setState(StateInitialized)
	return res, nil
}

// Execute runs a command in the host's loaded plugin.
func (p *Pool) Execute(ctx context.Context, h *Handle, command string, args []any) (json.RawMessage, error) {
	return p.run(ctx, h, TypeExecute, ExecuteData{Command: command, Args: args})
}

// Render invokes a component of the host's loaded plugin.
func (p *Pool) Render(ctx context.Context, h *Handle, component string, props map[string]any) (json.RawMessage, error) {
	return p.run(ctx, h, TypeRender, RenderData{Component: component, Props: props})
}

// GetState reads the host's scratch map; a missing key yields nil.
func (p *Pool) GetState(ctx context.Context, h *Handle, key string) (json.RawMessage, error) {
	return p.call(ctx, h, TypeGetState, StateData{Key: key}, nil, p.cfg.WorkerTimeout)
}

// SetState writes the host's scratch map.
func (p *Pool) SetState(ctx context.Context, h *Handle, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return oops.Code(CodeProtocol).In("worker").With("key", key).Wrapf(err, "encode state")
	}
	_, err = p.call(ctx, h, TypeSetState, StateData{Key: key, Value: raw}, nil, p.cfg.WorkerTimeout)
	return err
}

// Dispose runs the plugin's dispose hook and clears the host. The host is
// left empty even when the hook fails.
func (p *Pool) Dispose(ctx context.Context, h *Handle) error {
	_, err := p.call(ctx, h, TypeDispose, nil, nil, p.cfg.WorkerTimeout)
	h.mu.Lock()
	if err == nil || errors.As(err, new(*HostError)) {
		h.loaded = ""
		h.initRes = InitResult{}
	}
	h.mu.Unlock()
	h.setState(StateIdle)
	return err
}

// Ping checks that the host loop is responsive.
func (p *Pool) Ping(ctx context.Context, h *Handle) error {
	_, err := p.call(ctx, h, TypePing, nil, nil, p.cfg.WorkerTimeout)
	return err
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Hosts:      len(p.handles),
		Idle:       len(p.idle),
		Busy:       len(p.handles) - len(p.idle),
		Waiting:    len(p.waiters),
		MaxWorkers: p.cfg.MaxWorkers,
	}
}

// Close terminates every host, fails waiting callers and waits for host
// goroutines to exit. Plugins are not disposed; callers that need dispose
// hooks to run must call Dispose first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	for _, h := range p.handles {
		p.terminateLocked(h)
	}
	p.recordLocked()
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, h *Handle, typ MessageType, data any) (json.RawMessage, error) {
	h.setState(StateRunning)
	raw, err := p.call(ctx, h, typ, data, nil, p.cfg.WorkerTimeout)
	if h.State() == StateRunning {
		h.setState(StateInitialized)
	}
	return raw, err
}

// call sends one request and waits for the correlated response.
func (p *Pool) call(ctx context.Context, h *Handle, typ MessageType, data any, api *hostapi.API, timeout time.Duration) (json.RawMessage, error) {
	req := Request{ID: ulid.Make().String(), Type: typ, API: api}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, oops.Code(CodeProtocol).In("worker").With("type", typ).Wrapf(err, "encode request")
		}
		req.Data = raw
	}

	ch := make(chan Response, 1)
	if !h.track(req.ID, ch) {
		return nil, terminatedError(h, typ)
	}
	defer h.untrack(req.ID)

	ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	defer cancel()

	if err := h.host.send(ctx, req); err != nil {
		return nil, p.abandon(ctx, h, typ, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			RecordRequest(typ, StatusError)
			return nil, oops.Code(CodeHostError).In("worker").
				With("type", typ).With("host", h.ID()).With("plugin", h.PluginID()).
				Wrap(&HostError{Message: resp.Error, Stack: resp.Stack, Code: resp.Code})
		}
		RecordRequest(typ, StatusSuccess)
		return resp.Result, nil
	case <-h.host.done:
		RecordRequest(typ, StatusError)
		return nil, terminatedError(h, typ)
	case <-ctx.Done():
		return nil, p.abandon(ctx, h, typ, ctx.Err())
	}
}

func (p *Pool) abandon(ctx context.Context, h *Handle, typ MessageType, err error) error {
	if errors.Is(err, ErrHostTerminated) {
		RecordRequest(typ, StatusError)
		return terminatedError(h, typ)
	}
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		RecordRequest(typ, StatusTimeout)
		p.logger.Warn("request timed out", "type", typ, "host", h.ID(), "plugin", h.PluginID())
		return oops.Code(CodeTimeout).In("worker").
			With("type", typ).With("host", h.ID()).With("plugin", h.PluginID()).
			Wrap(ErrTimeout)
	}
	RecordRequest(typ, StatusError)
	return oops.In("worker").With("type", typ).With("host", h.ID()).Wrap(err)
}

func (p *Pool) assign(h *Handle, pluginID string) {
	h.mu.Lock()
	h.pluginID = pluginID
	h.mu.Unlock()
}

func (p *Pool) takeIdleLocked(pluginID string) *Handle {
	if len(p.idle) == 0 {
		return nil
	}
	idx := len(p.idle) - 1
	for i := len(p.idle) - 1; i >= 0; i-- {
		if p.idle[i].Loaded() == pluginID {
			idx = i
			break
		}
	}
	h := p.idle[idx]
	p.idle = slices.Delete(p.idle, idx, idx+1)
	h.pooled = false
	return h
}

func (p *Pool) spawnLocked() *Handle {
	host := newHost(p.cfg.Engines)
	h := &Handle{host: host, state: StateIdle, pending: make(map[string]chan Response)}
	p.handles[host.id] = h

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		host.loop()
	}()
	go func() {
		defer p.wg.Done()
		p.pump(h)
	}()
	p.logger.Debug("host started", "host", host.id)
	return h
}

func (p *Pool) terminateLocked(h *Handle) {
	delete(p.handles, h.ID())
	if h.pooled {
		if i := slices.Index(p.idle, h); i >= 0 {
			p.idle = slices.Delete(p.idle, i, i+1)
		}
		h.pooled = false
	}
	h.setState(StateTerminated)
	h.host.terminate()
	p.logger.Debug("host terminated", "host", h.ID())
}

// pump routes responses and console output from one host until it exits.
func (p *Pool) pump(h *Handle) {
	for {
		select {
		case resp := <-h.host.out:
			if !h.deliver(resp) {
				recordDropped("late_response")
				p.logger.Debug("dropped late response", "host", h.ID(), "id", resp.ID)
			}
		case msg := <-h.host.console:
			p.cfg.OnConsole(h.PluginID(), msg)
		case <-h.host.done:
			for {
				select {
				case msg := <-h.host.console:
					p.cfg.OnConsole(h.PluginID(), msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) logConsole(pluginID string, msg ConsoleMessage) {
	level := slog.LevelInfo
	switch msg.Data.Type {
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "debug":
		level = slog.LevelDebug
	}
	p.logger.Log(context.Background(), level, "plugin console", "plugin", pluginID, "level", msg.Data.Type, "args", msg.Data.Args)
}

func (p *Pool) recordLocked() {
	recordHosts(len(p.idle), len(p.handles)-len(p.idle))
}

func poolClosedError() error {
	return oops.Code(CodePoolClosed).In("worker").Wrap(ErrPoolClosed)
}

func terminatedError(h *Handle, typ MessageType) error {
	return oops.Code(CodeTerminated).In("worker").
		With("type", typ).With("host", h.ID()).
		Wrap(ErrHostTerminated)
}
