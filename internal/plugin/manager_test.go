// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package plugin_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fleetchat/fleet/internal/plugin"
	"github.com/fleetchat/fleet/internal/plugin/manifest"
	"github.com/fleetchat/fleet/internal/plugin/source"
	"github.com/fleetchat/fleet/internal/plugin/worker"
	"github.com/fleetchat/fleet/pkg/errutil"
)

func manifestFor(name, version string) string {
	return fmt.Sprintf(`{
  "name": %q,
  "version": %q,
  "title": "Title of %s",
  "description": "Test plugin",
  "commands": [
    {"name": "hello", "title": "Hello", "mode": "view", "keywords": ["greet"]},
    {"name": "spin", "title": "Spin", "mode": "no-view"}
  ]
}`, name, version, name)
}

const helloCode = `
function hello() { return "ok"; }
function echo(a, b) { return { a: a, b: b }; }
function boom() { throw new Error("kaboom"); }
function spin() { while (true) {} }
function View(props) { return { type: "Detail", markdown: props.text }; }
`

func codeSource(name, version, code string) source.Descriptor {
	return source.Descriptor{Kind: source.KindCode, Code: code, Manifest: json.RawMessage(manifestFor(name, version))}
}

// countingResolver wraps a real resolver and counts calls.
type countingResolver struct {
	inner       *source.Resolver
	loads       atomic.Int32
	codeLoads   atomic.Int32
	invalidated atomic.Int32
}

func newCountingResolver() *countingResolver {
	return &countingResolver{inner: source.NewResolver()}
}

func (r *countingResolver) Load(ctx context.Context, d source.Descriptor) *source.LoadResult {
	r.loads.Add(1)
	return r.inner.Load(ctx, d)
}

func (r *countingResolver) LoadCode(ctx context.Context, d source.Descriptor, m *manifest.Manifest) *source.LoadResult {
	r.codeLoads.Add(1)
	return r.inner.LoadCode(ctx, d, m)
}

func (r *countingResolver) Invalidate(d source.Descriptor) {
	r.invalidated.Add(1)
	r.inner.Invalidate(d)
}

func newManager(t *testing.T, cfg plugin.Config, opts ...plugin.ManagerOption) *plugin.Manager {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = -1
	}
	m := plugin.NewManager(cfg, opts...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func status(t *testing.T, m *plugin.Manager, id string) plugin.Status {
	t.Helper()
	inf, ok := m.Plugin(id)
	require.True(t, ok, "plugin %s not registered", id)
	return inf.Status
}

func TestManager_ExecuteInlineCode(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := plugin.NewManager(plugin.Config{CleanupInterval: -1})
	defer func() { require.NoError(t, m.Close(context.Background())) }()
	ctx := context.Background()

	id, err := m.LoadFrom(ctx, codeSource("hello", "1.0.0", helloCode))
	require.NoError(t, err)
	assert.Equal(t, "hello@1.0.0", id)
	assert.Equal(t, plugin.StatusRunning, status(t, m, id))

	res, err := m.Execute(ctx, id, "hello", []any{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `"ok"`, string(res.Result))

	res, err = m.Execute(ctx, id, "echo", []any{1, "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"x"}`, string(res.Result))

	res, err = m.Render(ctx, id, "View", map[string]any{"text": "# hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Detail","markdown":"# hi"}`, string(res.Result))

	inf, _ := m.Plugin(id)
	assert.Equal(t, int64(3), inf.Usage)
	assert.False(t, inf.LastActivity.IsZero())
	assert.NotEmpty(t, inf.HostID)
	assert.Empty(t, inf.Source.Code)
}

func TestManager_ExceptionsAreResults(t *testing.T) {
	m := newManager(t, plugin.Config{})
	ctx := context.Background()
	id, err := m.LoadFrom(ctx, codeSource("hello", "1.0.0", helloCode))
	require.NoError(t, err)

	res, err := m.Execute(ctx, id, "boom", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "kaboom", res.Error)
	assert.NotEmpty(t, res.Stack)

	res, err = m.Execute(ctx, id, "missing", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)

	assert.Equal(t, plugin.StatusRunning, status(t, m, id))
	res, err = m.Execute(ctx, id, "hello", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestManager_DuplicateLoadReturnsExistingID(t *testing.T) {
	m := newManager(t, plugin.Config{})
	ctx := context.Background()

	first, err := m.LoadFrom(ctx, codeSource("hello", "1.0.0", helloCode))
	require.NoError(t, err)
	hosts := m.Pool().Stats().Hosts

	second, err := m.LoadFrom(ctx, codeSource("hello", "1.0.0", helloCode))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, m.Plugins(), 1)
	assert.Equal(t, hosts, m.Pool().Stats().Hosts)

	other, err := m.LoadFrom(ctx, codeSource("hello", "2.0.0", helloCode))
	require.NoError(t, err)
	assert.Equal(t, "hello@2.0.0", other)
	assert.Len(t, m.Plugins(), 2)
}

func TestManager_DuplicateLoadWhenRegistryFull(t *testing.T) {
	m := newManager(t, plugin.Config{MaxPlugins: 1})
	ctx := context.Background()

	first, err := m.LoadFrom(ctx, codeSource("hello", "1.0.0", helloCode))
	require.NoError(t, err)

	second, err := m.LoadFrom(ctx, codeSource("hello", "1.0.0", helloCode))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, m.Plugins(), 1)
}

func TestManager_MaxPlugins(t *testing.T) {
	m := newManager(t, plugin.Config{MaxPlugins: 1})
	ctx := context.Background()

	_, err := m.LoadFrom(ctx, codeSource("a", "1.0.0", helloCode), plugin.WithoutAutoStart())
	require.NoError(t, err)

	_, err = m.LoadFrom(ctx, codeSource("b", "1.0.0", helloCode), plugin.WithoutAutoStart())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeCapacity)
	assert.True(t, errors.Is(err, plugin.ErrPluginLimit))
	assert.False(t, errors.Is(err, plugin.ErrCapacity))
	assert.NotContains(t, err.Error(), "worker")
	assert.Len(t, m.Plugins(), 1)
}

func TestManager_Lifecycle(t *testing.T) {
	m := newManager(t, plugin.Config{})
	ctx := context.Background()
	events, cancel := m.Subscribe(0)
	defer cancel()

	id, err := m.LoadFrom(ctx, codeSource("hello", "1.0.0", helloCode), plugin.WithoutAutoStart())
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusLoaded, status(t, m, id))

	_, err = m.Execute(ctx, id, "hello", nil)
	errutil.AssertErrorCode(t, err, plugin.CodeInvalidState)

	require.NoError(t, m.Start(ctx, id))
	require.NoError(t, m.Start(ctx, id))
	assert.Equal(t, plugin.StatusRunning, status(t, m, id))

	require.NoError(t, m.Stop(ctx, id))
	assert.Equal(t, plugin.StatusStopped, status(t, m, id))
	assert.Equal(t, 1, m.Pool().Stats().Idle)
	require.NoError(t, m.Stop(ctx, id))

	require.NoError(t, m.Start(ctx, id))
	require.NoError(t, m.Unload(ctx, id))
	_, ok := m.Plugin(id)
	assert.False(t, ok)

	err = m.Unload(ctx, id)
	assert.True(t, errors.Is(err, plugin.ErrNotFound))
	errutil.AssertErrorCode(t, err, plugin.CodeNotFound)

	var got []string
	for len(events) > 0 {
		n := <-events
		if n.Kind == plugin.KindTransition {
			got = append(got, fmt.Sprintf("%s>%s", n.From, n.To))
		}
	}
	assert.Equal(t, []string{
		">loading", "loading>loaded",
		"loaded>starting", "starting>running",
		"running>stopped",
		"stopped>starting", "starting>running",
		"running>unloaded",
	}, got)
}

func TestManager_StartFailureRecordsError(t *testing.T) {
	m := newManager(t, plugin.Config{})
	ctx := context.Background()

	id, err := m.LoadFrom(ctx, codeSource("broken", "1.0.0", `throw new Error("init failed");`))
	require.Error(t, err)
	assert.Equal(t, "broken@1.0.0", id)

	inf, ok := m.Plugin(id)
	require.True(t, ok)
	assert.Equal(t, plugin.StatusError, inf.Status)
	assert.Contains(t, inf.Error, "init failed")
	assert.Empty(t, inf.HostID)
	assert.Len(t, m.PluginsByStatus(plugin.StatusError), 1)
	assert.Empty(t, m.PluginsByStatus(plugin.StatusRunning))

	// The host answered, so it went back to the pool.
	assert.Equal(t, 1, m.Pool().Stats().Idle)
}

func TestManager_TimeoutIsolation(t *testing.T) {
	m := newManager(t, plugin.Config{MaxWorkers: 2, WorkerTimeout: 150 * time.Millisecond})
	ctx := context.Background()

	hung, err := m.LoadFrom(ctx, codeSource("hung", "1.0.0", helloCode))
	require.NoError(t, err)
	healthy, err := m.LoadFrom(ctx, codeSource("healthy", "1.0.0", helloCode))
	require.NoError(t, err)

	begin := time.Now()
	res, err := m.Execute(ctx, hung, "spin", nil)
	elapsed := time.Since(begin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrTimeout))
	errutil.AssertErrorCode(t, err, worker.CodeTimeout)
	assert.False(t, res.Success)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	inf, _ := m.Plugin(hung)
	assert.Equal(t, plugin.StatusError, inf.Status)
	assert.Contains(t, inf.Error, "timeout")

	res, err = m.Execute(ctx, healthy, "hello", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// A failed plugin can be started again on a fresh host.
	require.NoError(t, m.Start(ctx, hung))
	res, err = m.Execute(ctx, hung, "hello", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestManager_SequentialStartsShareOneWorker(t *testing.T) {
	m := newManager(t, plugin.Config{MaxWorkers: 1})
	ctx := context.Background()

	a, err := m.LoadFrom(ctx, codeSource("a", "1.0.0", helloCode))
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx, a))

	b, err := m.LoadFrom(ctx, codeSource("b", "1.0.0", helloCode))
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusRunning, status(t, m, b))
	assert.Equal(t, 1, m.Pool().Stats().Hosts)

	res, err := m.Execute(ctx, b, "hello", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestManager_ConcurrentStartWaitsForFreeWorker(t *testing.T) {
	m := newManager(t, plugin.Config{MaxWorkers: 1})
	ctx := context.Background()

	a, err := m.LoadFrom(ctx, codeSource("a", "1.0.0", helloCode))
	require.NoError(t, err)
	b, err := m.LoadFrom(ctx, codeSource("b", "1.0.0", helloCode), plugin.WithoutAutoStart())
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- m.Start(ctx, b) }()

	select {
	case err := <-started:
		t.Fatalf("second start returned while the only worker was busy: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, plugin.StatusStarting, status(t, m, b))
	assert.Equal(t, 1, m.Pool().Stats().Waiting)

	require.NoError(t, m.Stop(ctx, a))
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second start did not resume after the first plugin stopped")
	}
	assert.Equal(t, plugin.StatusRunning, status(t, m, b))
	assert.Equal(t, 1, m.Pool().Stats().Hosts)
}

func TestManager_StartGivesUpAfterAcquireTimeout(t *testing.T) {
	m := newManager(t, plugin.Config{MaxWorkers: 1, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	_, err := m.LoadFrom(ctx, codeSource("a", "1.0.0", helloCode))
	require.NoError(t, err)
	b, err := m.LoadFrom(ctx, codeSource("b", "1.0.0", helloCode))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeCapacity)
	assert.Equal(t, plugin.StatusError, status(t, m, b))
}

func TestManager_InvalidManifestNeverFetchesCode(t *testing.T) {
	var manifestHits, codeHits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest.json":
			manifestHits.Add(1)
			_, _ = w.Write([]byte(`{"name":"nodesc","title":"No description","commands":[{"name":"hello","title":"Hello","mode":"view"}]}`))
		default:
			codeHits.Add(1)
			_, _ = w.Write([]byte(helloCode))
		}
	}))
	defer ts.Close()

	resolver := newCountingResolver()
	m := newManager(t, plugin.Config{}, plugin.WithResolver(resolver))

	_, err := m.LoadFrom(context.Background(), source.Descriptor{
		Kind:           source.KindURL,
		URL:            ts.URL,
		AllowedDomains: []string{"127.0.0.1"},
	})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, manifest.CodeInvalid)
	assert.Contains(t, err.Error(), "description")

	assert.Equal(t, int32(1), manifestHits.Load())
	assert.Zero(t, codeHits.Load())
	assert.Zero(t, resolver.codeLoads.Load())
	assert.Empty(t, m.Plugins())
}

func TestManager_InvalidManifests(t *testing.T) {
	m := newManager(t, plugin.Config{})
	tests := []struct {
		name     string
		manifest string
	}{
		{name: "no commands", manifest: `{"name":"x","title":"X","description":"d","commands":[]}`},
		{name: "bad mode", manifest: `{"name":"x","title":"X","description":"d","commands":[{"name":"a","title":"A","mode":"window"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.LoadFrom(context.Background(), source.Descriptor{
				Kind: source.KindCode, Code: helloCode, Manifest: json.RawMessage(tt.manifest),
			})
			errutil.AssertErrorCode(t, err, manifest.CodeInvalid)
			assert.Empty(t, m.Plugins())
		})
	}
}

func TestManager_ReloadReadsSourceAgain(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifestFor("dev", "1.0.0")), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(`function hello() { return "v1"; }`), 0o600))

	resolver := newCountingResolver()
	m := newManager(t, plugin.Config{}, plugin.WithResolver(resolver))
	ctx := context.Background()

	id, err := m.Load(ctx, dir)
	require.NoError(t, err)
	res, err := m.Execute(ctx, id, "hello", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"v1"`, string(res.Result))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(`function hello() { return "v2"; }`), 0o600))
	reloaded, err := m.Reload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, reloaded)
	assert.Equal(t, int32(1), resolver.invalidated.Load())

	res, err = m.Execute(ctx, id, "hello", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"v2"`, string(res.Result))

	_, err = m.Reload(ctx, "nope@1.0.0")
	assert.True(t, errors.Is(err, plugin.ErrNotFound))
}

func TestManager_CleanupStale(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	m := newManager(t, plugin.Config{CleanupInterval: time.Hour}, plugin.WithClock(clock))
	ctx := context.Background()
	idle, err := m.LoadFrom(ctx, codeSource("idle", "1.0.0", helloCode))
	require.NoError(t, err)
	busy, err := m.LoadFrom(ctx, codeSource("busy", "1.0.0", helloCode))
	require.NoError(t, err)

	advance(90 * time.Minute)
	assert.Empty(t, m.CleanupStale(ctx))

	_, err = m.Execute(ctx, busy, "hello", nil)
	require.NoError(t, err)
	advance(31 * time.Minute)

	assert.Equal(t, []string{idle}, m.CleanupStale(ctx))
	assert.Equal(t, plugin.StatusStopped, status(t, m, idle))
	assert.Equal(t, plugin.StatusRunning, status(t, m, busy))
	assert.Equal(t, 1, m.Pool().Stats().Idle)
}

func TestManager_ReaperStopsIdlePlugins(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := plugin.NewManager(plugin.Config{CleanupInterval: 20 * time.Millisecond})
	defer func() { require.NoError(t, m.Close(context.Background())) }()

	id, err := m.LoadFrom(context.Background(), codeSource("idle", "1.0.0", helloCode))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		inf, _ := m.Plugin(id)
		return inf.Status == plugin.StatusStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_SearchCommands(t *testing.T) {
	m := newManager(t, plugin.Config{})
	ctx := context.Background()
	_, err := m.LoadFrom(ctx, codeSource("alpha", "1.0.0", helloCode), plugin.WithoutAutoStart())
	require.NoError(t, err)
	_, err = m.LoadFrom(ctx, codeSource("beta", "1.0.0", helloCode), plugin.WithoutAutoStart())
	require.NoError(t, err)

	all := m.Commands()
	require.Len(t, all, 4)
	assert.Equal(t, "alpha@1.0.0", all[0].PluginID)
	assert.Equal(t, "hello", all[0].Command.Name)
	assert.Equal(t, plugin.StatusLoaded, all[0].Status)

	found := m.SearchCommands("spin")
	require.NotEmpty(t, found)
	assert.Equal(t, "spin", found[0].Command.Name)

	found = m.SearchCommands("greet")
	require.Len(t, found, 2)
	for _, c := range found {
		assert.Equal(t, "hello", c.Command.Name)
	}

	assert.Len(t, m.SearchCommands("  "), 4)
	assert.Empty(t, m.SearchCommands("zzzz"))
}

func TestManager_LoadAll(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
	write("good/manifest.json", manifestFor("good", "1.0.0"))
	write("good/index.js", helloCode)
	write("bad/manifest.json", `{"name":"bad"}`)
	write("notes.txt", "ignored")
	write(".hidden/manifest.json", manifestFor("hidden", "1.0.0"))

	m := newManager(t, plugin.Config{})
	ids, err := m.LoadAll(context.Background(), root, plugin.WithoutAutoStart())
	require.NoError(t, err)
	assert.Equal(t, []string{"good@1.0.0"}, ids)

	ids, err = m.LoadAll(context.Background(), filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestManager_StatsAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := plugin.NewManager(plugin.Config{CleanupInterval: -1, MaxWorkers: 2})
	ctx := context.Background()

	_, err := m.LoadFrom(ctx, codeSource("a", "1.0.0", helloCode))
	require.NoError(t, err)
	_, err = m.LoadFrom(ctx, codeSource("b", "1.0.0", helloCode), plugin.WithoutAutoStart())
	require.NoError(t, err)

	st := m.Stats()
	assert.Equal(t, 2, st.Plugins)
	assert.Equal(t, plugin.DefaultMaxPlugins, st.MaxPlugins)
	assert.Equal(t, map[plugin.Status]int{plugin.StatusRunning: 1, plugin.StatusLoaded: 1}, st.ByStatus)
	assert.Equal(t, 1, st.Pool.Busy)
	assert.Positive(t, st.Goroutines)

	events, _ := m.Subscribe(16)
	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.Plugins())
	require.NoError(t, m.Close(ctx))

	for range events {
	}
	_, err = m.LoadFrom(ctx, codeSource("c", "1.0.0", helloCode))
	assert.True(t, errors.Is(err, plugin.ErrClosed))
}

func TestManager_ConsoleNotifications(t *testing.T) {
	m := newManager(t, plugin.Config{})
	events, cancel := m.Subscribe(0)
	defer cancel()

	id, err := m.LoadFrom(context.Background(), codeSource("chatty", "1.0.0",
		`function hello() { console.warn("careful", 1); return "ok"; }`))
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), id, "hello", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for {
			select {
			case n := <-events:
				if n.Kind == plugin.KindConsole {
					return n.PluginID == id && n.Console.Type == "warn" &&
						assert.ObjectsAreEqual([]string{"careful", "1"}, n.Console.Args)
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}
