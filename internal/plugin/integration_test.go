// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

//go:build integration

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/fleetchat/fleet/internal/plugin"
	"github.com/fleetchat/fleet/internal/plugin/capability"
	"github.com/fleetchat/fleet/internal/plugin/hostapi"
	"github.com/fleetchat/fleet/internal/plugin/source"
)

const notesCode = `
const { LocalStorage, showToast, environment, getPreferenceValues } = require("@raycast/api");

async function save(key, value) {
  await LocalStorage.setItem(key, value);
  await showToast({ title: "Saved " + key });
  return await LocalStorage.getItem(key);
}

function prefs() { return getPreferenceValues(); }
function env() { return environment.extensionName; }
`

const notesManifest = `{
  "name": "notes",
  "version": "2.1.0",
  "title": "Notes",
  "description": "Keeps notes",
  "commands": [{"name": "save", "title": "Save Note", "mode": "no-view"}],
  "preferences": [{"name": "folder", "type": "textfield", "title": "Folder", "default": "inbox"}],
  "permissions": ["storage"]
}`

func buildPackage(dir string, files map[string]string) string {
	p := filepath.Join(dir, "notes.fcp")
	f, err := os.Create(p)
	Expect(err).NotTo(HaveOccurred())
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write([]byte(content))
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(zw.Close()).To(Succeed())
	Expect(f.Close()).To(Succeed())
	return p
}

type toastRecorder struct {
	titles chan string
}

func (r *toastRecorder) ShowToast(_ context.Context, _ string, t hostapi.Toast) error {
	r.titles <- t.Title
	return nil
}

func (r *toastRecorder) ShowHUD(context.Context, string, string) error { return nil }

func (r *toastRecorder) Open(context.Context, string, string) error { return nil }

var _ = Describe("Plugin manager", func() {
	var (
		ctx      context.Context
		mgr      *plugin.Manager
		toasts   *toastRecorder
		enforcer *capability.Enforcer
		dir      string
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		toasts = &toastRecorder{titles: make(chan string, 8)}
		enforcer = capability.NewEnforcer()
		mgr = plugin.NewManager(plugin.Config{
			MaxWorkers:      2,
			CleanupInterval: -1,
			HostVersion:     "1.2.0",
			SupportDir:      filepath.Join(dir, "support"),
			Preferences:     map[string]map[string]any{"notes": {"folder": "work"}},
		},
			plugin.WithEnforcer(enforcer),
			plugin.WithFunctions(hostapi.New(enforcer, hostapi.WithUI(toasts))),
		)
	})

	AfterEach(func() {
		Expect(mgr.Close(ctx)).To(Succeed())
	})

	Describe("loading a package", func() {
		var id string

		BeforeEach(func() {
			pkg := buildPackage(dir, map[string]string{
				"manifest.json": notesManifest,
				"metadata.json": `{"checksum":"deadbeef","fleetChatVersion":"1.0.0"}`,
				"index.js":      notesCode,
			})
			var err error
			id, err = mgr.Load(ctx, pkg)
			Expect(err).NotTo(HaveOccurred())
		})

		It("runs commands against the host API", func() {
			res, err := mgr.Execute(ctx, id, "save", []any{"todo", "milk"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(string(res.Result)).To(MatchJSON(`"milk"`))
			Eventually(toasts.titles).Should(Receive(Equal("Saved todo")))
		})

		It("merges configured preferences over manifest defaults", func() {
			res, err := mgr.Execute(ctx, id, "prefs", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(res.Result)).To(MatchJSON(`{"folder":"work"}`))

			res, err = mgr.Execute(ctx, id, "env", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(res.Result)).To(MatchJSON(`"notes"`))
		})

		It("surfaces package metadata and grants permissions", func() {
			inf, ok := mgr.Plugin(id)
			Expect(ok).To(BeTrue())
			Expect(inf.Status).To(Equal(plugin.StatusRunning))
			Expect(inf.Metadata).NotTo(BeNil())
			Expect(inf.Metadata.Checksum).To(Equal("deadbeef"))
			Expect(enforcer.Check(id, capability.Storage)).To(BeTrue())
		})

		It("revokes permissions on unload", func() {
			Expect(mgr.Unload(ctx, id)).To(Succeed())
			Expect(enforcer.Registered(id)).To(BeFalse())
		})
	})

	Describe("plugins that fail", func() {
		It("keeps other plugins running after a hang", func() {
			hungMgr := plugin.NewManager(plugin.Config{MaxWorkers: 2, WorkerTimeout: 100 * time.Millisecond, CleanupInterval: -1})
			defer func() { Expect(hungMgr.Close(ctx)).To(Succeed()) }()

			hung, err := hungMgr.LoadFrom(ctx, codeSource("hung", "1.0.0", helloCode))
			Expect(err).NotTo(HaveOccurred())
			ok, err := hungMgr.LoadFrom(ctx, codeSource("ok", "1.0.0", helloCode))
			Expect(err).NotTo(HaveOccurred())

			_, err = hungMgr.Execute(ctx, hung, "spin", nil)
			Expect(err).To(HaveOccurred())

			res, err := hungMgr.Execute(ctx, ok, "hello", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(hungMgr.PluginsByStatus(plugin.StatusError)).To(HaveLen(1))
		})

		It("rejects code that reaches for the host process", func() {
			_, err := mgr.LoadFrom(ctx, source.Descriptor{
				Kind:     source.KindCode,
				Code:     `function leak() { return process.env.HOME; }`,
				Manifest: []byte(manifestFor("leaky", "1.0.0")),
			})
			Expect(err).To(MatchError(ContainSubstring("process")))
			Expect(mgr.Plugins()).To(BeEmpty())
		})
	})
})
