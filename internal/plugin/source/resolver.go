// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package source

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/fleetchat/fleet/internal/plugin/manifest"
	"github.com/fleetchat/fleet/internal/plugin/screen"
)

// Resolver defaults.
const (
	DefaultFetchRetries = 3
	DefaultFetchBackoff = 200 * time.Millisecond
	DefaultFetchTimeout = 30 * time.Second

	// maxPayload bounds any single manifest or code payload.
	maxPayload = 8 << 20
)

// Resolver loads plugin sources. It is safe for concurrent use.
type Resolver struct {
	cache          *Cache
	client         *http.Client
	allowedDomains []string
	hostVersion    string
	retries        uint64
	backoff        time.Duration
	logger         *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache replaces the resolver's cache.
func WithCache(c *Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithHTTPClient sets the client used for URL sources.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithAllowedDomains sets the default allow-list for URL sources.
func WithAllowedDomains(domains []string) Option {
	return func(r *Resolver) { r.allowedDomains = domains }
}

// WithHostVersion sets the host version checked against package metadata.
func WithHostVersion(v string) Option {
	return func(r *Resolver) { r.hostVersion = v }
}

// WithRetries sets the retry count and base backoff for remote fetches.
func WithRetries(n uint64, backoff time.Duration) Option {
	return func(r *Resolver) {
		r.retries = n
		r.backoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver with an unbounded cache.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		client:  &http.Client{Timeout: DefaultFetchTimeout},
		retries: DefaultFetchRetries,
		backoff: DefaultFetchBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewCache(0)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "source")
	return r
}

// Cache returns the resolver's cache.
func (r *Resolver) Cache() *Cache { return r.cache }

// ClearCache drops every cached result.
func (r *Resolver) ClearCache() { r.cache.Clear() }

// Invalidate drops the cached result for d.
func (r *Resolver) Invalidate(d Descriptor) { r.cache.Delete(d.Key()) }

// Load resolves any descriptor.
func (r *Resolver) Load(ctx context.Context, d Descriptor) *LoadResult {
	switch d.Kind {
	case KindDirectory:
		return r.LoadFromDirectory(ctx, d.Path)
	case KindPackage:
		return r.LoadFromPackage(ctx, d.Path)
	case KindURL:
		return r.LoadFromURL(ctx, d.URL, d.AllowedDomains)
	case KindCode:
		return r.LoadFromCode(ctx, d.Code, d.Manifest)
	default:
		return r.fail(d, oops.Code(CodeFailed).In("source").With("kind", d.Kind).Errorf("unknown source type %q", d.Kind))
	}
}

// LoadString detects the source type of s and loads it.
func (r *Resolver) LoadString(ctx context.Context, s string) *LoadResult {
	return r.Load(ctx, Detect(s))
}

// LoadFromCode resolves an in-memory manifest and code string. The manifest
// may be JSON or YAML.
func (r *Resolver) LoadFromCode(ctx context.Context, code string, manifestData []byte) *LoadResult {
	d := Descriptor{Kind: KindCode, Code: code, Manifest: manifestData}
	return r.cached(ctx, d, func(ctx context.Context) *LoadResult {
		format := manifest.FormatJSON
		if trimmed := strings.TrimSpace(string(manifestData)); trimmed != "" && !strings.HasPrefix(trimmed, "{") {
			format = manifest.FormatYAML
		}
		m, err := manifest.Parse(manifestData, format)
		if err != nil {
			return r.fail(d, err)
		}
		entry := cleanEntry(m.Main)
		if entry == "" {
			entry = "index.js"
		}
		return r.finish(d, m, code, entry, nil)
	})
}

// LoadCode fetches the code of a source whose earlier load carried only a
// manifest.
func (r *Resolver) LoadCode(ctx context.Context, d Descriptor, m *manifest.Manifest) *LoadResult {
	var (
		code, entry string
		err         error
	)
	switch d.Kind {
	case KindDirectory:
		code, entry, err = r.readDirectoryEntry(ctx, d, m)
	case KindPackage:
		code, entry, err = r.readPackageEntry(ctx, d, m)
	case KindURL:
		if err = r.checkDomain(d, d.AllowedDomains); err == nil {
			base, _, perr := locate(d.URL)
			if perr != nil {
				err = failed(d).Wrap(perr)
			} else {
				code, entry, err = r.fetchEntry(ctx, d, base, m)
			}
		}
	case KindCode:
		code, entry = d.Code, cleanEntry(m.Main)
		if entry == "" {
			entry = "index.js"
		}
	default:
		err = oops.Code(CodeFailed).In("source").Errorf("unknown source type %q", d.Kind)
	}
	if err != nil {
		return r.fail(d, err)
	}
	if code == "" {
		return r.fail(d, failed(d).Hint("add a main entry or dist/index.js").Wrap(ErrNoEntry))
	}
	return r.finish(d, m, code, entry, nil)
}

// cached serves d from the cache or resolves it and caches a success.
func (r *Resolver) cached(ctx context.Context, d Descriptor, resolve func(context.Context) *LoadResult) *LoadResult {
	key := d.Key()
	if res, ok := r.cache.Get(key); ok {
		RecordLoad(d.Kind, StatusCached)
		res.Cached = true
		return res
	}
	res := resolve(ctx)
	if res.Success {
		r.cache.Put(key, res)
	}
	return res
}

// finish screens code, when present, and builds a successful result.
func (r *Resolver) finish(d Descriptor, m *manifest.Manifest, code, entry string, meta *Metadata) *LoadResult {
	res := &LoadResult{Manifest: m, Source: d, Metadata: meta}
	if code != "" {
		sr := screen.Screen(code, screen.Options{Entry: entry, Permissions: m.Permissions})
		if !sr.Valid {
			res.Error = oops.In("source").With("kind", d.Kind).With("entry", entry).Wrap(sr.Err())
			RecordLoad(d.Kind, StatusError)
			r.logger.Debug("plugin code rejected", "source", d.String(), "entry", entry, "errors", len(sr.Errors))
			return res
		}
		res.Code = code
		res.Entry = entry
		res.Warnings = sr.Warnings
	}
	res.Success = true
	RecordLoad(d.Kind, StatusSuccess)
	r.logger.Debug("plugin source loaded", "source", d.String(), "plugin", m.ID(), "has_code", code != "")
	return res
}

func (r *Resolver) fail(d Descriptor, err error) *LoadResult {
	RecordLoad(d.Kind, StatusError)
	r.logger.Debug("plugin source failed", "source", d.String(), "error", err)
	return &LoadResult{Source: d, Error: err}
}
