// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/fleetchat/fleet/internal/plugin/manifest"
)

var errNotFound = errors.New("not found")

// DomainAllowed reports whether host matches an allow-list entry: "*" allows
// every host, "*.example.com" any subdomain of example.com, and anything
// else must equal the host. An empty allow-list allows nothing.
func DomainAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "*" || pattern == host:
			return true
		case strings.HasPrefix(pattern, "*."):
			g, err := glob.Compile(pattern)
			if err == nil && g.Match(host) {
				return true
			}
		}
	}
	return false
}

// LoadFromURL resolves a remote plugin. url is either the manifest itself
// or the plugin base URL, in which case manifest.json is fetched from it.
// The allow-list is enforced before any request; when allowedDomains is nil
// the resolver's default list applies.
func (r *Resolver) LoadFromURL(ctx context.Context, rawURL string, allowedDomains []string) *LoadResult {
	d := Descriptor{Kind: KindURL, URL: rawURL, AllowedDomains: allowedDomains}
	if err := r.checkDomain(d, allowedDomains); err != nil {
		return r.fail(d, err)
	}
	return r.cached(ctx, d, func(ctx context.Context) *LoadResult {
		base, manifestURL, err := locate(rawURL)
		if err != nil {
			return r.fail(d, failed(d).Wrap(err))
		}
		data, err := r.fetch(ctx, manifestURL)
		if err != nil {
			return r.fail(d, failed(d).With("url", manifestURL).Wrapf(err, "fetch manifest"))
		}
		m, err := manifest.Parse(data, manifest.FormatFor(path.Base(manifestURL)))
		if err != nil {
			return r.fail(d, err)
		}
		code, entry, err := r.fetchEntry(ctx, d, base, m)
		if err != nil {
			return r.fail(d, err)
		}
		return r.finish(d, m, code, entry, nil)
	})
}

func (r *Resolver) checkDomain(d Descriptor, allowed []string) error {
	if allowed == nil {
		allowed = r.allowedDomains
	}
	u, err := url.Parse(d.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return failed(d).Errorf("invalid plugin URL %q", d.URL)
	}
	if !DomainAllowed(u.Hostname(), allowed) {
		return oops.Code(CodeForbidden).In("source").
			With("host", u.Hostname()).
			With("allowed_domains", allowed).
			Hint("add the host to sources.allowed_domains").
			Errorf("domain %s is not allowed", u.Hostname())
	}
	return nil
}

// locate splits a plugin URL into its base and manifest URLs.
func locate(rawURL string) (*url.URL, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", err
	}
	name := path.Base(u.Path)
	ext := strings.ToLower(path.Ext(name))
	if slices.Contains(manifest.FileNames, name) || ext == ".json" || ext == ".yaml" || ext == ".yml" {
		base := *u
		base.Path = path.Dir(u.Path) + "/"
		return &base, u.String(), nil
	}
	base := *u
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return &base, base.JoinPath(manifest.FileNames[0]).String(), nil
}

// fetchEntry fetches the first entry candidate the server has. Missing code
// is not an error.
func (r *Resolver) fetchEntry(ctx context.Context, d Descriptor, base *url.URL, m *manifest.Manifest) (string, string, error) {
	for _, entry := range EntryCandidates(m) {
		target := base.JoinPath(entry).String()
		data, err := r.fetch(ctx, target)
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return "", "", failed(d).With("url", target).Wrapf(err, "fetch entry")
		}
		return string(data), entry, nil
	}
	return "", "", nil
}

// fetch GETs target, retrying transport errors, 429 and 5xx responses with
// exponential backoff.
func (r *Resolver) fetch(ctx context.Context, target string) ([]byte, error) {
	var body []byte
	backoff := retry.WithMaxRetries(r.retries, retry.NewExponential(r.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return errNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("unexpected status %s", resp.Status))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
		data, err := readAllLimited(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		body = data
		return nil
	})
	return body, err
}
