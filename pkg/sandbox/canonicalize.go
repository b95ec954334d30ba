// Package sandbox implements the Compilation Sandbox (spec.md §4.9): URL
// canonicalization and build-path validation (the cache-key and
// path-traversal defenses), then running the language toolchain under
// strict resource limits to produce a WASM module.
package sandbox

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/near-outlayer/outlayer-go/pkg/policy"
)

// ErrDisallowedHost is returned when a repo URL's host is not on the
// operator-configured allow-list.
var ErrDisallowedHost = fmt.Errorf("repository host is not allow-listed")

// CanonicalizeRepoURL normalizes HTTPS, SSH, and host-qualified short
// (`github.com/owner/repo`) forms; a bare `owner/repo` is rejected. Each goes
// to a single canonical HTTPS form: lowercased host, no trailing slash, no
// `.git` suffix. Two externally equivalent forms of the same repo always
// canonicalize identically (spec.md §8's URL-canonicalization property),
// which makes the canonical form safe to use as the cache key.
func CanonicalizeRepoURL(raw string, allow *policy.BuildHostAllowlist) (string, error) {
	raw = strings.TrimSpace(raw)

	host, path, err := splitHostPath(raw)
	if err != nil {
		return "", err
	}
	host = strings.ToLower(host)
	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")

	if allow != nil && !allow.Allowed(host) {
		return "", fmt.Errorf("%w: %q", ErrDisallowedHost, host)
	}

	return fmt.Sprintf("https://%s/%s", host, path), nil
}

// splitHostPath extracts (host, path) from any of:
//   - https://github.com/owner/repo(.git)?
//   - http://github.com/owner/repo
//   - git@github.com:owner/repo(.git)?
//   - ssh://git@github.com/owner/repo
//   - github.com/owner/repo (host-qualified short form)
func splitHostPath(raw string) (host, path string, err error) {
	switch {
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		u, perr := url.Parse(raw)
		if perr != nil {
			return "", "", fmt.Errorf("failed to parse repo URL: %w", perr)
		}
		return u.Host, u.Path, nil

	case strings.HasPrefix(raw, "ssh://"):
		u, perr := url.Parse(raw)
		if perr != nil {
			return "", "", fmt.Errorf("failed to parse repo URL: %w", perr)
		}
		return u.Host, u.Path, nil

	case strings.Contains(raw, "@") && strings.Contains(raw, ":"):
		// git@host:owner/repo scp-like syntax
		at := strings.Index(raw, "@")
		rest := raw[at+1:]
		colon := strings.Index(rest, ":")
		if colon < 0 {
			return "", "", fmt.Errorf("malformed SSH repo URL %q", raw)
		}
		return rest[:colon], rest[colon+1:], nil

	default:
		// Host-qualified short form, e.g. "github.com/owner/repo".
		parts := strings.SplitN(raw, "/", 2)
		if len(parts) != 2 || !strings.Contains(parts[0], ".") {
			return "", "", fmt.Errorf("unrecognized repo URL form %q", raw)
		}
		return parts[0], parts[1], nil
	}
}
