// Package interceptor builds per-request interception plans: it decides
// whether a package-registry request should be blocked as malware, and
// whether its metadata response needs the minimum-age rewrite.
package interceptor

import (
	"strings"
	"sync"
	"time"

	"safe-chain-proxy/internal/config"
)

// npmRegistries and pypiRegistries are the built-in registry host sets a
// request is matched against, per the ecosystem's ecosystem-default list.
var (
	npmRegistries  = []string{"registry.npmjs.org", "registry.yarnpkg.com"}
	pypiRegistries = []string{"files.pythonhosted.org", "pypi.org", "pypi.python.org", "pythonhosted.org"}
)

// matchesAny reports whether host contains any of candidates as a substring,
// per §3's "Identifier strings matched as substrings against request hosts".
func matchesAny(host string, candidates []string) (string, bool) {
	for _, c := range candidates {
		if strings.Contains(host, c) {
			return c, true
		}
	}
	return "", false
}

// MatchNpmRegistry reports whether host is a known or configured npm
// registry, returning the matched registry identifier.
func MatchNpmRegistry(host string, cfg *config.Config) (string, bool) {
	if r, ok := matchesAny(host, npmRegistries); ok {
		return r, true
	}
	if cfg != nil {
		return matchesAny(host, cfg.NpmCustomRegistries)
	}
	return "", false
}

// MatchPyPIRegistry reports whether host is a known or configured PyPI
// registry, returning the matched registry identifier.
func MatchPyPIRegistry(host string, cfg *config.Config) (string, bool) {
	if r, ok := matchesAny(host, pypiRegistries); ok {
		return r, true
	}
	if cfg != nil {
		return matchesAny(host, cfg.PipCustomRegistries)
	}
	return "", false
}

// IsRegistryHost reports whether host matches any registry recognized under
// the active ecosystem setting — used by the CONNECT dispatcher to choose
// between the MITM path and the opaque tunnel.
func IsRegistryHost(host string, cfg *config.Config) bool {
	switch cfg.Ecosystem {
	case config.EcosystemJS:
		_, ok := MatchNpmRegistry(host, cfg)
		return ok
	case config.EcosystemPy:
		_, ok := MatchPyPIRegistry(host, cfg)
		return ok
	default:
		if _, ok := MatchNpmRegistry(host, cfg); ok {
			return true
		}
		_, ok := MatchPyPIRegistry(host, cfg)
		return ok
	}
}

// BlockedRequest records one request the interceptor pipeline refused to
// forward.
type BlockedRequest struct {
	PackageName string
	Version     string
	URL         string
	Timestamp   time.Time
}

// BlockedRegistry is the process-wide, append-only list of blocked requests,
// drained by the CLI on shutdown.
type BlockedRegistry struct {
	mu   sync.Mutex
	list []BlockedRequest
}

// NewBlockedRegistry returns an empty BlockedRegistry.
func NewBlockedRegistry() *BlockedRegistry {
	return &BlockedRegistry{}
}

// Add appends req to the registry.
func (b *BlockedRegistry) Add(req BlockedRequest) {
	b.mu.Lock()
	b.list = append(b.list, req)
	b.mu.Unlock()
}

// All returns a snapshot copy of every blocked request recorded so far.
func (b *BlockedRegistry) All() []BlockedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BlockedRequest, len(b.list))
	copy(out, b.list)
	return out
}

// Empty reports whether no requests have been blocked yet.
func (b *BlockedRegistry) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.list) == 0
}
