package interceptor

import (
	"net/http"
	"time"

	"safe-chain-proxy/internal/config"
	"safe-chain-proxy/internal/logger"
	"safe-chain-proxy/internal/malwaredb"
	"safe-chain-proxy/internal/metrics"
	"safe-chain-proxy/internal/npmrewrite"
	"safe-chain-proxy/internal/registryurl"
)

var log = logger.New("INTERCEPTOR", "info")

// BlockResponse is the canned response an Interceptor installs to refuse a
// request.
type BlockResponse struct {
	StatusCode int
	Message    string
}

// RequestMutator rewrites the outbound request header set in place.
type RequestMutator func(h http.Header)

// ResponseMutator transforms a buffered response body.
type ResponseMutator func(body []byte) []byte

// Interceptor is a per-request interception plan bound to one target URL.
type Interceptor struct {
	Block            *BlockResponse
	RequestMutators  []RequestMutator
	ResponseMutators []ResponseMutator
}

// Blocked reports whether this interceptor refuses the request.
func (i *Interceptor) Blocked() bool { return i.Block != nil }

// ApplyRequestMutators runs every request-header mutator in insertion order.
func (i *Interceptor) ApplyRequestMutators(h http.Header) {
	for _, m := range i.RequestMutators {
		m(h)
	}
}

// ApplyResponseMutators runs every response-body mutator in insertion order.
func (i *Interceptor) ApplyResponseMutators(body []byte) []byte {
	for _, m := range i.ResponseMutators {
		body = m(body)
	}
	return body
}

// Factory builds Interceptors for target URLs, consulting the malware
// databases and emitting packageChecked/malwareBlocked events.
type Factory struct {
	cfg     *config.Config
	npmDB   *malwaredb.Database
	pypiDB  *malwaredb.Database
	blocked *BlockedRegistry
	metrics *metrics.Metrics
}

// NewFactory builds a Factory. npmDB and pypiDB may be nil when the
// corresponding ecosystem is not active; a nil database never matches.
func NewFactory(cfg *config.Config, npmDB, pypiDB *malwaredb.Database, blocked *BlockedRegistry, m *metrics.Metrics) *Factory {
	return &Factory{cfg: cfg, npmDB: npmDB, pypiDB: pypiDB, blocked: blocked, metrics: m}
}

// CreateForURL consults the active ecosystem setting and returns an
// Interceptor for url, or nil if url does not belong to any registry the
// active ecosystem cares about.
func (f *Factory) CreateForURL(url string) *Interceptor {
	switch f.cfg.Ecosystem {
	case config.EcosystemJS:
		return f.createNpm(url)
	case config.EcosystemPy:
		return f.createPyPI(url)
	default:
		if ic := f.createNpm(url); ic != nil {
			return ic
		}
		return f.createPyPI(url)
	}
}

func (f *Factory) createNpm(url string) *Interceptor {
	registry, ok := matchURLHost(url, npmRegistries, f.cfg.NpmCustomRegistries)
	if !ok {
		return nil
	}

	ic := &Interceptor{}
	name, version, parsed := registryurl.ParseNpm(url, registry)
	if parsed {
		f.packageChecked(name, version)
		if f.npmDB != nil && f.npmDB.IsMalware(name, version) {
			f.block(ic, name, version, url)
		}
	}

	if npmrewrite.IsPackageInfoURL(url) && !f.cfg.SkipMinimumPackageAge {
		ic.RequestMutators = append(ic.RequestMutators, func(h http.Header) {
			h.Set("Accept", npmrewrite.RewriteAcceptHeader(h.Get("Accept")))
		})
		ic.ResponseMutators = append(ic.ResponseMutators, func(body []byte) []byte {
			return npmrewrite.RewriteBody(body, f.cfg.MinimumPackageAgeHours)
		})
	}

	return ic
}

func (f *Factory) createPyPI(url string) *Interceptor {
	registry, ok := matchURLHost(url, pypiRegistries, f.cfg.PipCustomRegistries)
	if !ok {
		return nil
	}

	ic := &Interceptor{}
	name, version, parsed := registryurl.ParsePyPI(url, registry)
	if !parsed {
		return ic
	}
	f.packageChecked(name, version)

	db := f.pypiDB
	if db == nil {
		return ic
	}
	if db.IsMalware(name, version) {
		f.block(ic, name, version, url)
	}
	return ic
}

// matchURLHost reports whether url contains one of the built-in or custom
// registry identifiers as a substring, returning the one that matched. The
// whole URL string is searched, not only its host, so custom registries given
// as host/path also match.
func matchURLHost(url string, builtin, custom []string) (string, bool) {
	if r, ok := matchesAny(url, builtin); ok {
		return r, true
	}
	return matchesAny(url, custom)
}

func (f *Factory) packageChecked(name, version string) {
	if f.metrics != nil {
		f.metrics.PackagesChecked.Add(1)
	}
	log.Debugf("package_checked", "%s@%s", name, version)
}

func (f *Factory) block(ic *Interceptor, name, version, url string) {
	ic.Block = &BlockResponse{StatusCode: http.StatusForbidden, Message: "Forbidden - blocked by safe-chain"}
	if f.metrics != nil {
		f.metrics.PackagesBlocked.Add(1)
	}
	if f.blocked != nil {
		f.blocked.Add(BlockedRequest{PackageName: name, Version: version, URL: url, Timestamp: time.Now()})
	}
	log.Warnf("malware_blocked", "%s@%s (%s)", name, version, url)
}
