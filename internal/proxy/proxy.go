// Package proxy implements the front-facing HTTP(S) proxy server: it
// accepts CONNECT tunnels from npm/Yarn/pip clients, recognizes package
// registry hosts and routes them through TLS interception (internal/mitm),
// and opaquely tunnels everything else.
//
// Upstream proxy (corporate proxy) chaining is explicit on both paths, but
// the mechanism differs. MITM'd registry traffic already flows through an
// *http.Transport (internal/mitm), so that transport is simply given
// http.ProxyFromEnvironment and HTTPS_PROXY/HTTP_PROXY/NO_PROXY are honored
// automatically. The opaque tunnel path has no Transport to delegate to:
// dialTunnelDestination (ssrf.go) resolves the same variables itself via
// golang.org/x/net/http/httpproxy and, when one applies, performs a manual
// CONNECT handshake against the upstream proxy, attaching Basic auth from
// the proxy URL's userinfo when present.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"safe-chain-proxy/internal/cacert"
	"safe-chain-proxy/internal/config"
	"safe-chain-proxy/internal/interceptor"
	"safe-chain-proxy/internal/logger"
	"safe-chain-proxy/internal/metrics"
	"safe-chain-proxy/internal/mitm"
)

var log = logger.New("PROXY", "info")

// Server is the front-facing CONNECT proxy. It owns the listener, the CA
// used for registry interception, and the set of hosts that have already
// timed out as IMDS targets.
type Server struct {
	cfg     *config.Config
	ca      *cacert.CA
	factory *interceptor.Factory
	metrics *metrics.Metrics
	blocked *interceptor.BlockedRegistry

	imds *imdsTimeoutHosts

	mu           sync.Mutex
	listener     net.Listener
	srv          *http.Server
	keepAlivesOn bool
}

// New builds a Server. ca must already be loaded (see cacert.EnsureCA);
// factory builds per-request Interceptors for registry hosts; blocked
// accumulates requests refused across the run's lifetime for
// VerifyNoMaliciousPackages.
func New(cfg *config.Config, ca *cacert.CA, factory *interceptor.Factory, m *metrics.Metrics, blocked *interceptor.BlockedRegistry) *Server {
	return &Server{
		cfg:          cfg,
		ca:           ca,
		factory:      factory,
		metrics:      m,
		blocked:      blocked,
		imds:         newIMDSTimeoutHosts(),
		keepAlivesOn: true,
	}
}

// VerifyNoMaliciousPackages reports whether no package was blocked during
// this run. Otherwise it logs a summary of every blocked request and
// returns false.
func (s *Server) VerifyNoMaliciousPackages() bool {
	if s.blocked == nil || s.blocked.Empty() {
		return true
	}
	for _, req := range s.blocked.All() {
		log.Warnf("malicious_package_blocked", "%s@%s via %s", req.PackageName, req.Version, req.URL)
	}
	return false
}

// SetKeepAlive toggles HTTP keep-alive connections on the underlying server.
// Test mode sets this false so idle client connections close promptly
// instead of outliving Stop; production leaves it at the default (true).
func (s *Server) SetKeepAlive(enabled bool) {
	s.mu.Lock()
	s.keepAlivesOn = enabled
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		srv.SetKeepAlivesEnabled(enabled)
	}
}

// SeedIMDSTimeouts preloads hosts already known (from a prior run) to be
// IMDS targets, via mitm.DiskState.
func (s *Server) SeedIMDSTimeouts(hosts []string) {
	s.imds.seedFrom(hosts)
}

// OnIMDSTimeout registers a callback invoked the first time a host is
// marked as an IMDS timeout, so the caller can persist it to disk.
func (s *Server) OnIMDSTimeout(fn func(host string)) {
	s.imds.onNew = fn
}

// Start listens on addr (host:0 for an OS-assigned port) and begins serving
// in the background. Call Port() after Start returns to learn the bound
// port when addr requested port 0.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	httpSrv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	httpSrv.SetKeepAlivesEnabled(s.keepAlivesOn)
	s.listener = ln
	s.srv = httpSrv
	s.mu.Unlock()

	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warnf("serve_failed", "%v", err)
		}
	}()

	log.Info("listening", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the listener and in-flight connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Port returns the bound TCP port, valid after a successful Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// ProxyURL returns the http://host:port URL clients should set as their
// HTTPS_PROXY / https-proxy.
func (s *Server) ProxyURL() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.BindAddress, s.Port())
}

// EnvironmentVariables returns the env vars a CLI should export so
// npm/Yarn/pip route through this proxy. Use MergeProxyEnv to overlay these
// onto a caller's existing environment (e.g. os.Environ()) instead of
// exporting them blind.
func (s *Server) EnvironmentVariables() map[string]string {
	proxyURL := s.ProxyURL()
	return map[string]string{
		"HTTPS_PROXY":                  proxyURL,
		"HTTP_PROXY":                   proxyURL,
		"GLOBAL_AGENT_HTTP_PROXY":      proxyURL,
		"NODE_TLS_REJECT_UNAUTHORIZED": "1",
		"NODE_EXTRA_CA_CERTS":          s.ca.CACertPath(),
		"PIP_CERT":                     s.ca.CACertPath(),
		"SSL_CERT_FILE":                s.ca.CACertPath(),
	}
}

// MergeProxyEnv overlays overlay onto a copy of callerEnv (os.Environ()-style
// "KEY=VALUE" entries) with case-insensitive precedence: an existing entry
// whose key matches one of overlay's keys in any case is replaced, and the
// replacement always uses overlay's canonical-case key and value. Overlay
// keys absent from callerEnv are appended.
func MergeProxyEnv(callerEnv []string, overlay map[string]string) []string {
	remaining := make(map[string]string, len(overlay))
	for k, v := range overlay {
		remaining[k] = v
	}

	merged := make([]string, 0, len(callerEnv)+len(overlay))
	for _, kv := range callerEnv {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			merged = append(merged, kv)
			continue
		}
		matched := false
		for pk, pv := range remaining {
			if strings.EqualFold(key, pk) {
				merged = append(merged, pk+"="+pv)
				delete(remaining, pk)
				matched = true
				break
			}
		}
		if !matched {
			merged = append(merged, kv)
		}
	}
	for k, v := range remaining {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// ServeHTTP dispatches incoming proxy requests: only CONNECT is expected
// from package-manager clients using this as an HTTPS forward proxy.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.metrics.ConnectsTotal.Add(1)
	if r.Method != http.MethodConnect {
		http.Error(w, "this proxy only accepts CONNECT", http.StatusMethodNotAllowed)
		return
	}
	s.handleConnect(w, r)
}

// handleConnect implements C8: it dials the target, deciding between the
// SSRF-safe opaque tunnel and MITM interception based on whether the host
// is a recognized package registry.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	host := hostOnly(target)

	if s.imds.hasTimedOut(host) {
		s.metrics.ConnectsIMDSBlock.Add(1)
		http.Error(w, "upstream previously timed out", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	if interceptor.IsRegistryHost(host, s.cfg) {
		s.metrics.ConnectsRegistry.Add(1)
		s.serveIntercepted(w, hijacker, host)
		return
	}

	s.metrics.ConnectsTunneled.Add(1)
	s.serveTunnel(w, hijacker, target, host)
}

// serveIntercepted terminates TLS locally with a minted leaf certificate
// and decrypts traffic through internal/mitm so the interceptor factory can
// inspect and, if needed, block or rewrite package-registry requests.
func (s *Server) serveIntercepted(w http.ResponseWriter, hijacker http.Hijacker, host string) {
	w.WriteHeader(http.StatusOK)
	clientConn, buf, err := hijacker.Hijack()
	if err != nil {
		log.Warnf("hijack_failed", "%s: %v", host, err)
		return
	}
	clientConn = flushHijackBuffer(clientConn, buf)

	transport := mitm.NewOutboundTransport(http.ProxyFromEnvironment)
	handler := mitm.NewHandler(host, s.factory, transport, s.metrics)
	mitm.HandleConn(clientConn, host, s.ca, handler)
}

// serveTunnel implements the opaque CONNECT path: traffic is never
// inspected. The outbound dial goes through dialTunnelDestination, which
// chains to an upstream HTTPS proxy when one is configured and otherwise
// uses ssrfSafeDialContext so instance metadata endpoints get a short
// timeout instead of hanging the client.
func (s *Server) serveTunnel(w http.ResponseWriter, hijacker http.Hijacker, target, host string) {
	ctx, cancel := context.WithTimeout(context.Background(), generalConnectTimeout)
	defer cancel()

	destConn, err := dialTunnelDestination(ctx, target, host)
	if err != nil {
		if isIMDSTarget(host) {
			s.imds.markTimedOut(host)
		}
		http.Error(w, fmt.Sprintf("cannot connect to %s: %v", target, err), http.StatusBadGateway)
		return
	}
	defer destConn.Close() //nolint:errcheck

	w.WriteHeader(http.StatusOK)
	clientConn, buf, err := hijacker.Hijack()
	if err != nil {
		log.Warnf("hijack_failed", "%s: %v", target, err)
		return
	}
	clientConn = flushHijackBuffer(clientConn, buf)
	defer clientConn.Close() //nolint:errcheck

	done := make(chan struct{}, 2)
	go func() { io.Copy(destConn, clientConn); done <- struct{}{} }() //nolint:errcheck
	go func() { io.Copy(clientConn, destConn); done <- struct{}{} }() //nolint:errcheck
	<-done
}
