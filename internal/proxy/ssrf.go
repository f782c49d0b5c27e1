package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// imdsHosts are cloud instance-metadata endpoints: private credential
// material lives behind them, and package-manager-driven requests to them
// are never legitimate.
var imdsHosts = []string{"metadata.google.internal", "metadata.goog", "169.254.169.254"}

const (
	generalConnectTimeout = 30 * time.Second
	imdsConnectTimeout    = 3 * time.Second
)

// isPrivateHost reports whether host names (or is) a known instance-metadata
// endpoint.
func isPrivateHost(host string) bool {
	for _, h := range imdsHosts {
		if host == h {
			return true
		}
	}
	return false
}

// isPrivateIP reports whether ip is a loopback, link-local, or other
// non-globally-routable address — the IMDS short timeout applies to literal
// IPs in this range even when the hostname itself doesn't match imdsHosts.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate()
}

// isIMDSTarget reports whether host (a CONNECT target with its port already
// stripped) should be dialed with the short IMDS timeout.
func isIMDSTarget(host string) bool {
	if isPrivateHost(host) {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return isPrivateIP(ip)
	}
	return false
}

// imdsTimeoutHosts is the process-local set of hosts that have already
// timed out once as IMDS targets; subsequent CONNECTs to them short-circuit
// to 502 without retrying the dial. Per §9, entries are never aged out.
type imdsTimeoutHosts struct {
	mu    sync.Mutex
	seen  map[string]bool
	onNew func(host string)
}

func newIMDSTimeoutHosts() *imdsTimeoutHosts {
	return &imdsTimeoutHosts{seen: make(map[string]bool)}
}

// seedFrom preloads previously recorded timeouts, e.g. from mitm.DiskState
// at startup.
func (s *imdsTimeoutHosts) seedFrom(hosts []string) {
	s.mu.Lock()
	for _, h := range hosts {
		s.seen[h] = true
	}
	s.mu.Unlock()
}

func (s *imdsTimeoutHosts) markTimedOut(host string) {
	s.mu.Lock()
	isNew := !s.seen[host]
	s.seen[host] = true
	cb := s.onNew
	s.mu.Unlock()
	if isNew && cb != nil {
		cb(host)
	}
}

func (s *imdsTimeoutHosts) hasTimedOut(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[host]
}

// ssrfSafeDialContext opens a TCP connection to addr, selecting the 3s IMDS
// timeout for known instance-metadata targets and the 30s general timeout
// otherwise.
func ssrfSafeDialContext(ctx context.Context, addr string) (net.Conn, error) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	timeout := generalConnectTimeout
	if isIMDSTarget(host) {
		timeout = imdsConnectTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := &net.Dialer{}
	return d.DialContext(dialCtx, "tcp", addr)
}

// hostOnly strips a trailing ":port" from a CONNECT target.
func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.TrimSuffix(hostport, ":")
}

// dialTunnelDestination dials target for the opaque CONNECT path: directly
// via ssrfSafeDialContext, or through an upstream HTTPS proxy when
// HTTPS_PROXY/https_proxy names one and NO_PROXY does not exempt host. IMDS
// targets always dial direct — an instance-metadata request must never be
// handed to an external relay.
func dialTunnelDestination(ctx context.Context, target, host string) (net.Conn, error) {
	if !isIMDSTarget(host) {
		proxyURL, err := upstreamProxyURL(target)
		if err != nil {
			return nil, fmt.Errorf("resolve upstream proxy: %w", err)
		}
		if proxyURL != nil {
			return dialUpstreamProxy(ctx, proxyURL, target)
		}
	}
	return ssrfSafeDialContext(ctx, target)
}

// upstreamProxyURL resolves the upstream HTTPS proxy for target (a
// "host:port" CONNECT target) the same way http.ProxyFromEnvironment would
// for an https:// request to it, honoring NO_PROXY exemptions. Returns nil
// if no upstream proxy applies.
func upstreamProxyURL(target string) (*url.URL, error) {
	reqURL := &url.URL{Scheme: "https", Host: target}
	return httpproxy.FromEnvironment().ProxyFunc()(reqURL)
}

// dialUpstreamProxy opens target through proxyURL via a CONNECT handshake,
// attaching Basic auth derived from proxyURL's userinfo when present.
func dialUpstreamProxy(ctx context.Context, proxyURL *url.URL, target string) (net.Conn, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy %s: %w", proxyURL.Host, err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(proxyURL.User.Username() + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := req.Write(conn); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("write CONNECT to upstream proxy %s: %w", proxyURL.Host, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("read CONNECT response from upstream proxy %s: %w", proxyURL.Host, err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("upstream proxy %s refused CONNECT %s: status %d", proxyURL.Host, target, resp.StatusCode)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn wraps a net.Conn whose leading bytes have already been
// consumed into a bufio.Reader, so a caller that only holds the raw Conn
// (e.g. an io.Copy splice loop) still observes those bytes first instead of
// losing them.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// flushHijackBuffer wraps conn so any bytes net/http's server already read
// from the client before Hijack (e.g. a ClientHello sent eagerly right after
// the CONNECT line) are replayed first, instead of being silently dropped.
func flushHijackBuffer(conn net.Conn, buf *bufio.ReadWriter) net.Conn {
	if buf == nil || buf.Reader == nil || buf.Reader.Buffered() == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, r: buf.Reader}
}
