package mitm

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"safe-chain-proxy/internal/config"
	"safe-chain-proxy/internal/interceptor"
	"safe-chain-proxy/internal/malwaredb"
	"safe-chain-proxy/internal/metrics"
)

func testFactory(t *testing.T, npmEntries []malwaredb.Entry) *interceptor.Factory {
	t.Helper()
	cfg := &config.Config{Ecosystem: config.EcosystemAll, MinimumPackageAgeHours: 72, SkipMinimumPackageAge: true}
	npmDB := malwaredb.NewDatabaseForTest(config.EcosystemJS, "v1", npmEntries)
	pypiDB := malwaredb.NewDatabaseForTest(config.EcosystemPy, "v1", nil)
	return interceptor.NewFactory(cfg, npmDB, pypiDB, interceptor.NewBlockedRegistry(), metrics.New())
}

// transportToTLSServer builds a transport that dials srv's real listener
// address no matter what host the request targets, trusting srv's
// self-signed cert. This lets tests drive Handler.ServeHTTP, which always
// builds an https:// target URL from its configured host.
func transportToTLSServer(srv *httptest.Server) *http.Transport {
	tr := NewOutboundTransport(nil)
	tr.DialTLSContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		d := tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // test-only, dials our own server
		return d.DialContext(ctx, network, srv.Listener.Addr().String())
	}
	return tr
}

func TestHandler_ForwardsAllowedRequest(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello")) //nolint:errcheck
	}))
	defer backend.Close()

	factory := testFactory(t, nil)
	h := NewHandler("registry.npmjs.org", factory, transportToTLSServer(backend), metrics.New())

	req := httptest.NewRequest(http.MethodGet, "https://registry.npmjs.org/left-pad/-/left-pad-1.3.0.tgz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "hello" {
		t.Errorf("got body %q, want hello", w.Body.String())
	}
}

func TestHandler_BlocksMalwareVersion(t *testing.T) {
	factory := testFactory(t, []malwaredb.Entry{{PackageName: "left-pad", Version: "1.3.0", Reason: "malware"}})
	h := NewHandler("registry.npmjs.org", factory, NewOutboundTransport(nil), metrics.New())

	req := httptest.NewRequest(http.MethodGet, "https://registry.npmjs.org/left-pad/-/left-pad-1.3.0.tgz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for blocked package, got %d", w.Code)
	}
}

func TestHandler_RecordsOriginFetchError(t *testing.T) {
	factory := testFactory(t, nil)
	m := metrics.New()
	// No backend listening on this port: RoundTrip fails immediately.
	h := NewHandler("127.0.0.1:1", factory, NewOutboundTransport(nil), m)

	req := httptest.NewRequest(http.MethodGet, "https://127.0.0.1:1/pkg", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on origin dial failure, got %d", w.Code)
	}
	if m.OriginFetchErrors.Load() != 1 {
		t.Errorf("expected 1 origin fetch error, got %d", m.OriginFetchErrors.Load())
	}
}

func TestHandler_NilFactoryForwardsUnconditionally(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer backend.Close()

	h := NewHandler("pypi.org", nil, transportToTLSServer(backend), metrics.New())

	req := httptest.NewRequest(http.MethodGet, "https://pypi.org/anything", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with nil factory, got %d", w.Code)
	}
}
