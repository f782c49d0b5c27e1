package mitm

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"safe-chain-proxy/internal/interceptor"
	"safe-chain-proxy/internal/metrics"
)

// Handler serves decrypted requests for one MITM'd host: it builds an
// Interceptor for each request's target URL, blocks or forwards
// accordingly, and applies any header/body transforms the interceptor
// installed.
type Handler struct {
	host      string
	factory   *interceptor.Factory
	transport *http.Transport
	metrics   *metrics.Metrics
}

// NewHandler returns an http.Handler for connections MITM'd for host.
// transport governs outbound connections to the real registry and may be
// configured for upstream-proxy chaining.
func NewHandler(host string, factory *interceptor.Factory, transport *http.Transport, m *metrics.Metrics) *Handler {
	return &Handler{host: host, factory: factory, transport: transport, metrics: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	targetURL := "https://" + h.host + pathAndQuery(r)

	var ic *interceptor.Interceptor
	if h.factory != nil {
		ic = h.factory.CreateForURL(targetURL)
	}

	if ic != nil && ic.Blocked() {
		http.Error(w, ic.Block.Message, ic.Block.StatusCode)
		return
	}

	outReq, err := http.NewRequest(r.Method, targetURL, r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Del("Proxy-Connection")
	if ic != nil {
		ic.ApplyRequestMutators(outReq.Header)
	}

	resp, err := h.transport.RoundTrip(outReq)
	if err != nil {
		if h.metrics != nil {
			h.metrics.OriginFetchErrors.Add(1)
		}
		log.Warnf("origin_connect_failed", "%s: %v", targetURL, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	copyHeader(w.Header(), resp.Header)

	if ic == nil || len(ic.ResponseMutators) == 0 {
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body) //nolint:errcheck
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if h.metrics != nil {
			h.metrics.OriginFetchErrors.Add(1)
		}
		log.Warnf("body_read_failed", "%s: %v", targetURL, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	body = ic.ApplyResponseMutators(body)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	w.Write(body) //nolint:errcheck
}

// pathAndQuery reduces r.URL to "path?query#fragment", stripping any
// scheme+authority a client sent in absolute-form.
func pathAndQuery(r *http.Request) string {
	u := r.URL
	out := u.Path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.Fragment
	}
	if out == "" {
		out = "/"
	}
	return out
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// NewOutboundTransport builds the *http.Transport used to reach real
// registries, optionally chaining through an upstream HTTPS proxy.
func NewOutboundTransport(proxyFunc func(*http.Request) (*url.URL, error)) *http.Transport {
	return &http.Transport{
		Proxy:                 proxyFunc,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
