// Package management provides a lightweight HTTP API for runtime inspection
// of the running proxy.
//
// Endpoints:
//
//	GET /status   - proxy health, port, and ecosystem configuration
//	GET /metrics  - counters and latency snapshot
//	GET /blocked  - package installs blocked so far this run
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"safe-chain-proxy/internal/config"
	"safe-chain-proxy/internal/interceptor"
	"safe-chain-proxy/internal/logger"
	"safe-chain-proxy/internal/metrics"
)

var log = logger.New("MANAGEMENT", "info")

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	blocked   *interceptor.BlockedRegistry
	token     string           // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
	proxyPort func() int
}

// New creates a management server. proxyPort is called on each /status
// request so the reported port reflects the live listener (proxy.Server's
// port is only known after Start).
func New(cfg *config.Config, blocked *interceptor.BlockedRegistry, m *metrics.Metrics, proxyPort func() int) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		blocked:   blocked,
		token:     cfg.ManagementToken,
		metrics:   m,
		proxyPort: proxyPort,
	}
	if s.token != "" {
		log.Info("auth_enabled", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/blocked", s.handleBlocked)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			log.Warnf("unauthorized", "%s attempted %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status    string `json:"status"`
		Uptime    string `json:"uptime"`
		ProxyPort int    `json:"proxyPort"`
		Ecosystem string `json:"ecosystem"`
	}

	port := 0
	if s.proxyPort != nil {
		port = s.proxyPort()
	}

	writeJSON(w, http.StatusOK, response{
		Status:    "running",
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		ProxyPort: port,
		Ecosystem: string(s.cfg.Ecosystem),
	})
}

func (s *Server) handleBlocked(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"blocked": s.blocked.All(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("json_encode_failed", "%v", err)
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort)
	log.Info("listening", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
