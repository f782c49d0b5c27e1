// Command safe-chain-proxy is a local HTTPS interception proxy that blocks
// known-malicious npm/PyPI package versions and suppresses too-recently
// published versions during npm installs.
//
// It terminates TLS for recognized package-registry hosts using a locally
// generated certificate authority, checks every package request against a
// cached malware database, and tunnels all other traffic unexamined.
//
// Usage:
//
//	./safe-chain-proxy
//
//	# Behind a corporate proxy
//	HTTPS_PROXY=http://corporate-proxy:8888 ./safe-chain-proxy
//
//	# npm only
//	SAFE_CHAIN_ECOSYSTEM=js ./safe-chain-proxy
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"safe-chain-proxy/internal/cacert"
	"safe-chain-proxy/internal/config"
	"safe-chain-proxy/internal/interceptor"
	"safe-chain-proxy/internal/logger"
	"safe-chain-proxy/internal/malwaredb"
	"safe-chain-proxy/internal/management"
	"safe-chain-proxy/internal/metrics"
	"safe-chain-proxy/internal/mitm"
	"safe-chain-proxy/internal/proxy"
)

var log = logger.New("MAIN", "info")

func main() {
	cfg := config.Load()
	logger.SetGlobalLevel(cfg.LogLevel)
	printBanner(cfg)

	ca, err := cacert.EnsureCAAt(caFilePath(cfg.CACertFile), caFilePath(cfg.CAKeyFile))
	if err != nil {
		log.Errorf("ca_setup_failed", "%v", err)
		os.Exit(1)
	}

	malwaredb.SetScanTimeout(cfg.ScanTimeout)

	m := metrics.New()
	npmDB, pypiDB := openDatabases(cfg, m)

	blocked := interceptor.NewBlockedRegistry()
	factory := interceptor.NewFactory(cfg, npmDB, pypiDB, blocked, m)

	state, err := mitm.OpenDiskState(diskStatePath())
	if err != nil {
		log.Warnf("disk_state_unavailable", "%v", err)
	}

	proxyServer := proxy.New(cfg, ca, factory, m, blocked)
	if state != nil {
		proxyServer.SeedIMDSTimeouts(state.IMDSTimeoutHosts())
		proxyServer.OnIMDSTimeout(state.MarkIMDSTimeout)
		defer state.Close() //nolint:errcheck
	}

	if err := proxyServer.Start(fmt.Sprintf("%s:0", cfg.BindAddress)); err != nil {
		log.Errorf("proxy_start_failed", "%v", err)
		os.Exit(1)
	}

	mgmt := management.New(cfg, blocked, m, proxyServer.Port)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Errorf("management_fatal", "%v", err)
			os.Exit(1)
		}
	}()

	log.Info("ready", proxyServer.ProxyURL())
	proxyEnv := proxyServer.EnvironmentVariables()
	for _, kv := range proxy.MergeProxyEnv(os.Environ(), proxyEnv) {
		if key, _, ok := strings.Cut(kv, "="); ok {
			if _, wanted := proxyEnv[key]; wanted {
				fmt.Printf("  export %s\n", kv)
			}
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting_down", "")
	if !proxyServer.VerifyNoMaliciousPackages() {
		log.Warn("run_summary", "one or more packages were blocked this run, see warnings above")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := proxyServer.Stop(ctx); err != nil {
		log.Warnf("shutdown_error", "%v", err)
	}
}

// openDatabases loads the malware databases needed for cfg.Ecosystem. A
// database fetch failure is non-fatal — the proxy starts anyway and every
// package request for that ecosystem is treated as unknown/allowed, per
// the fail-open design noted for transient network errors.
func openDatabases(cfg *config.Config, m *metrics.Metrics) (npmDB, pypiDB *malwaredb.Database) {
	if cfg.Ecosystem == config.EcosystemJS || cfg.Ecosystem == config.EcosystemAll {
		db, err := malwaredb.OpenDatabaseWithMetrics(config.EcosystemJS, m)
		if err != nil {
			log.Warnf("npm_db_unavailable", "%v", err)
		}
		npmDB = db
	}
	if cfg.Ecosystem == config.EcosystemPy || cfg.Ecosystem == config.EcosystemAll {
		db, err := malwaredb.OpenDatabaseWithMetrics(config.EcosystemPy, m)
		if err != nil {
			log.Warnf("pypi_db_unavailable", "%v", err)
		}
		pypiDB = db
	}
	return npmDB, pypiDB
}

// caFilePath resolves a CACertFile/CAKeyFile config value: an absolute
// override (CA_CERT_FILE/CA_KEY_FILE pointing somewhere specific) is used
// as-is, otherwise it names a file within the default certs directory.
func caFilePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cacert.DefaultDir(), name)
}

func diskStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "safe-chain-state.db"
	}
	return home + "/.safe-chain/state.db"
}

func printBanner(cfg *config.Config) {
	upstreamProxy := os.Getenv("HTTPS_PROXY")
	if upstreamProxy == "" {
		upstreamProxy = os.Getenv("HTTP_PROXY")
	}
	if upstreamProxy == "" {
		upstreamProxy = "(direct — set HTTP_PROXY or HTTPS_PROXY to chain upstream)"
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║              safe-chain-proxy                        ║
╚══════════════════════════════════════════════════════╝
  Ecosystem       : %s
  Management port : %d
  Upstream proxy  : %s
  Min package age : %.0fh

`, cfg.Ecosystem, cfg.ManagementPort, upstreamProxy, cfg.MinimumPackageAgeHours)
}
