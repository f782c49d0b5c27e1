// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → config.json → environment variables (env vars win).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"safe-chain-proxy/internal/logger"
)

var log = logger.New("CONFIG", "info")

// Ecosystem selects which registries are intercepted and which URL parser runs.
type Ecosystem string

// Supported ecosystem settings.
const (
	EcosystemJS  Ecosystem = "js"
	EcosystemPy  Ecosystem = "py"
	EcosystemAll Ecosystem = "all"
)

// Config holds the full proxy configuration.
type Config struct {
	Ecosystem       Ecosystem
	LogLevel        string
	BindAddress     string
	ManagementPort  int
	ManagementToken string

	CACertFile string
	CAKeyFile  string

	ScanTimeout            int // milliseconds
	MinimumPackageAgeHours float64
	SkipMinimumPackageAge  bool

	NpmCustomRegistries []string
	PipCustomRegistries []string

	// InstallAnyway mirrors INSTALL_A_POSSIBLY_MALICIOUS_PACKAGE=1. It exists
	// only so a wrapping CLI can read it back from this process's parsed
	// config; the proxy itself always scans and always blocks on a match
	// regardless of this flag, since blocking-but-exiting-zero is a property
	// of that external CLI's exit code, not of anything this process does.
	InstallAnyway bool
}

// configFile mirrors the on-disk config.json shape for the nested registry keys.
type configFile struct {
	ScanTimeout            *int     `json:"scanTimeout"`
	MinimumPackageAgeHours *float64 `json:"minimumPackageAgeHours"`
	Npm                    struct {
		CustomRegistries []string `json:"customRegistries"`
	} `json:"npm"`
	Pip struct {
		CustomRegistries []string `json:"customRegistries"`
	} `json:"pip"`
}

// Load returns config with defaults overridden by config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, configPath())
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		Ecosystem:              EcosystemAll,
		LogLevel:               "info",
		BindAddress:            "127.0.0.1",
		ManagementPort:         8099,
		CACertFile:             "ca-cert.pem",
		CAKeyFile:              "ca-key.pem",
		ScanTimeout:            30_000,
		MinimumPackageAgeHours: 24,
	}
}

// configPath returns the well-known config file location under the user's
// home directory, falling back to a relative path if HOME cannot be resolved.
func configPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aikido/config.json"
	}
	return home + "/.aikido/config.json"
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // path is a well-known config location, not user input
	if err != nil {
		return // file is optional
	}

	var raw configFile
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warnf("config_parse_failed", "could not parse %s: %v", path, err)
		return
	}

	if raw.ScanTimeout != nil && *raw.ScanTimeout >= 0 {
		cfg.ScanTimeout = *raw.ScanTimeout
	}
	if raw.MinimumPackageAgeHours != nil && *raw.MinimumPackageAgeHours >= 0 {
		cfg.MinimumPackageAgeHours = *raw.MinimumPackageAgeHours
	}
	cfg.NpmCustomRegistries = normalizeRegistries(raw.Npm.CustomRegistries)
	cfg.PipCustomRegistries = normalizeRegistries(raw.Pip.CustomRegistries)

	log.Info("config_loaded", path)
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("AIKIDO_SCAN_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ScanTimeout = n
		}
	}
	if v := os.Getenv("SAFE_CHAIN_NPM_CUSTOM_REGISTRIES"); v != "" {
		cfg.NpmCustomRegistries = append(cfg.NpmCustomRegistries, normalizeRegistries(splitCSV(v))...)
	}
	if v := os.Getenv("SAFE_CHAIN_PIP_CUSTOM_REGISTRIES"); v != "" {
		cfg.PipCustomRegistries = append(cfg.PipCustomRegistries, normalizeRegistries(splitCSV(v))...)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("CA_CERT_FILE"); v != "" {
		cfg.CACertFile = v
	}
	if v := os.Getenv("CA_KEY_FILE"); v != "" {
		cfg.CAKeyFile = v
	}
	if v := os.Getenv("SAFE_CHAIN_ECOSYSTEM"); v != "" {
		switch Ecosystem(v) {
		case EcosystemJS, EcosystemPy, EcosystemAll:
			cfg.Ecosystem = Ecosystem(v)
		}
	}
	if os.Getenv("INSTALL_A_POSSIBLY_MALICIOUS_PACKAGE") == "1" {
		cfg.InstallAnyway = true
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeRegistries strips a leading http(s):// scheme from each entry,
// per §6: "http:// or https:// prefixes stripped".
func normalizeRegistries(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimPrefix(r, "https://")
		r = strings.TrimPrefix(r, "http://")
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
