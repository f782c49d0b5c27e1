package malwaredb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"safe-chain-proxy/internal/config"
	"safe-chain-proxy/internal/metrics"
)

// Database is a loaded, read-only snapshot of the malware list for one
// ecosystem setting. Entries are never mutated after load.
type Database struct {
	ecosystem config.Ecosystem
	version   string
	byKey     map[string]Entry
}

// Version returns the ETag-derived version string this database was loaded at.
func (d *Database) Version() string { return d.version }

// IsMalware reports whether (name, version) is a known-malicious release.
// For PyPI-style names, the hyphen-normalized variant is also checked.
func (d *Database) IsMalware(name, version string) bool {
	if _, ok := d.byKey[entryKey(name, version)]; ok {
		return true
	}
	normalized := normalizePyPI(name)
	if normalized == name {
		return false
	}
	_, ok := d.byKey[entryKey(normalized, version)]
	return ok
}

func newDatabase(ecosystem config.Ecosystem, version string, entries []Entry) *Database {
	byKey := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byKey[entryKey(e.PackageName, e.Version)] = e
	}
	return &Database{ecosystem: ecosystem, version: version, byKey: byKey}
}

// NewDatabaseForTest builds a Database directly from entries, bypassing
// fetch and disk I/O. Exported for other packages' tests.
func NewDatabaseForTest(ecosystem config.Ecosystem, version string, entries []Entry) *Database {
	return newDatabase(ecosystem, version, entries)
}

// dataDir returns <home>/.aikido, the well-known directory the JS
// implementation this system replaces used for cache and config files.
func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aikido"
	}
	return filepath.Join(home, ".aikido")
}

func databasePath(ecosystem config.Ecosystem) string {
	return filepath.Join(dataDir(), fmt.Sprintf("malwareDatabase_%s.json", ecosystem))
}

func versionPath(ecosystem config.Ecosystem) string {
	return filepath.Join(dataDir(), fmt.Sprintf("version_%s.txt", ecosystem))
}

// diskEntry is the on-disk JSON shape for one cached malware entry.
type diskEntry struct {
	PackageName string `json:"package_name"`
	Version     string `json:"version"`
	Reason      string `json:"reason"`
}

// loadFromDisk reads both the body and version files for ecosystem. Per the
// invariant that the two files correspond, a missing or unreadable file on
// either side means the whole cache is treated as absent.
func loadFromDisk(ecosystem config.Ecosystem) ([]Entry, string, bool) {
	body, err := os.ReadFile(databasePath(ecosystem)) //nolint:gosec // well-known per-user path
	if err != nil {
		return nil, "", false
	}
	versionBytes, err := os.ReadFile(versionPath(ecosystem)) //nolint:gosec // well-known per-user path
	if err != nil {
		return nil, "", false
	}

	var disk []diskEntry
	if err := json.Unmarshal(body, &disk); err != nil {
		log.Warnf("cache_corrupt", "malwareDatabase_%s.json unreadable, treating cache as absent: %v", ecosystem, err)
		return nil, "", false
	}

	entries := make([]Entry, 0, len(disk))
	for _, d := range disk {
		entries = append(entries, Entry{PackageName: d.PackageName, Version: d.Version, Reason: d.Reason})
	}
	return entries, string(versionBytes), true
}

// saveToDisk writes the body and then the version file, each atomically
// (temp-then-rename), so neither file is ever observed half-written. The two
// renames are separate steps: a reader between them sees the new body with
// the previous version string.
func saveToDisk(ecosystem config.Ecosystem, entries []Entry, version string) error {
	dir := dataDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	disk := make([]diskEntry, 0, len(entries))
	for _, e := range entries {
		disk = append(disk, diskEntry{PackageName: e.PackageName, Version: e.Version, Reason: e.Reason})
	}
	body, err := json.Marshal(disk)
	if err != nil {
		return fmt.Errorf("marshal cache body: %w", err)
	}

	if err := atomicWrite(databasePath(ecosystem), body); err != nil {
		return fmt.Errorf("write cache body: %w", err)
	}
	if err := atomicWrite(versionPath(ecosystem), []byte(version)); err != nil {
		return fmt.Errorf("write cache version: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var (
	openOnce    sync.Map // config.Ecosystem -> *sync.Once
	openResults sync.Map // config.Ecosystem -> *openResult
)

type openResult struct {
	db  *Database
	err error
}

// OpenDatabase is the lazy, process-wide initializer for ecosystem's malware
// list: the first caller fetches or loads from disk; concurrent callers for
// the same ecosystem block until that one completes and then share its
// result. Fetch outcomes are not recorded to any Metrics; use
// OpenDatabaseWithMetrics from the proxy's startup path instead.
func OpenDatabase(ecosystem config.Ecosystem) (*Database, error) {
	return OpenDatabaseWithMetrics(ecosystem, nil)
}

// OpenDatabaseWithMetrics is OpenDatabase, additionally recording fetch
// latency/error/cache-hit counters on m (nil is accepted and is a no-op).
func OpenDatabaseWithMetrics(ecosystem config.Ecosystem, m *metrics.Metrics) (*Database, error) {
	onceVal, _ := openOnce.LoadOrStore(ecosystem, &sync.Once{})
	once := onceVal.(*sync.Once)

	once.Do(func() {
		db, err := openDatabaseUncached(ecosystem, m)
		openResults.Store(ecosystem, &openResult{db: db, err: err})
	})

	res, _ := openResults.Load(ecosystem)
	r := res.(*openResult)
	return r.db, r.err
}

func openDatabaseUncached(ecosystem config.Ecosystem, m *metrics.Metrics) (*Database, error) {
	cachedEntries, cachedVersion, haveCache := loadFromDisk(ecosystem)

	start := time.Now()
	remoteVersion, err := fetchDatabaseVersion(ecosystem)
	recordFetchOutcome(m, start, err)
	if err != nil {
		if haveCache {
			log.Warnf("head_failed", "version check for %s failed, using cache as-is: %v", ecosystem, err)
			return newDatabase(ecosystem, cachedVersion, cachedEntries), nil
		}
		return nil, fmt.Errorf("fetch version for %s: %w", ecosystem, err)
	}

	if haveCache && remoteVersion == cachedVersion {
		if m != nil {
			m.DBFetchHits.Add(1)
		}
		log.Info("cache_hit", fmt.Sprintf("%s malware list unchanged (version %s)", ecosystem, cachedVersion))
		return newDatabase(ecosystem, cachedVersion, cachedEntries), nil
	}

	start = time.Now()
	result, err := fetchDatabase(ecosystem)
	recordFetchOutcome(m, start, err)
	if err != nil {
		if haveCache {
			log.Warnf("fetch_failed", "refetch for %s failed, using stale cache: %v", ecosystem, err)
			return newDatabase(ecosystem, cachedVersion, cachedEntries), nil
		}
		return nil, fmt.Errorf("fetch database for %s: %w", ecosystem, err)
	}

	if err := saveToDisk(ecosystem, result.Entries, result.Version); err != nil {
		log.Warnf("save_failed", "could not persist %s malware list: %v", ecosystem, err)
	}

	log.Info("fetched", fmt.Sprintf("%s malware list refreshed: %d entries, version %s", ecosystem, len(result.Entries), result.Version))
	return newDatabase(ecosystem, result.Version, result.Entries), nil
}

// recordFetchOutcome records a network round trip against m: an error
// increments DBFetchErrors, success records its latency. No-op if m is nil.
func recordFetchOutcome(m *metrics.Metrics, start time.Time, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.DBFetchErrors.Add(1)
		return
	}
	m.RecordDBFetchLatency(time.Since(start))
}

// resetForTest clears the process-wide singleton state. Test-only.
func resetForTest() {
	openOnce = sync.Map{}
	openResults = sync.Map{}
}
