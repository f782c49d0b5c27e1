package mitm

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const imdsTimeoutBucket = "imds_timeout_hosts"

// DiskState persists warm-start data — hosts that have already timed out as
// IMDS targets — across process restarts, so a restarted proxy doesn't pay
// the full 3s timeout again for a host it already knows to be unreachable.
// Leaf certificates are deliberately not persisted here: cacert mints them
// cheaply and a stale cached leaf surviving a restart is a bigger risk than
// the minting cost it would save.
type DiskState struct {
	db *bolt.DB
}

// OpenDiskState opens (or creates) the bbolt database at path and ensures
// its bucket exists.
func OpenDiskState(path string) (*DiskState, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open disk state %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(imdsTimeoutBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create disk state bucket: %w", err)
	}

	log.Info("disk_state_opened", path)
	return &DiskState{db: db}, nil
}

// MarkIMDSTimeout records that host timed out as an IMDS target.
func (s *DiskState) MarkIMDSTimeout(host string) {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(imdsTimeoutBucket))
		return b.Put([]byte(host), []byte{1})
	}); err != nil {
		log.Warnf("disk_state_write_failed", "%s: %v", host, err)
	}
}

// IMDSTimeoutHosts returns every host previously recorded by MarkIMDSTimeout.
func (s *DiskState) IMDSTimeoutHosts() []string {
	var hosts []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(imdsTimeoutBucket))
		return b.ForEach(func(k, v []byte) error {
			hosts = append(hosts, string(k))
			return nil
		})
	})
	if err != nil {
		log.Warnf("disk_state_read_failed", "%v", err)
		return nil
	}
	return hosts
}

// Close releases the underlying database file.
func (s *DiskState) Close() error {
	return s.db.Close()
}
