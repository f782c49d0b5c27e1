// Package cacert manages the proxy's local certificate authority and the
// per-hostname leaf certificates it mints for MITM interception.
//
// A single CA is generated once per user account and persisted under
// ~/.safe-chain/certs/. Leaf certificates are minted on demand, signed by
// that CA, and cached in memory for the lifetime of the process; they are
// never evicted (hostname cardinality for package-registry traffic is
// small — see §5 of the design).
package cacert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // SHA-1 is the conventional digest for X.509 SubjectKeyId, not used for security
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"safe-chain-proxy/internal/logger"
)

var log = logger.New("CACERT", "info")

// caValidity is the lifetime of a freshly generated root CA.
const caValidity = 24 * time.Hour

// leafValidity is the lifetime of a freshly minted leaf certificate.
const leafValidity = 1 * time.Hour

// minRemainingValidity is the minimum remaining lifetime a cached CA or leaf
// certificate must carry to be reused rather than regenerated.
const minRemainingValidity = 1 * time.Hour

// CA holds the root certificate authority and the leaf certificates it has
// minted so far. Safe for concurrent use.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	der  []byte // DER encoding of cert, reused when signing leaves

	certPath string

	mu    sync.RWMutex
	cache map[string]*LeafCert
}

// LeafCert is a certificate minted for one hostname, signed by the CA.
type LeafCert struct {
	Hostname    string
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	DER         []byte
}

// TLSCertificate adapts the LeafCert to the stdlib tls.Certificate shape
// expected by tls.Config.GetCertificate.
func (l *LeafCert) TLSCertificate() *tls.Certificate {
	return &tls.Certificate{
		Certificate: [][]byte{l.DER},
		PrivateKey:  l.PrivateKey,
		Leaf:        l.Certificate,
	}
}

// DefaultDir returns the well-known per-user directory for CA material,
// creating it has not happened yet — callers pass it to EnsureCA.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".safe-chain/certs"
	}
	return filepath.Join(home, ".safe-chain", "certs")
}

// CACertPath returns the absolute path of the persisted CA certificate, PEM
// encoded, for the given certs directory.
func CACertPath(dir string) string {
	return filepath.Join(dir, "ca-cert.pem")
}

func caKeyPath(dir string) string {
	return filepath.Join(dir, "ca-key.pem")
}

// EnsureCA loads a CA from dir if it exists, is valid for at least another
// hour, and carries the required extensions; otherwise it generates a new
// one and writes it back to dir. It uses the conventional "ca-cert.pem" /
// "ca-key.pem" filenames; callers that need the CACertFile/CAKeyFile
// config overrides should use EnsureCAAt instead.
func EnsureCA(dir string) (*CA, error) {
	return EnsureCAAt(CACertPath(dir), caKeyPath(dir))
}

// EnsureCAAt loads a CA from the exact certPath/keyPath if valid, otherwise
// generates a new one and writes it to those paths, creating parent
// directories as needed.
func EnsureCAAt(certPath, keyPath string) (*CA, error) {
	ca, err := loadCA(certPath, keyPath)
	if err == nil && caIsUsable(ca.cert) {
		log.Info("ca_loaded", fmt.Sprintf("reusing CA at %s (expires %s)", certPath, ca.cert.NotAfter.Format(time.RFC3339)))
		return ca, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("ca_load_failed", "CA at %s unusable, regenerating: %v", certPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0700); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	ca, err = generateCA(certPath)
	if err != nil {
		return nil, fmt.Errorf("generate CA: %w", err)
	}
	if err := writeCA(ca, certPath, keyPath); err != nil {
		return nil, fmt.Errorf("persist CA: %w", err)
	}
	log.Info("ca_generated", fmt.Sprintf("wrote new CA to %s / %s", certPath, keyPath))
	return ca, nil
}

// caIsUsable reports whether cert has at least minRemainingValidity left and
// carries the extensions §3 requires of a reusable CARoot.
func caIsUsable(cert *x509.Certificate) bool {
	if time.Until(cert.NotAfter) <= minRemainingValidity {
		return false
	}
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return false
	}
	if len(cert.SubjectKeyId) == 0 || len(cert.AuthorityKeyId) == 0 {
		return false
	}
	return true
}

func loadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath) //nolint:gosec // well-known per-user path, not user input
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath) //nolint:gosec // well-known per-user path, not user input
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		generic, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		rsaKey, ok := generic.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("CA key is not RSA")
		}
		key = rsaKey
	}

	return &CA{
		cert:     cert,
		key:      key,
		der:      certBlock.Bytes,
		certPath: certPath,
		cache:    make(map[string]*LeafCert),
	}, nil
}

func generateCA(certPath string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	ski, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute SKI: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "safe-chain local CA",
			Organization: []string{"safe-chain"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
		AuthorityKeyId:        ski, // self-signed: authority == subject
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA cert: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated CA cert: %w", err)
	}

	return &CA{
		cert:     cert,
		key:      key,
		der:      der,
		certPath: certPath,
		cache:    make(map[string]*LeafCert),
	}, nil
}

func writeCA(ca *CA, certPath, keyPath string) error {
	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create cert file: %w", err)
	}
	defer certOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: ca.der}); err != nil {
		return fmt.Errorf("write cert PEM: %w", err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer keyOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(ca.key)}); err != nil {
		return fmt.Errorf("write key PEM: %w", err)
	}
	return nil
}

// CACertPath returns the absolute path of this CA's persisted certificate.
func (ca *CA) CACertPath() string {
	return ca.certPath
}

// CertForHost returns the cached leaf certificate for host, minting and
// caching a new one if absent. Safe for concurrent use; concurrent minting
// of distinct hosts never blocks on each other beyond the mutex.
func (ca *CA) CertForHost(host string) (*LeafCert, error) {
	ca.mu.RLock()
	if leaf, ok := ca.cache[host]; ok {
		ca.mu.RUnlock()
		return leaf, nil
	}
	ca.mu.RUnlock()

	leaf, err := ca.mintLeaf(host)
	if err != nil {
		return nil, err
	}

	ca.mu.Lock()
	// Another goroutine may have raced us; keep whichever was inserted first
	// so CertForHost(h) == CertForHost(h) holds even under concurrency.
	if existing, ok := ca.cache[host]; ok {
		ca.mu.Unlock()
		return existing, nil
	}
	ca.cache[host] = leaf
	ca.mu.Unlock()

	return leaf, nil
}

func (ca *CA) mintLeaf(host string) (*LeafCert, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	ski, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute SKI: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		SubjectKeyId: ski,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf cert for %s: %w", host, err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse minted leaf cert: %w", err)
	}

	log.Debugf("leaf_minted", "minted leaf cert for %s (expires %s)", host, cert.NotAfter.Format(time.RFC3339))

	return &LeafCert{
		Hostname:    host,
		PrivateKey:  key,
		Certificate: cert,
		DER:         der,
	}, nil
}

// TLSConfigForHost returns a *tls.Config that presents a leaf certificate
// minted for host, with HTTP/2 and HTTP/1.1 ALPN offered.
func (ca *CA) TLSConfigForHost(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
			leaf, err := ca.CertForHost(host)
			if err != nil {
				return nil, err
			}
			return leaf.TLSCertificate(), nil
		},
		NextProtos: []string{"h2", "http/1.1"},
	}
}

// subjectKeyID computes the conventional SHA-1 digest of the encoded public
// key, used for both SubjectKeyId and (for the self-signed CA)
// AuthorityKeyId.
func subjectKeyID(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(der) //nolint:gosec // conventional RFC 5280 SKI digest, not a security boundary
	return sum[:], nil
}
