package cacert

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func tempCADir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

func TestEnsureCA_GeneratesWhenMissing(t *testing.T) {
	dir := tempCADir(t)

	ca, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}
	if ca == nil {
		t.Fatal("expected non-nil CA")
	}
	if _, err := os.Stat(CACertPath(dir)); err != nil {
		t.Errorf("cert file was not generated: %v", err)
	}
	if _, err := os.Stat(caKeyPath(dir)); err != nil {
		t.Errorf("key file was not generated: %v", err)
	}
}

func TestEnsureCAAt_CustomFilenames(t *testing.T) {
	dir := tempCADir(t)
	certPath := filepath.Join(dir, "custom-cert.pem")
	keyPath := filepath.Join(dir, "nested", "custom-key.pem")

	ca, err := EnsureCAAt(certPath, keyPath)
	if err != nil {
		t.Fatalf("EnsureCAAt: %v", err)
	}
	if ca == nil {
		t.Fatal("expected non-nil CA")
	}
	if _, err := os.Stat(certPath); err != nil {
		t.Errorf("cert file was not generated at custom path: %v", err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Errorf("key file was not generated in nested directory: %v", err)
	}

	reloaded, err := EnsureCAAt(certPath, keyPath)
	if err != nil {
		t.Fatalf("EnsureCAAt reload: %v", err)
	}
	if !reloaded.cert.Equal(ca.cert) {
		t.Error("expected EnsureCAAt to reuse the persisted CA on second call")
	}
}

func TestEnsureCA_FilePermissions(t *testing.T) {
	dir := tempCADir(t)
	EnsureCA(dir) //nolint:errcheck

	for _, path := range []string{CACertPath(dir), caKeyPath(dir)} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("%s permissions: got %04o, want 0600", path, perm)
		}
	}
}

func TestEnsureCA_ReusesExisting(t *testing.T) {
	dir := tempCADir(t)

	ca1, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("first EnsureCA: %v", err)
	}
	ca2, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("second EnsureCA: %v", err)
	}

	if !bytes.Equal(ca1.der, ca2.der) {
		t.Error("expected the same CA certificate bytes on reuse")
	}
}

func TestEnsureCA_RegeneratesOnCorruptFiles(t *testing.T) {
	dir := tempCADir(t)
	os.WriteFile(CACertPath(dir), []byte("garbage"), 0600) //nolint:errcheck
	os.WriteFile(caKeyPath(dir), []byte("garbage"), 0600)  //nolint:errcheck

	ca, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("EnsureCA should regenerate on corrupt files: %v", err)
	}
	if ca == nil {
		t.Fatal("expected non-nil CA")
	}
}

func TestEnsureCA_RegeneratesWhenNearExpiry(t *testing.T) {
	dir := tempCADir(t)
	ca, err := generateCA(CACertPath(dir))
	if err != nil {
		t.Fatalf("generateCA: %v", err)
	}
	// Re-sign the CA with an expiry inside the minRemainingValidity window and
	// persist it, so EnsureCA finds a near-expiry CA on disk.
	template := *ca.cert
	template.NotAfter = time.Now().Add(30 * time.Minute)
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &ca.key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("re-sign CA: %v", err)
	}
	ca.der = der
	if err := writeCA(ca, CACertPath(dir), caKeyPath(dir)); err != nil {
		t.Fatalf("writeCA: %v", err)
	}

	reloaded, err := EnsureCA(dir)
	if err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}
	if bytes.Equal(reloaded.der, der) {
		t.Error("expected EnsureCA to regenerate a CA expiring within minRemainingValidity")
	}
}

func TestCAIsUsable_RequiresExtensions(t *testing.T) {
	dir := tempCADir(t)
	ca, err := generateCA(CACertPath(dir))
	if err != nil {
		t.Fatalf("generateCA: %v", err)
	}
	if !caIsUsable(ca.cert) {
		t.Error("freshly generated CA should be usable")
	}

	stripped := *ca.cert
	stripped.SubjectKeyId = nil
	if caIsUsable(&stripped) {
		t.Error("CA without SubjectKeyId should not be usable")
	}
}

func TestGenerateCA_SelfSignedExtensions(t *testing.T) {
	dir := tempCADir(t)
	ca, err := generateCA(CACertPath(dir))
	if err != nil {
		t.Fatalf("generateCA: %v", err)
	}

	if !ca.cert.IsCA || !ca.cert.BasicConstraintsValid {
		t.Error("CA cert must have BasicConstraintsValid CA=true")
	}
	if ca.cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("CA cert must have KeyUsageCertSign")
	}
	if len(ca.cert.SubjectKeyId) == 0 || len(ca.cert.AuthorityKeyId) == 0 {
		t.Error("CA cert must carry SubjectKeyId and AuthorityKeyId")
	}
	if !bytes.Equal(ca.cert.SubjectKeyId, ca.cert.AuthorityKeyId) {
		t.Error("self-signed CA must have AuthorityKeyId == SubjectKeyId")
	}
}

func TestCertForHost_ReturnsValidCert(t *testing.T) {
	dir := tempCADir(t)
	ca, _ := EnsureCA(dir)

	leaf, err := ca.CertForHost("registry.npmjs.org")
	if err != nil {
		t.Fatalf("CertForHost: %v", err)
	}
	if leaf.Certificate.Subject.CommonName != "registry.npmjs.org" {
		t.Errorf("CommonName: got %s", leaf.Certificate.Subject.CommonName)
	}
	if len(leaf.Certificate.DNSNames) != 1 || leaf.Certificate.DNSNames[0] != "registry.npmjs.org" {
		t.Errorf("DNSNames: got %v", leaf.Certificate.DNSNames)
	}
}

func TestCertForHost_CachesOnSecondCall(t *testing.T) {
	dir := tempCADir(t)
	ca, _ := EnsureCA(dir)

	c1, _ := ca.CertForHost("pypi.org")
	c2, _ := ca.CertForHost("pypi.org")

	if c1 != c2 {
		t.Error("expected same *LeafCert on cache hit")
	}
}

func TestCertForHost_DifferentHostsDifferentCerts(t *testing.T) {
	dir := tempCADir(t)
	ca, _ := EnsureCA(dir)

	c1, _ := ca.CertForHost("a.example.com")
	c2, _ := ca.CertForHost("b.example.com")

	if c1.Certificate.Subject.CommonName == c2.Certificate.Subject.CommonName {
		t.Error("different hosts should produce different certs")
	}
}

func TestCertForHost_SignedByCA(t *testing.T) {
	dir := tempCADir(t)
	ca, _ := EnsureCA(dir)

	leaf, _ := ca.CertForHost("signed.example.com")

	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)

	_, err := leaf.Certificate.Verify(x509.VerifyOptions{
		DNSName:     "signed.example.com",
		Roots:       roots,
		CurrentTime: time.Now(),
	})
	if err != nil {
		t.Errorf("leaf cert should verify against CA: %v", err)
	}
	if !bytes.Equal(leaf.Certificate.AuthorityKeyId, ca.cert.SubjectKeyId) {
		t.Error("leaf AuthorityKeyId should equal CA SubjectKeyId")
	}
}

func TestCertForHost_ConcurrentAccessReturnsSameCert(t *testing.T) {
	dir := tempCADir(t)
	ca, _ := EnsureCA(dir)

	var wg sync.WaitGroup
	results := make([]*LeafCert, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			leaf, err := ca.CertForHost("concurrent.example.com")
			if err != nil {
				t.Errorf("concurrent CertForHost: %v", err)
				return
			}
			results[idx] = leaf
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r != results[0] {
			t.Error("all concurrent callers should observe the same cached leaf")
		}
	}
}

func TestTLSConfigForHost(t *testing.T) {
	dir := tempCADir(t)
	ca, _ := EnsureCA(dir)

	cfg := ca.TLSConfigForHost("config.example.com")
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS1.2", cfg.MinVersion)
	}
	cert, err := cfg.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "config.example.com" {
		t.Errorf("CN: got %s", cert.Leaf.Subject.CommonName)
	}
}

func TestCACertPath(t *testing.T) {
	dir := filepath.Join("some", "dir")
	if got := CACertPath(dir); got != filepath.Join(dir, "ca-cert.pem") {
		t.Errorf("CACertPath: got %s", got)
	}
}
