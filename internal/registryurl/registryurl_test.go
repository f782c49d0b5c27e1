package registryurl

import "testing"

func TestParseNpm_PlainPackage(t *testing.T) {
	name, version, ok := ParseNpm("https://registry.npmjs.org/lodash/-/lodash-4.17.21.tgz", "registry.npmjs.org")
	if !ok {
		t.Fatal("expected ok")
	}
	if name != "lodash" || version != "4.17.21" {
		t.Errorf("got (%q, %q)", name, version)
	}
}

func TestParseNpm_ScopedPackage(t *testing.T) {
	name, version, ok := ParseNpm("https://registry.npmjs.org/@babel/core/-/core-7.23.0.tgz", "registry.npmjs.org")
	if !ok {
		t.Fatal("expected ok")
	}
	if name != "@babel/core" || version != "7.23.0" {
		t.Errorf("got (%q, %q)", name, version)
	}
}

func TestParseNpm_PrereleaseVersion(t *testing.T) {
	name, version, ok := ParseNpm("https://registry.npmjs.org/safe-chain-test/-/safe-chain-test-0.0.1-security.tgz", "registry.npmjs.org")
	if !ok {
		t.Fatal("expected ok")
	}
	if name != "safe-chain-test" || version != "0.0.1-security" {
		t.Errorf("got (%q, %q)", name, version)
	}
}

func TestParseNpm_NonTarball(t *testing.T) {
	_, _, ok := ParseNpm("https://registry.npmjs.org/lodash", "registry.npmjs.org")
	if ok {
		t.Error("expected ok=false for non-.tgz URL")
	}
}

func TestParseNpm_SearchEndpoint(t *testing.T) {
	_, _, ok := ParseNpm("https://registry.npmjs.org/-/v1/search?text=lodash", "registry.npmjs.org")
	if ok {
		t.Error("expected ok=false for search endpoint")
	}
}

func TestParseNpm_WrongRegistry(t *testing.T) {
	_, _, ok := ParseNpm("https://registry.npmjs.org/lodash/-/lodash-4.17.21.tgz", "registry.yarnpkg.com")
	if ok {
		t.Error("expected ok=false when registry does not match")
	}
}

func TestParseNpm_Idempotent(t *testing.T) {
	url := "https://registry.npmjs.org/lodash/-/lodash-4.17.21.tgz"
	n1, v1, ok1 := ParseNpm(url, "registry.npmjs.org")
	n2, v2, ok2 := ParseNpm(url, "registry.npmjs.org")
	if n1 != n2 || v1 != v2 || ok1 != ok2 {
		t.Error("parse should be idempotent")
	}
}

func TestParsePyPI_Wheel(t *testing.T) {
	name, version, ok := ParsePyPI(
		"https://files.pythonhosted.org/packages/xx/yy/safe_chain_pi_test-0.0.1-py3-none-any.whl",
		"files.pythonhosted.org",
	)
	if !ok {
		t.Fatal("expected ok")
	}
	if name != "safe_chain_pi_test" || version != "0.0.1" {
		t.Errorf("got (%q, %q)", name, version)
	}
}

func TestParsePyPI_WheelMetadataSidecar(t *testing.T) {
	name, version, ok := ParsePyPI(
		"https://files.pythonhosted.org/packages/xx/yy/requests-2.31.0-py3-none-any.whl.metadata",
		"files.pythonhosted.org",
	)
	if !ok {
		t.Fatal("expected ok")
	}
	if name != "requests" || version != "2.31.0" {
		t.Errorf("got (%q, %q)", name, version)
	}
}

func TestParsePyPI_Sdist(t *testing.T) {
	name, version, ok := ParsePyPI(
		"https://files.pythonhosted.org/packages/xx/yy/requests-2.31.0.tar.gz",
		"files.pythonhosted.org",
	)
	if !ok {
		t.Fatal("expected ok")
	}
	if name != "requests" || version != "2.31.0" {
		t.Errorf("got (%q, %q)", name, version)
	}
}

func TestParsePyPI_SdistMetadataSidecar(t *testing.T) {
	name, version, ok := ParsePyPI(
		"https://files.pythonhosted.org/packages/xx/yy/requests-2.31.0.tar.gz.metadata",
		"files.pythonhosted.org",
	)
	if !ok {
		t.Fatal("expected ok")
	}
	if name != "requests" || version != "2.31.0" {
		t.Errorf("got (%q, %q)", name, version)
	}
}

func TestParsePyPI_LatestPlaceholderIsUndefined(t *testing.T) {
	_, _, ok := ParsePyPI(
		"https://pypi.org/packages/xx/yy/requests-latest.tar.gz",
		"pypi.org",
	)
	if ok {
		t.Error("expected ok=false for 'latest' placeholder version")
	}
}

func TestParsePyPI_UnrecognizedExtension(t *testing.T) {
	_, _, ok := ParsePyPI("https://pypi.org/simple/requests/", "pypi.org")
	if ok {
		t.Error("expected ok=false for non-package URL")
	}
}
