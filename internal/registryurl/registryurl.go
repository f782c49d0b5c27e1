// Package registryurl extracts a package (name, version) pair from npm
// tarball URLs and PyPI wheel/sdist URLs.
package registryurl

import (
	"strings"
)

// ParseNpm extracts (name, version) from a tarball URL of the form
// ".../<registry>/<pkg>/-/<file>.tgz". registry is the host the request was
// addressed to; a URL not addressed to it never parses. Only .tgz URLs are
// parsed; anything else returns ok=false. Scoped packages (@scope/name)
// have their filename prefix stripped to the bare name.
func ParseNpm(url, registry string) (name, version string, ok bool) {
	if registry != "" && !strings.Contains(url, registry) {
		return "", "", false
	}
	if !strings.HasSuffix(url, ".tgz") {
		return "", "", false
	}

	parts := strings.Split(url, "/-/")
	if len(parts) != 2 {
		return "", "", false
	}

	pkgPath := strings.Trim(parts[0], "/")
	segments := strings.Split(pkgPath, "/")
	if len(segments) == 0 {
		return "", "", false
	}

	bareName := segments[len(segments)-1]
	pkgName := bareName
	if len(segments) >= 2 && strings.HasPrefix(segments[len(segments)-2], "@") {
		// Scoped package: .../@scope/name/-/name-version.tgz — the tarball
		// filename carries only the bare name, scope stripped.
		pkgName = segments[len(segments)-2] + "/" + bareName
	}

	file := strings.TrimSuffix(parts[1], ".tgz")
	prefix := bareName + "-"
	if !strings.HasPrefix(file, prefix) {
		return "", "", false
	}

	version = strings.TrimPrefix(file, prefix)
	if version == "" {
		return "", "", false
	}
	return pkgName, version, true
}

var sdistExts = []string{".tar.gz", ".zip", ".tar.bz2", ".tar.xz"}

// ParsePyPI extracts (name, version) from a wheel or sdist download URL.
// registry is the host the request was addressed to; a URL not addressed
// to it never parses. Wheel filenames look like "dist-version-<tags>.whl"
// (optionally suffixed ".metadata"); sdist filenames look like
// "name-version.<ext>" (same optional suffix). A version of the placeholder
// "latest" is treated as absent, since it signals the request is not a
// concrete package download.
func ParsePyPI(url, registry string) (name, version string, ok bool) {
	if registry != "" && !strings.Contains(url, registry) {
		return "", "", false
	}
	file := lastPathSegment(url)
	file = strings.TrimSuffix(file, ".metadata")

	switch {
	case strings.HasSuffix(file, ".whl"):
		name, version, ok = parseWheel(strings.TrimSuffix(file, ".whl"))
	default:
		name, version, ok = parseSdist(file)
	}
	if !ok {
		return "", "", false
	}
	if version == "latest" {
		return "", "", false
	}
	return name, version, true
}

func lastPathSegment(url string) string {
	url = strings.SplitN(url, "?", 2)[0]
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		return url[idx+1:]
	}
	return url
}

// parseWheel splits "dist-version-<tags>" (tags already stripped of .whl)
// into name and version: the first two hyphen-separated tokens.
func parseWheel(stem string) (name, version string, ok bool) {
	parts := strings.Split(stem, "-")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// parseSdist strips a recognized archive extension and splits "name-version"
// on the final hyphen.
func parseSdist(file string) (name, version string, ok bool) {
	stem, matched := stripSdistExt(file)
	if !matched {
		return "", "", false
	}

	idx := strings.LastIndex(stem, "-")
	if idx <= 0 || idx == len(stem)-1 {
		return "", "", false
	}
	return stem[:idx], stem[idx+1:], true
}

func stripSdistExt(file string) (string, bool) {
	for _, ext := range sdistExts {
		if strings.HasSuffix(file, ext) {
			return strings.TrimSuffix(file, ext), true
		}
	}
	return "", false
}
