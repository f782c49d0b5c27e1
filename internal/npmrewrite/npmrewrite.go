// Package npmrewrite rewrites npm package-metadata responses to suppress
// versions published too recently to have been audited.
package npmrewrite

import (
	"encoding/json"
	"strings"
	"time"
)

// installAcceptHeader is the Accept value npm/yarn/pnpm send when they want
// the abbreviated "install" metadata document, which omits publish times.
const installAcceptHeader = "application/vnd.npm.install-v1+json"

// IsPackageInfoURL reports whether path is a package-info (not tarball,
// not search/advisory) request, per §4.5: excludes .tgz downloads and any
// path containing "/-/".
func IsPackageInfoURL(path string) bool {
	if strings.HasSuffix(path, ".tgz") {
		return false
	}
	return !strings.Contains(path, "/-/")
}

// RewriteAcceptHeader returns "application/json" if accept requests the
// abbreviated install-v1 document, so the origin returns full time-stamped
// metadata the rewriter below can inspect; otherwise it returns accept
// unchanged.
func RewriteAcceptHeader(accept string) string {
	if accept == installAcceptHeader {
		return "application/json"
	}
	return accept
}

// RewriteBody deletes versions published after cutoff from a package-info
// JSON document. On any parse error, or when the document lacks "time",
// "dist-tags", or "versions", body is returned unchanged. minimumPackageAgeHours
// determines cutoff relative to now.
func RewriteBody(body []byte, minimumPackageAgeHours float64) []byte {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	timeRaw, hasTime := doc["time"]
	distTagsRaw, hasDistTags := doc["dist-tags"]
	versionsRaw, hasVersions := doc["versions"]
	if !hasTime || !hasDistTags || !hasVersions {
		return body
	}

	var times map[string]string
	if err := json.Unmarshal(timeRaw, &times); err != nil {
		return body
	}
	var distTags map[string]string
	if err := json.Unmarshal(distTagsRaw, &distTags); err != nil {
		return body
	}
	var versions map[string]json.RawMessage
	if err := json.Unmarshal(versionsRaw, &versions); err != nil {
		return body
	}

	cutoff := time.Now().Add(-time.Duration(minimumPackageAgeHours * float64(time.Hour)))

	hadLatest, latestWasDeleted := deleteTooRecent(times, versions, distTags, cutoff)

	if hadLatest && latestWasDeleted {
		if newLatest, ok := pickLatest(versions, times); ok {
			distTags["latest"] = newLatest
		} else {
			delete(distTags, "latest")
		}
	}

	newTime, err := json.Marshal(times)
	if err != nil {
		return body
	}
	newDistTags, err := json.Marshal(distTags)
	if err != nil {
		return body
	}
	newVersions, err := json.Marshal(versions)
	if err != nil {
		return body
	}

	doc["time"] = newTime
	doc["dist-tags"] = newDistTags
	doc["versions"] = newVersions

	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

// deleteTooRecent removes every version published after cutoff (excluding
// the "created"/"modified" bookkeeping keys of the time map) from times,
// versions, and any dist-tag pointing to it. It reports whether a "latest"
// tag existed before the pass and whether that tag's target was deleted.
func deleteTooRecent(times map[string]string, versions map[string]json.RawMessage, distTags map[string]string, cutoff time.Time) (hadLatest, latestDeleted bool) {
	latestTarget, hadLatest := distTags["latest"]

	for v, ts := range times {
		if v == "created" || v == "modified" {
			continue
		}
		published, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		if !published.After(cutoff) {
			continue
		}

		delete(times, v)
		delete(versions, v)
		for tag, target := range distTags {
			if target == v {
				delete(distTags, tag)
			}
		}
		if hadLatest && v == latestTarget {
			latestDeleted = true
		}
	}
	return hadLatest, latestDeleted
}

// pickLatest selects the replacement "latest" target: the stable version
// (no hyphen in its identifier) with the largest publish time; if none
// remain, the preview version (contains a hyphen) with the largest publish
// time.
func pickLatest(versions map[string]json.RawMessage, times map[string]string) (string, bool) {
	var bestStable, bestPreview string
	var bestStableTime, bestPreviewTime time.Time

	for v := range versions {
		ts, ok := times[v]
		if !ok {
			continue
		}
		published, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		if strings.Contains(v, "-") {
			if bestPreview == "" || published.After(bestPreviewTime) {
				bestPreview, bestPreviewTime = v, published
			}
			continue
		}
		if bestStable == "" || published.After(bestStableTime) {
			bestStable, bestStableTime = v, published
		}
	}

	if bestStable != "" {
		return bestStable, true
	}
	if bestPreview != "" {
		return bestPreview, true
	}
	return "", false
}
