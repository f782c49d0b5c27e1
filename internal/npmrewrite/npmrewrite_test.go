package npmrewrite

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIsPackageInfoURL(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/lodash", true},
		{"/lodash/-/lodash-4.17.21.tgz", false},
		{"/-/v1/search?text=lodash", false},
		{"/@babel/core", true},
	}
	for _, c := range cases {
		if got := IsPackageInfoURL(c.path); got != c.want {
			t.Errorf("IsPackageInfoURL(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestRewriteAcceptHeader(t *testing.T) {
	if got := RewriteAcceptHeader("application/vnd.npm.install-v1+json"); got != "application/json" {
		t.Errorf("got %q, want application/json", got)
	}
	if got := RewriteAcceptHeader("application/json"); got != "application/json" {
		t.Errorf("should pass through unrelated Accept headers unchanged, got %q", got)
	}
}

func TestRewriteBody_MinimumAgeSuppression(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Format(time.RFC3339)
	old := now.Add(-48 * time.Hour).Format(time.RFC3339)

	doc := map[string]any{
		"name": "pkg",
		"dist-tags": map[string]string{
			"latest": "2.0.0",
		},
		"time": map[string]string{
			"created":  old,
			"modified": recent,
			"1.9.0":    old,
			"2.0.0":    recent,
		},
		"versions": map[string]any{
			"1.9.0": map[string]string{"version": "1.9.0"},
			"2.0.0": map[string]string{"version": "2.0.0"},
		},
	}
	body, _ := json.Marshal(doc)

	out := RewriteBody(body, 24)

	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("output did not parse as JSON: %v", err)
	}

	versions := result["versions"].(map[string]any)
	if _, ok := versions["2.0.0"]; ok {
		t.Error("expected 2.0.0 to be removed from versions")
	}
	if _, ok := versions["1.9.0"]; !ok {
		t.Error("expected 1.9.0 to remain in versions")
	}

	times := result["time"].(map[string]any)
	if _, ok := times["2.0.0"]; ok {
		t.Error("expected 2.0.0 to be removed from time")
	}

	distTags := result["dist-tags"].(map[string]any)
	if distTags["latest"] != "1.9.0" {
		t.Errorf("latest: got %v, want 1.9.0", distTags["latest"])
	}
}

func TestRewriteBody_PrefersStableOverPreviewForLatest(t *testing.T) {
	now := time.Now().UTC()
	veryOld := now.Add(-200 * time.Hour).Format(time.RFC3339)
	stableTime := now.Add(-100 * time.Hour).Format(time.RFC3339)
	previewTime := now.Add(-50 * time.Hour).Format(time.RFC3339)
	tooRecent := now.Format(time.RFC3339)

	doc := map[string]any{
		"dist-tags": map[string]string{"latest": "3.0.1"},
		"time": map[string]string{
			"created":      veryOld,
			"1.0.0":        stableTime,
			"3.0.0-beta.1": previewTime,
			"3.0.1":        tooRecent,
		},
		"versions": map[string]any{
			"1.0.0":        map[string]string{},
			"3.0.0-beta.1": map[string]string{},
			"3.0.1":        map[string]string{},
		},
	}
	body, _ := json.Marshal(doc)

	out := RewriteBody(body, 24)

	var result map[string]any
	json.Unmarshal(out, &result) //nolint:errcheck

	distTags := result["dist-tags"].(map[string]any)
	if distTags["latest"] != "1.0.0" {
		t.Errorf("expected stable 1.0.0 to win over preview, got %v", distTags["latest"])
	}
}

func TestRewriteBody_NoQualifyingFieldsReturnsUnchanged(t *testing.T) {
	body := []byte(`{"name":"pkg","description":"no version metadata here"}`)
	out := RewriteBody(body, 24)
	if string(out) != string(body) {
		t.Error("expected body without time/dist-tags/versions to be returned unchanged")
	}
}

func TestRewriteBody_InvalidJSONReturnsUnchanged(t *testing.T) {
	body := []byte(`not json`)
	out := RewriteBody(body, 24)
	if string(out) != string(body) {
		t.Error("expected invalid JSON to be returned unchanged")
	}
}

func TestRewriteBody_NoneTooRecentKeepsLatest(t *testing.T) {
	old := time.Now().Add(-72 * time.Hour).UTC().Format(time.RFC3339)
	doc := map[string]any{
		"dist-tags": map[string]string{"latest": "1.0.0"},
		"time":      map[string]string{"created": old, "1.0.0": old},
		"versions":  map[string]any{"1.0.0": map[string]string{}},
	}
	body, _ := json.Marshal(doc)

	out := RewriteBody(body, 24)
	var result map[string]any
	json.Unmarshal(out, &result) //nolint:errcheck

	distTags := result["dist-tags"].(map[string]any)
	if distTags["latest"] != "1.0.0" {
		t.Errorf("latest should be untouched when nothing is too recent, got %v", distTags["latest"])
	}
}
