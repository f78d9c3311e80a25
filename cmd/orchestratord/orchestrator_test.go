// Copyright 2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
)

func TestSplitPreferencesParsesCommaList(t *testing.T) {
	got := splitPreferences("ngrok, cloudflare-quick ,localtunnel")
	want := []string{"ngrok", "cloudflare-quick", "localtunnel"}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("splitPreferences diff: %v", diff)
	}
}

func TestSplitPreferencesEmptyStringYieldsNil(t *testing.T) {
	if got := splitPreferences(""); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestIsRemoteLocator(t *testing.T) {
	cases := map[string]bool{
		"https://github.com/org/app":    true,
		"http://example.com/app.git":    true,
		"git@github.com:org/app.git":    true,
		"/home/user/apps/local-app":     false,
		"relative/path/to/app":          false,
	}
	for locator, want := range cases {
		if got := isRemoteLocator(locator); got != want {
			t.Fatalf("isRemoteLocator(%q) = %v, want %v", locator, got, want)
		}
	}
}

func TestHfRepoURLAppliesTypePrefix(t *testing.T) {
	cases := []struct{ repoType, repo, want string }{
		{"model", "org/model-a", "https://huggingface.co/org/model-a"},
		{"", "org/model-a", "https://huggingface.co/org/model-a"},
		{"dataset", "org/ds-a", "https://huggingface.co/datasets/org/ds-a"},
		{"space", "org/space-a", "https://huggingface.co/spaces/org/space-a"},
	}
	for _, c := range cases {
		if got := hfRepoURL(c.repoType, c.repo); got != c.want {
			t.Fatalf("hfRepoURL(%q, %q) = %q, want %q", c.repoType, c.repo, got, c.want)
		}
	}
}

func TestResolveScriptFallsBackToConvention(t *testing.T) {
	dir := t.TempDir()
	installPath := filepath.Join(dir, "install.json")
	if err := os.WriteFile(installPath, []byte(`{"run":[]}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	path, kind, found := resolveScript(dir, "", "install")
	if !found {
		t.Fatalf("expected install.json to be found by convention")
	}
	if path != installPath || kind != "json" {
		t.Fatalf("got path=%q kind=%q", path, kind)
	}
}

func TestResolveScriptPrefersHint(t *testing.T) {
	dir := t.TempDir()
	hinted := filepath.Join(dir, "custom-start.js")
	if err := os.WriteFile(hinted, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "start.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	path, kind, found := resolveScript(dir, "custom-start.js", "start")
	if !found {
		t.Fatalf("expected hinted script to be found")
	}
	if path != hinted || kind != "js" {
		t.Fatalf("got path=%q kind=%q, want hinted js script", path, kind)
	}
}

func TestResolveScriptNotFound(t *testing.T) {
	dir := t.TempDir()
	if _, _, found := resolveScript(dir, "", "start"); found {
		t.Fatalf("expected no script to be found in empty dir")
	}
}

func TestDirEmptyOnMissingDirReturnsTrue(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	empty, err := dirEmpty(dir)
	if err != nil {
		t.Fatalf("dirEmpty failed: %v", err)
	}
	if !empty {
		t.Fatalf("expected missing dir to count as empty")
	}
}

func TestDirEmptyOnPopulatedDirReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	empty, err := dirEmpty(dir)
	if err != nil {
		t.Fatalf("dirEmpty failed: %v", err)
	}
	if empty {
		t.Fatalf("expected populated dir to not be empty")
	}
}
