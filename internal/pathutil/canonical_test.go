package pathutil

import (
	"path/filepath"
	"testing"
)

func TestCanonicalizeIdempotent(t *testing.T) {
	c := NewCanonicalizer(nil)
	inputs := []string{
		"/srv/projects/alpha/drawing.pdf",
		"/srv/projects/alpha/",
		"relative/file.dwg",
		"/srv//projects///alpha",
		"\\\\share\\projects\\alpha\\plot.pset",
	}
	for _, in := range inputs {
		once := c.Canonicalize(in)
		twice := c.Canonicalize(once)
		if once != twice {
			t.Fatalf("canonicalize not idempotent for %q: %q vs %q", in, once, twice)
		}
		if !c.PathStartsWith(once, once) {
			t.Fatalf("path %q should start with itself", once)
		}
	}
}

func TestCanonicalizeAbsolute(t *testing.T) {
	c := NewCanonicalizer(nil)
	got := c.Canonicalize("relative/file.pdf")
	if !filepath.IsAbs(filepath.FromSlash(got)) {
		t.Fatalf("expected absolute path, got %q", got)
	}
}

func TestCanonicalizeAliases(t *testing.T) {
	c := NewCanonicalizer(map[string]string{
		"/mnt/p": "/srv/projects",
	})
	got := c.Canonicalize("/mnt/p/alpha/file.pdf")
	want := "/srv/projects/alpha/file.pdf"
	if got != want {
		t.Fatalf("alias not applied: got %q want %q", got, want)
	}
}

func TestPathStartsWithSegmentSafe(t *testing.T) {
	c := NewCanonicalizer(nil)
	if !c.PathStartsWith("/srv/projects/alpha/file.pdf", "/srv/projects/alpha") {
		t.Fatal("expected containment")
	}
	if !c.PathStartsWith("/SRV/Projects/Alpha/file.pdf", "/srv/projects/alpha") {
		t.Fatal("expected case-insensitive containment")
	}
	if c.PathStartsWith("/srv/projects/alphabet/file.pdf", "/srv/projects/alpha") {
		t.Fatal("sibling directory must not match as prefix")
	}
	if c.PathStartsWith("", "/srv/projects") {
		t.Fatal("empty path must not match")
	}
}

func TestPathStartsWithTrailingSlashPrefix(t *testing.T) {
	c := NewCanonicalizer(nil)
	if !c.PathStartsWith("/srv/projects/alpha/file.pdf", "/srv/projects/alpha/") {
		t.Fatal("trailing slash on prefix should not matter")
	}
}
