// Package pathutil normalizes filesystem paths into a single canonical
// form so that prefix containment and map keying behave the same no
// matter how a path was spelled by the watcher, the scanner, or policy.
package pathutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Canonicalizer rewrites paths into an absolute, forward-slash,
// alias-resolved form. Canonicalize is idempotent: applying it twice
// yields the same string.
type Canonicalizer struct {
	aliases []aliasRule
}

type aliasRule struct {
	prefix string
	target string
}

// NewCanonicalizer builds a canonicalizer with an optional alias map.
// Aliases map a path prefix (for example a mounted share shorthand) to
// its canonical location, longest prefix applied first.
func NewCanonicalizer(aliases map[string]string) *Canonicalizer {
	c := &Canonicalizer{}
	for prefix, target := range aliases {
		prefix = normalizeSlashes(strings.TrimSpace(prefix))
		target = normalizeSlashes(strings.TrimSpace(target))
		if prefix == "" || target == "" {
			continue
		}
		c.aliases = append(c.aliases, aliasRule{prefix: prefix, target: target})
	}
	sort.Slice(c.aliases, func(i, j int) bool {
		return len(c.aliases[i].prefix) > len(c.aliases[j].prefix)
	})
	return c
}

// Canonicalize returns the canonical form of p. Environment variable
// references are expanded, aliases are resolved, the path is made
// absolute when possible, separators collapse to forward slashes, and
// trailing slashes are trimmed (except for a bare root).
func (c *Canonicalizer) Canonicalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = os.ExpandEnv(p)
	p = normalizeSlashes(p)
	for _, rule := range c.aliases {
		if hasPathPrefixFold(p, rule.prefix) {
			p = rule.target + p[len(rule.prefix):]
			break
		}
	}
	if abs, err := filepath.Abs(filepath.FromSlash(p)); err == nil {
		p = abs
	}
	p = normalizeSlashes(p)
	p = trimTrailingSlash(p)
	return p
}

// PathStartsWith reports whether path sits at or under prefix. Both
// arguments are canonicalized first; the comparison is case-insensitive
// and segment-safe ("/a/bc" is not under "/a/b").
func (c *Canonicalizer) PathStartsWith(path, prefix string) bool {
	path = c.Canonicalize(path)
	prefix = c.Canonicalize(prefix)
	if path == "" || prefix == "" {
		return false
	}
	if strings.EqualFold(path, prefix) {
		return true
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return hasPathPrefixFold(path, prefix)
}

func normalizeSlashes(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

func trimTrailingSlash(p string) string {
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

func hasPathPrefixFold(p, prefix string) bool {
	if len(p) < len(prefix) {
		return false
	}
	return strings.EqualFold(p[:len(prefix)], prefix)
}
