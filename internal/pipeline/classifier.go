package pipeline

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kappa9999/routeagent/internal/policy"
)

// Classifier maps a stable file to a managed category or rejects it
// (unmanaged extension or ignore-glob match).
type Classifier struct{}

func NewClassifier() *Classifier { return &Classifier{} }

// Classify returns the classified file and true when the file is
// managed and not ignored.
func (c *Classifier) Classify(file StableFile, snap *policy.Snapshot) (ClassifiedFile, bool) {
	if snap == nil || snap.Policy == nil {
		return ClassifiedFile{}, false
	}
	normalized := strings.ReplaceAll(file.SourcePath, "\\", "/")
	ext := strings.ToLower(path.Ext(normalized))
	if ext == "" || !containsFold(snap.Policy.Monitoring.Extensions(), ext) {
		return ClassifiedFile{}, false
	}
	if matchesIgnorePattern(normalized, snap.Policy.IgnorePatterns) {
		return ClassifiedFile{}, false
	}
	return ClassifiedFile{
		StableFile: file,
		Category:   categoryForExtension(ext),
		Extension:  ext,
	}, true
}

func categoryForExtension(ext string) FileCategory {
	switch ext {
	case ".pdf":
		return CategoryPdf
	case ".pset":
		return CategoryPlotSet
	default:
		// .dwg, .dgn, .dxf, and any other managed extension route
		// through the CAD publish path.
		return CategoryCad
	}
}

func matchesIgnorePattern(normalized string, patterns []string) bool {
	lower := strings.ToLower(normalized)
	base := path.Base(lower)
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(pattern), "\\", "/"))
		if pattern == "" {
			continue
		}
		if ok, err := doublestar.Match(pattern, lower); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
