package pipeline

import (
	"github.com/kappa9999/routeagent/internal/pathutil"
	"github.com/kappa9999/routeagent/internal/policy"
)

// Registry answers "which project owns this path" and "is this path
// already somewhere the policy cares about".
type Registry struct {
	canon *pathutil.Canonicalizer
}

func NewRegistry(canon *pathutil.Canonicalizer) *Registry {
	if canon == nil {
		canon = pathutil.NewCanonicalizer(nil)
	}
	return &Registry{canon: canon}
}

// Resolve picks the project whose configured path matcher is the
// longest canonical prefix of the file's path. Ties go to the longer
// prefix, so the most specific project wins.
func (r *Registry) Resolve(snap *policy.Snapshot, sourcePath string) (ProjectResolution, bool) {
	if snap == nil || snap.Policy == nil {
		return ProjectResolution{}, false
	}
	canonical := r.canon.Canonicalize(sourcePath)
	var best ProjectResolution
	bestLen := -1
	for _, proj := range snap.Policy.Projects {
		for _, matcher := range proj.PathMatchers {
			prefix := r.canon.Canonicalize(matcher)
			if prefix == "" || !r.canon.PathStartsWith(canonical, prefix) {
				continue
			}
			if len(prefix) > bestLen {
				bestLen = len(prefix)
				best = ProjectResolution{
					ProjectID:     proj.ID,
					DisplayName:   proj.DisplayName,
					MatchedPrefix: prefix,
					Project:       proj,
				}
			}
		}
	}
	if bestLen < 0 {
		return ProjectResolution{}, false
	}
	return best, true
}

// IsInCandidateRoot reports whether the path is under any configured
// candidate root.
func (r *Registry) IsInCandidateRoot(snap *policy.Snapshot, sourcePath string) bool {
	if snap == nil || snap.Policy == nil {
		return false
	}
	for _, root := range snap.Policy.Monitoring.CandidateRoots {
		if r.canon.PathStartsWith(sourcePath, root) {
			return true
		}
	}
	return false
}

// IsInOfficialDestination reports whether the path already sits inside
// one of the project's official destinations (CAD publish, plot sets,
// or any keyed PDF category folder).
func (r *Registry) IsInOfficialDestination(proj policy.ProjectPolicy, sourcePath string) bool {
	dests := proj.OfficialDestinations
	if dests.CadPublish != "" && r.canon.PathStartsWith(sourcePath, dests.CadPublish) {
		return true
	}
	if dests.PlotSets != "" && r.canon.PathStartsWith(sourcePath, dests.PlotSets) {
		return true
	}
	for _, dest := range dests.PdfCategories {
		if dest != "" && r.canon.PathStartsWith(sourcePath, dest) {
			return true
		}
	}
	return false
}
