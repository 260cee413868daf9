package pipeline

import (
	"path"
	"sort"
	"strings"

	"github.com/kappa9999/routeagent/internal/pathutil"
)

// Router is the pure (category, project config, user decision) to
// destination decision table.
type Router struct {
	canon *pathutil.Canonicalizer
}

func NewRouter(canon *pathutil.Canonicalizer) *Router {
	if canon == nil {
		canon = pathutil.NewCanonicalizer(nil)
	}
	return &Router{canon: canon}
}

// Route resolves the destination for file under proj given decision.
// False means no destination is configured for the category.
func (r *Router) Route(file ClassifiedFile, proj ProjectResolution, decision UserDecision) (RouteResult, bool) {
	dests := proj.Project.OfficialDestinations
	var root string
	switch file.Category {
	case CategoryPdf:
		root = r.pdfRoot(dests.PdfCategories, decision.PdfCategoryKey, proj.Project.Defaults.DefaultPdfCategory)
		if root == "" {
			root = dests.CadPublish
		}
	case CategoryPlotSet:
		// Plot sets go to the plot-sets destination only; no fallback.
		root = dests.PlotSets
	default:
		root = dests.CadPublish
	}
	if strings.TrimSpace(root) == "" {
		return RouteResult{}, false
	}
	canonicalRoot := r.canon.Canonicalize(root)
	fileName := path.Base(strings.ReplaceAll(file.SourcePath, "\\", "/"))
	dest := r.canon.Canonicalize(canonicalRoot + "/" + fileName)
	return RouteResult{
		DestinationPath: dest,
		DestinationRoot: canonicalRoot,
		Metadata: map[string]string{
			"projectId": proj.ProjectID,
			"category":  string(file.Category),
			"action":    string(decision.Action),
		},
	}, true
}

// pdfRoot prefers the user's chosen category, then the project
// default, then the first configured category by key order.
func (r *Router) pdfRoot(categories map[string]string, chosenKey, defaultKey string) string {
	if len(categories) == 0 {
		return ""
	}
	if chosenKey != "" {
		if dest, ok := lookupFold(categories, chosenKey); ok {
			return dest
		}
	}
	if defaultKey != "" {
		if dest, ok := lookupFold(categories, defaultKey); ok {
			return dest
		}
	}
	keys := make([]string, 0, len(categories))
	for key := range categories {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return categories[keys[0]]
}

func lookupFold(m map[string]string, key string) (string, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}
