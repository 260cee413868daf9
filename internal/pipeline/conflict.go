package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path"
	"strings"
	"time"
)

// Destination validation error codes.
const (
	validationInvalidChars  = "invalid_chars"
	validationPathTooLong   = "path_too_long"
	validationPathTraversal = "path_traversal"
)

const maxDestinationPathLength = 32000

// invalidNameChars are rejected in file names so destinations stay
// portable across the filesystems a project store may span.
const invalidNameChars = `<>:"|?*`

// ConflictResolverOptions configure a ConflictResolver.
type ConflictResolverOptions struct {
	Prompts PromptService
	// SuffixTemplate is the keep-both suffix with {yyyyMMdd_HHmmss},
	// {user}, and {machine} tokens.
	SuffixTemplate func() string

	// Test seams.
	FileExists  func(path string) bool
	Now         func() time.Time
	UserName    string
	MachineName string
}

// ConflictResolver validates a destination, detects collisions, and
// turns the prompt contract's choice into a concrete final path.
type ConflictResolver struct {
	opts ConflictResolverOptions
}

func NewConflictResolver(opts ConflictResolverOptions) *ConflictResolver {
	if opts.Prompts == nil {
		opts.Prompts = AutoPromptService{}
	}
	if opts.SuffixTemplate == nil {
		opts.SuffixTemplate = func() string { return "_{yyyyMMdd_HHmmss}_{user}_{machine}" }
	}
	if opts.FileExists == nil {
		opts.FileExists = func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UserName == "" {
		opts.UserName = currentUserName()
	}
	if opts.MachineName == "" {
		opts.MachineName = currentMachineName()
	}
	return &ConflictResolver{opts: opts}
}

// Resolve produces the conflict plan for moving/copying sourcePath to
// destinationPath.
func (r *ConflictResolver) Resolve(ctx context.Context, sourcePath, destinationPath, projectID string) ConflictPlan {
	dest := strings.ReplaceAll(destinationPath, "\\", "/")
	errs := validateDestination(dest)
	if len(errs) > 0 {
		suggested := sanitizeDestination(dest)
		choice, err := r.opts.Prompts.RequestInvalidDestinationChoice(ctx, errs, sourcePath, suggested)
		if err != nil || choice != ChoiceKeepBothVersion {
			return ConflictPlan{Choice: ChoiceCancel, ValidationErrors: errs}
		}
		dest = suggested
	}

	if !r.opts.FileExists(dest) {
		return ConflictPlan{FinalDestinationPath: dest, Choice: ChoiceNone, ValidationErrors: errs}
	}

	choice, err := r.opts.Prompts.RequestConflictChoice(ctx, ConflictPrompt{
		SourcePath:      sourcePath,
		DestinationPath: dest,
		ProjectID:       projectID,
	})
	if err != nil {
		choice = ChoiceCancel
	}
	switch choice {
	case ChoiceOverwrite:
		return ConflictPlan{
			FinalDestinationPath: dest,
			HasConflict:          true,
			ExistingPath:         dest,
			Choice:               ChoiceOverwrite,
			ValidationErrors:     errs,
		}
	case ChoiceKeepBothVersion:
		return ConflictPlan{
			FinalDestinationPath: r.versionedPath(dest),
			HasConflict:          true,
			ExistingPath:         dest,
			Choice:               ChoiceKeepBothVersion,
			ValidationErrors:     errs,
		}
	default:
		return ConflictPlan{
			HasConflict:      true,
			ExistingPath:     dest,
			Choice:           ChoiceCancel,
			ValidationErrors: errs,
		}
	}
}

// versionedPath appends the templated suffix before the extension and
// guarantees a path that does not currently exist.
func (r *ConflictResolver) versionedPath(dest string) string {
	suffix := r.opts.SuffixTemplate()
	suffix = strings.ReplaceAll(suffix, "{yyyyMMdd_HHmmss}", r.opts.Now().UTC().Format("20060102_150405"))
	suffix = strings.ReplaceAll(suffix, "{user}", r.opts.UserName)
	suffix = strings.ReplaceAll(suffix, "{machine}", r.opts.MachineName)

	ext := path.Ext(dest)
	stem := dest[:len(dest)-len(ext)]
	candidate := stem + suffix + ext
	for i := 2; r.opts.FileExists(candidate); i++ {
		candidate = fmt.Sprintf("%s%s_%d%s", stem, suffix, i, ext)
	}
	return candidate
}

func validateDestination(dest string) []string {
	var errs []string
	name := path.Base(dest)
	if strings.ContainsAny(name, invalidNameChars) || containsControlChars(name) {
		errs = append(errs, validationInvalidChars)
	}
	if len(dest) > maxDestinationPathLength {
		errs = append(errs, validationPathTooLong)
	}
	for _, segment := range strings.Split(dest, "/") {
		if segment == ".." {
			errs = append(errs, validationPathTraversal)
			break
		}
	}
	return errs
}

func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 {
			return true
		}
	}
	return false
}

// sanitizeDestination keeps the directory and replaces each invalid
// character in the file name with an underscore.
func sanitizeDestination(dest string) string {
	dir := path.Dir(dest)
	name := path.Base(dest)
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidNameChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	return dir + "/" + b.String()
}

func currentUserName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		name := u.Username
		if i := strings.LastIndexAny(name, `\/`); i >= 0 {
			name = name[i+1:]
		}
		return name
	}
	return "unknown"
}

func currentMachineName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}
