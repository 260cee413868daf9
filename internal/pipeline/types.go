// Package pipeline implements the detection-to-transfer engine: the
// staged queues and workers that turn a raw filesystem sighting into a
// completed, audited file transfer.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kappa9999/routeagent/internal/policy"
)

// DetectionSource tells where a candidate came from.
type DetectionSource string

const (
	SourceWatcher DetectionSource = "watcher"
	SourceScan    DetectionSource = "scan"
	SourceManual  DetectionSource = "manual"
)

// DetectionCandidate is a raw sighting of a file. It is consumed once
// by the detection stage.
type DetectionCandidate struct {
	SourcePath    string
	Source        DetectionSource
	DetectedUTC   time.Time
	SizeHint      int64
	HasSizeHint   bool
	MTimeHint     time.Time
	PendingItemID string
}

// StableFile is a file confirmed quiescent by the stability gate.
type StableFile struct {
	SourcePath   string
	SizeBytes    int64
	LastWriteUTC time.Time
	Fingerprint  string
}

// Fingerprint derives the dedup/audit identity of a file observation.
// It is a pure function of (lowercased path, size, mtime).
func Fingerprint(path string, sizeBytes int64, lastWriteUTC time.Time) string {
	key := fmt.Sprintf("%s|%d|%d",
		strings.ToLower(strings.ReplaceAll(path, "\\", "/")),
		sizeBytes,
		lastWriteUTC.UTC().UnixNano())
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// FileCategory is the managed document category.
type FileCategory string

const (
	CategoryPdf     FileCategory = "pdf"
	CategoryCad     FileCategory = "cad"
	CategoryPlotSet FileCategory = "plotset"
)

// ClassifiedFile is a stable file with a managed category.
type ClassifiedFile struct {
	StableFile
	Category  FileCategory
	Extension string
}

// ProjectResolution names the project that owns a file.
type ProjectResolution struct {
	ProjectID     string
	DisplayName   string
	MatchedPrefix string
	Project       policy.ProjectPolicy
}

// UserAction is the routing choice for a file.
type UserAction string

const (
	ActionNone        UserAction = "none"
	ActionMove        UserAction = "move"
	ActionCopy        UserAction = "copy"
	ActionPublishCopy UserAction = "publish_copy"
	ActionLeave       UserAction = "leave"
)

// ActionFromPolicy converts a canonical policy action string.
func ActionFromPolicy(s string) UserAction {
	switch s {
	case policy.ActionMove:
		return ActionMove
	case policy.ActionCopy:
		return ActionCopy
	case policy.ActionPublishCopy:
		return ActionPublishCopy
	case policy.ActionLeave:
		return ActionLeave
	}
	return ActionNone
}

// UserDecision is what the prompt contract (automatic or human)
// decided about a file.
type UserDecision struct {
	Action             UserAction
	PdfCategoryKey     string
	IgnoreOnce         bool
	SnoozeUntil        *time.Time
	AlwaysIgnoreFolder bool
}

// RouteResult is a resolved destination.
type RouteResult struct {
	DestinationPath       string
	DestinationRoot       string
	IsOfficialDestination bool
	Metadata              map[string]string
}

// ConflictChoice is the outcome of a destination collision.
type ConflictChoice string

const (
	ChoiceNone            ConflictChoice = "none"
	ChoiceKeepBothVersion ConflictChoice = "keep_both_versioned"
	ChoiceOverwrite       ConflictChoice = "overwrite"
	ChoiceCancel          ConflictChoice = "cancel"
)

// ConflictPlan is the conflict resolution outcome for one destination.
type ConflictPlan struct {
	FinalDestinationPath string
	HasConflict          bool
	ExistingPath         string
	Choice               ConflictChoice
	ValidationErrors     []string
}

// TransferPlan is a fully resolved unit of work.
type TransferPlan struct {
	File          ClassifiedFile
	Project       ProjectResolution
	Decision      UserDecision
	Route         RouteResult
	Conflict      ConflictPlan
	PendingItemID string
}

// TransferResult is the outcome of executing a plan.
type TransferResult struct {
	Success         bool
	SourcePath      string
	DestinationPath string
	Action          UserAction
	Err             error
	Attempts        int
}
