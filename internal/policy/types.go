// Package policy holds the firm routing policy and per-user preferences:
// loading, schema validation, integrity checking, and the immutable
// snapshot the rest of the agent reads.
package policy

import (
	"strings"
	"time"
)

// FirmPolicy is the firm-wide routing policy document.
type FirmPolicy struct {
	SchemaVersion  int                `json:"schemaVersion"`
	Monitoring     MonitoringSettings `json:"monitoring"`
	IgnorePatterns []string           `json:"ignorePatterns,omitempty"`
	Suppression    SuppressionConfig  `json:"suppression"`
	Stability      StabilityConfig    `json:"stability"`
	Conflict       ConflictConfig     `json:"conflict"`
	Projects       []ProjectPolicy    `json:"projects"`
}

type MonitoringSettings struct {
	WatchRoots              []string          `json:"watchRoots,omitempty"`
	CandidateRoots          []string          `json:"candidateRoots,omitempty"`
	ManagedExtensions       []string          `json:"managedExtensions,omitempty"`
	ReconcileIntervalSecond int               `json:"reconcileIntervalSeconds,omitempty"`
	PathAliases             map[string]string `json:"pathAliases,omitempty"`
}

type SuppressionConfig struct {
	CooldownSeconds           int `json:"cooldownSeconds,omitempty"`
	RenameClusterMilliseconds int `json:"renameClusterMs,omitempty"`
	RecentOperationTTLMinutes int `json:"recentOperationTtlMinutes,omitempty"`
}

type StabilityConfig struct {
	MinAgeSeconds        int  `json:"minAgeSeconds,omitempty"`
	QuietWindowSeconds   int  `json:"quietWindowSeconds,omitempty"`
	RequiredChecks       int  `json:"requiredChecks,omitempty"`
	PollIntervalMillisec int  `json:"pollIntervalMs,omitempty"`
	RequireUnlocked      bool `json:"requireUnlocked"`
	CopySafeOpen         bool `json:"copySafeOpen"`
}

type ConflictConfig struct {
	VersionSuffixTemplate string `json:"versionSuffixTemplate,omitempty"`
}

// ProjectPolicy describes one project: how its files are recognized and
// where each category of file officially belongs.
type ProjectPolicy struct {
	ID                   string               `json:"id"`
	DisplayName          string               `json:"displayName,omitempty"`
	PathMatchers         []string             `json:"pathMatchers"`
	WorkingRoots         []string             `json:"workingRoots,omitempty"`
	OfficialDestinations OfficialDestinations `json:"officialDestinations"`
	Defaults             ProjectDefaults      `json:"defaults"`
	Connector            ConnectorSettings    `json:"connector"`
}

type OfficialDestinations struct {
	CadPublish    string            `json:"cadPublish,omitempty"`
	PlotSets      string            `json:"plotSets,omitempty"`
	PdfCategories map[string]string `json:"pdfCategories,omitempty"`
}

type ProjectDefaults struct {
	PdfAction               string `json:"pdfAction,omitempty"`
	CadAction               string `json:"cadAction,omitempty"`
	DefaultPdfCategory      string `json:"defaultPdfCategory,omitempty"`
	OfficialDestinationMode string `json:"officialDestinationMode,omitempty"`
}

type ConnectorSettings struct {
	Enabled  bool              `json:"enabled"`
	Provider string            `json:"provider,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// UserPreferences is the per-seat overlay: paused monitoring, snoozed
// paths, and folders the user asked the agent to leave alone.
type UserPreferences struct {
	MonitoringPaused bool          `json:"monitoringPaused"`
	PausedUntilUTC   *time.Time    `json:"pausedUntilUtc,omitempty"`
	IgnoredFolders   []string      `json:"ignoredFolders,omitempty"`
	Snoozes          []SnoozeEntry `json:"snoozes,omitempty"`
}

type SnoozeEntry struct {
	Path     string    `json:"path"`
	UntilUTC time.Time `json:"untilUtc"`
}

// Official destination handling modes.
const (
	ModeMonitorNoPrompt = "monitor_no_prompt"
	ModePromptEnabled   = "prompt_enabled"
)

// Canonical action strings used in policy documents.
const (
	ActionMove        = "move"
	ActionCopy        = "copy"
	ActionPublishCopy = "publish_copy"
	ActionLeave       = "leave"
)

// DefaultActionFor maps a category key ("pdf", "cad", "plotset") to the
// project's configured default action in canonical form. Unknown or
// empty configured values fall back to publish_copy for CAD and move
// for everything else.
func (d ProjectDefaults) DefaultActionFor(category string) string {
	var raw string
	switch strings.ToLower(category) {
	case "cad":
		raw = d.CadAction
	default:
		raw = d.PdfAction
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ActionMove:
		return ActionMove
	case ActionCopy:
		return ActionCopy
	case "publish_copy", "publishcopy":
		return ActionPublishCopy
	case ActionLeave:
		return ActionLeave
	}
	if strings.EqualFold(category, "cad") {
		return ActionPublishCopy
	}
	return ActionMove
}

// CooldownDuration returns the event-normalizer cooldown with defaults.
func (s SuppressionConfig) CooldownDuration() time.Duration {
	if s.CooldownSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.CooldownSeconds) * time.Second
}

// RenameClusterWindow returns the rename-burst window with defaults.
func (s SuppressionConfig) RenameClusterWindow() time.Duration {
	if s.RenameClusterMilliseconds <= 0 {
		return 800 * time.Millisecond
	}
	return time.Duration(s.RenameClusterMilliseconds) * time.Millisecond
}

// RecentOperationTTL returns how long the agent's own completed writes
// suppress re-detection.
func (s SuppressionConfig) RecentOperationTTL() time.Duration {
	if s.RecentOperationTTLMinutes <= 0 {
		return 20 * time.Minute
	}
	return time.Duration(s.RecentOperationTTLMinutes) * time.Minute
}

func (s StabilityConfig) MinAge() time.Duration {
	if s.MinAgeSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(s.MinAgeSeconds) * time.Second
}

func (s StabilityConfig) QuietWindow() time.Duration {
	if s.QuietWindowSeconds < 0 {
		return 0
	}
	if s.QuietWindowSeconds == 0 {
		return 8 * time.Second
	}
	return time.Duration(s.QuietWindowSeconds) * time.Second
}

func (s StabilityConfig) Checks() int {
	if s.RequiredChecks <= 0 {
		return 3
	}
	return s.RequiredChecks
}

func (s StabilityConfig) PollInterval() time.Duration {
	if s.PollIntervalMillisec <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(s.PollIntervalMillisec) * time.Millisecond
}

func (m MonitoringSettings) ReconcileInterval() time.Duration {
	if m.ReconcileIntervalSecond <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(m.ReconcileIntervalSecond) * time.Second
}

// Extensions returns the managed extension set, lowercased with a
// leading dot, defaulting to the engineering document set.
func (m MonitoringSettings) Extensions() []string {
	if len(m.ManagedExtensions) == 0 {
		return []string{".pdf", ".dwg", ".dgn", ".dxf", ".pset"}
	}
	out := make([]string, 0, len(m.ManagedExtensions))
	for _, ext := range m.ManagedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// VersionSuffixTemplate returns the keep-both suffix template.
func (c ConflictConfig) SuffixTemplate() string {
	if strings.TrimSpace(c.VersionSuffixTemplate) == "" {
		return "_{yyyyMMdd_HHmmss}_{user}_{machine}"
	}
	return c.VersionSuffixTemplate
}

// Paused reports whether monitoring is paused at the given instant,
// honoring an optional resume time.
func (u *UserPreferences) Paused(now time.Time) bool {
	if u == nil || !u.MonitoringPaused {
		return false
	}
	if u.PausedUntilUTC != nil && now.After(*u.PausedUntilUTC) {
		return false
	}
	return true
}

// SnoozedUntil returns the active snooze expiry covering path, if any.
func (u *UserPreferences) SnoozedUntil(path string, now time.Time) (time.Time, bool) {
	if u == nil {
		return time.Time{}, false
	}
	for _, s := range u.Snoozes {
		if strings.EqualFold(s.Path, path) && now.Before(s.UntilUTC) {
			return s.UntilUTC, true
		}
	}
	return time.Time{}, false
}
