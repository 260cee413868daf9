// Package audit is the durable side of the agent: append-only audit
// events, scan-run records, pending work items, the recent-operations
// ledger used for origin suppression, and per-root scan watermarks.
package audit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Well-known audit event types.
const (
	EventAgentStartup             = "agent_startup"
	EventPolicyReloaded           = "policy_reloaded"
	EventWatcherOverflow          = "watcher_overflow"
	EventDetectionDrop            = "detection_channel_drop"
	EventStabilityDrop            = "stability_channel_drop"
	EventPromptDrop               = "prompt_channel_drop"
	EventTransferDrop             = "transfer_channel_drop"
	EventScanDetectionDrop        = "scan_detection_drop"
	EventPendingRestoreDrop       = "pending_restore_drop"
	EventManualDetectionEnqueued  = "manual_detection_enqueued"
	EventManualDetectionDropped   = "manual_detection_enqueue_failed"
	EventOfficialDestinationSight = "official_destination_detected"
	EventConflictCancelled        = "conflict_cancelled"
	EventTransferSuccess          = "transfer_success"
	EventTransferFailure          = "transfer_failure"
	EventConnectorPublish         = "connector_publish"
)

// Event is one append-only audit record.
type Event struct {
	ID              int64             `json:"id,omitempty"`
	TimestampUTC    time.Time         `json:"timestampUtc"`
	Type            string            `json:"type"`
	SourcePath      string            `json:"sourcePath,omitempty"`
	DestinationPath string            `json:"destinationPath,omitempty"`
	Fingerprint     string            `json:"fingerprint,omitempty"`
	ProjectID       string            `json:"projectId,omitempty"`
	Payload         map[string]string `json:"payload,omitempty"`
}

// ScanRun summarizes one reconciliation sweep.
type ScanRun struct {
	ID          int64     `json:"id,omitempty"`
	RootPath    string    `json:"rootPath"`
	StartedUTC  time.Time `json:"startedUtc"`
	FinishedUTC time.Time `json:"finishedUtc"`
	Found       int       `json:"found"`
	Queued      int       `json:"queued"`
	Skipped     int       `json:"skipped"`
	Errors      int       `json:"errors"`
}

// PendingStatus is the lifecycle of a pending item. Done, Dismissed,
// and Error are terminal.
type PendingStatus string

const (
	StatusPending    PendingStatus = "Pending"
	StatusProcessing PendingStatus = "Processing"
	StatusDone       PendingStatus = "Done"
	StatusDismissed  PendingStatus = "Dismissed"
	StatusError      PendingStatus = "Error"
)

// Active reports whether the status still expects work.
func (s PendingStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// PendingItem is the durable record of an in-flight detection.
type PendingItem struct {
	ID          string        `json:"id"`
	SourcePath  string        `json:"sourcePath"`
	Fingerprint string        `json:"fingerprint"`
	ProjectID   string        `json:"projectId,omitempty"`
	Category    string        `json:"category,omitempty"`
	DetectedUTC time.Time     `json:"detectedUtc"`
	Source      string        `json:"source"`
	Status      PendingStatus `json:"status"`
	LastError   string        `json:"lastError,omitempty"`
	UpdatedUTC  time.Time     `json:"updatedUtc"`
}

// RecentOperation records a write the agent itself performed, keyed by
// (destination path, size, mtime) so the watcher can recognize its own
// output and stay quiet.
type RecentOperation struct {
	DestinationPath string    `json:"destinationPath"`
	SizeBytes       int64     `json:"sizeBytes"`
	LastWriteUTC    time.Time `json:"lastWriteUtc"`
	Action          string    `json:"action,omitempty"`
	RecordedUTC     time.Time `json:"recordedUtc"`
}

// Watermark bounds incremental reconciliation scans per root.
type Watermark struct {
	RootPath     string    `json:"rootPath"`
	LastScanUTC  time.Time `json:"lastScanUtc"`
	LastSeenPath string    `json:"lastSeenPath,omitempty"`
}

// Store is the persistence contract the pipeline depends on. At most
// one active pending item may exist per (sourcePath, fingerprint);
// SavePendingItem enforces that with a conditional insert.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) error
	RecentEvents(ctx context.Context, limit int) ([]Event, error)

	SaveScanRun(ctx context.Context, run ScanRun) error
	RecentScanRuns(ctx context.Context, limit int) ([]ScanRun, error)

	// SavePendingItem inserts item unless an active row already exists
	// for its (sourcePath, fingerprint). It returns the id of the row
	// now covering the item and whether a new row was created.
	SavePendingItem(ctx context.Context, item PendingItem) (id string, created bool, err error)
	UpdatePendingStatus(ctx context.Context, id string, status PendingStatus, lastError string) error
	ActivePendingItems(ctx context.Context) ([]PendingItem, error)
	ListPendingItems(ctx context.Context, limit int) ([]PendingItem, error)

	SaveRecentOperation(ctx context.Context, op RecentOperation) error
	HasRecentOperation(ctx context.Context, destinationPath string, sizeBytes int64, lastWriteUTC time.Time, ttl time.Duration) (bool, error)
	PruneRecentOperations(ctx context.Context, ttl time.Duration) (int64, error)

	GetWatermark(ctx context.Context, rootPath string) (*Watermark, error)
	SaveWatermark(ctx context.Context, wm Watermark) error

	Close() error
}
