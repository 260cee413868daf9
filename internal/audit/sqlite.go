package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteStore is the single-seat durable store. The schema is created
// on first use; times are stored as RFC 3339 text in UTC.
type SQLiteStore struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{path: path}, nil
}

func (s *SQLiteStore) ensureReady() error {
	s.initOnce.Do(func() {
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			s.initErr = err
			return
		}
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		for _, ddl := range sqliteSchema {
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_utc TEXT NOT NULL,
		event_type TEXT NOT NULL,
		source_path TEXT,
		destination_path TEXT,
		fingerprint TEXT,
		project_id TEXT,
		payload_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp_utc)`,
	`CREATE TABLE IF NOT EXISTS scan_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		root_path TEXT NOT NULL,
		started_utc TEXT NOT NULL,
		finished_utc TEXT NOT NULL,
		found INTEGER NOT NULL DEFAULT 0,
		queued INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS pending_items (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		project_id TEXT,
		category TEXT,
		detected_utc TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT,
		updated_utc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_items_identity ON pending_items(source_path, fingerprint, status)`,
	`CREATE TABLE IF NOT EXISTS recent_operations (
		destination_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		last_write_utc TEXT NOT NULL,
		action TEXT,
		recorded_utc TEXT NOT NULL,
		PRIMARY KEY (destination_path, size_bytes, last_write_utc)
	)`,
	`CREATE TABLE IF NOT EXISTS state_watermarks (
		root_path TEXT PRIMARY KEY,
		last_scan_utc TEXT NOT NULL,
		last_seen_path TEXT
	)`,
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev Event) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if ev.TimestampUTC.IsZero() {
		ev.TimestampUTC = time.Now().UTC()
	}
	var payload string
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		payload = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (timestamp_utc, event_type, source_path, destination_path, fingerprint, project_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(ev.TimestampUTC), ev.Type, ev.SourcePath, ev.DestinationPath, ev.Fingerprint, ev.ProjectID, payload)
	return err
}

func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_utc, event_type, source_path, destination_path, fingerprint, project_id, payload_json
		FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var ts, payload string
		var src, dst, fp, proj sql.NullString
		if err := rows.Scan(&ev.ID, &ts, &ev.Type, &src, &dst, &fp, &proj, &payload); err != nil {
			return nil, err
		}
		ev.TimestampUTC = parseTime(ts)
		ev.SourcePath = src.String
		ev.DestinationPath = dst.String
		ev.Fingerprint = fp.String
		ev.ProjectID = proj.String
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveScanRun(ctx context.Context, run ScanRun) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_runs (root_path, started_utc, finished_utc, found, queued, skipped, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RootPath, formatTime(run.StartedUTC), formatTime(run.FinishedUTC),
		run.Found, run.Queued, run.Skipped, run.Errors)
	return err
}

func (s *SQLiteStore) RecentScanRuns(ctx context.Context, limit int) ([]ScanRun, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root_path, started_utc, finished_utc, found, queued, skipped, errors
		FROM scan_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScanRun
	for rows.Next() {
		var run ScanRun
		var started, finished string
		if err := rows.Scan(&run.ID, &run.RootPath, &started, &finished, &run.Found, &run.Queued, &run.Skipped, &run.Errors); err != nil {
			return nil, err
		}
		run.StartedUTC = parseTime(started)
		run.FinishedUTC = parseTime(finished)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePendingItem(ctx context.Context, item PendingItem) (string, bool, error) {
	if strings.TrimSpace(item.SourcePath) == "" {
		return "", false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", false, err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_items (id, source_path, fingerprint, project_id, category, detected_utc, source, status, last_error, updated_utc)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM pending_items
			WHERE source_path = ? COLLATE NOCASE AND fingerprint = ? AND status IN ('Pending', 'Processing')
		)`,
		item.ID, item.SourcePath, item.Fingerprint, item.ProjectID, item.Category,
		formatTime(item.DetectedUTC), item.Source, string(item.Status), item.LastError, formatTime(now),
		item.SourcePath, item.Fingerprint)
	if err != nil {
		return "", false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if affected > 0 {
		return item.ID, true, nil
	}
	var existingID string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM pending_items
		WHERE source_path = ? COLLATE NOCASE AND fingerprint = ? AND status IN ('Pending', 'Processing')
		LIMIT 1`, item.SourcePath, item.Fingerprint).Scan(&existingID)
	if err != nil {
		return "", false, err
	}
	return existingID, false, nil
}

func (s *SQLiteStore) UpdatePendingStatus(ctx context.Context, id string, status PendingStatus, lastError string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_items SET status = ?, last_error = ?, updated_utc = ? WHERE id = ?`,
		string(status), lastError, formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ActivePendingItems(ctx context.Context) ([]PendingItem, error) {
	return s.queryPending(ctx, `
		SELECT id, source_path, fingerprint, project_id, category, detected_utc, source, status, last_error, updated_utc
		FROM pending_items WHERE status IN ('Pending', 'Processing') ORDER BY detected_utc`, nil)
}

func (s *SQLiteStore) ListPendingItems(ctx context.Context, limit int) ([]PendingItem, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.queryPending(ctx, `
		SELECT id, source_path, fingerprint, project_id, category, detected_utc, source, status, last_error, updated_utc
		FROM pending_items ORDER BY updated_utc DESC LIMIT ?`, []any{limit})
}

func (s *SQLiteStore) queryPending(ctx context.Context, query string, args []any) ([]PendingItem, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingItem
	for rows.Next() {
		var item PendingItem
		var detected, updated, status string
		var proj, cat, lastErr sql.NullString
		if err := rows.Scan(&item.ID, &item.SourcePath, &item.Fingerprint, &proj, &cat, &detected, &item.Source, &status, &lastErr, &updated); err != nil {
			return nil, err
		}
		item.ProjectID = proj.String
		item.Category = cat.String
		item.LastError = lastErr.String
		item.DetectedUTC = parseTime(detected)
		item.UpdatedUTC = parseTime(updated)
		item.Status = PendingStatus(status)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveRecentOperation(ctx context.Context, op RecentOperation) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if op.RecordedUTC.IsZero() {
		op.RecordedUTC = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recent_operations (destination_path, size_bytes, last_write_utc, action, recorded_utc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (destination_path, size_bytes, last_write_utc)
		DO UPDATE SET action = excluded.action, recorded_utc = excluded.recorded_utc`,
		op.DestinationPath, op.SizeBytes, formatTime(op.LastWriteUTC), op.Action, formatTime(op.RecordedUTC))
	return err
}

func (s *SQLiteStore) HasRecentOperation(ctx context.Context, destinationPath string, sizeBytes int64, lastWriteUTC time.Time, ttl time.Duration) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	cutoff := time.Now().UTC().Add(-ttl)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM recent_operations
		WHERE destination_path = ? COLLATE NOCASE AND size_bytes = ? AND last_write_utc = ? AND recorded_utc > ?`,
		destinationPath, sizeBytes, formatTime(lastWriteUTC), formatTime(cutoff)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) PruneRecentOperations(ctx context.Context, ttl time.Duration) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `DELETE FROM recent_operations WHERE recorded_utc <= ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) GetWatermark(ctx context.Context, rootPath string) (*Watermark, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var wm Watermark
	var lastScan string
	var lastSeen sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT root_path, last_scan_utc, last_seen_path FROM state_watermarks WHERE root_path = ? COLLATE NOCASE`,
		rootPath).Scan(&wm.RootPath, &lastScan, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	wm.LastScanUTC = parseTime(lastScan)
	wm.LastSeenPath = lastSeen.String
	return &wm, nil
}

func (s *SQLiteStore) SaveWatermark(ctx context.Context, wm Watermark) error {
	if strings.TrimSpace(wm.RootPath) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_watermarks (root_path, last_scan_utc, last_seen_path)
		VALUES (?, ?, ?)
		ON CONFLICT (root_path)
		DO UPDATE SET last_scan_utc = excluded.last_scan_utc, last_seen_path = excluded.last_seen_path`,
		wm.RootPath, formatTime(wm.LastScanUTC), wm.LastSeenPath)
	return err
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
