package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

// PostgresStore serves shared multi-seat deployments where several
// agents audit into one database.
type PostgresStore struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, ddl := range postgresSchema {
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

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS routeagent_audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp_utc TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		source_path TEXT,
		destination_path TEXT,
		fingerprint TEXT,
		project_id TEXT,
		payload_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_routeagent_audit_events_ts ON routeagent_audit_events(timestamp_utc)`,
	`CREATE TABLE IF NOT EXISTS routeagent_scan_runs (
		id BIGSERIAL PRIMARY KEY,
		root_path TEXT NOT NULL,
		started_utc TIMESTAMPTZ NOT NULL,
		finished_utc TIMESTAMPTZ NOT NULL,
		found INTEGER NOT NULL DEFAULT 0,
		queued INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS routeagent_pending_items (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		project_id TEXT,
		category TEXT,
		detected_utc TIMESTAMPTZ NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT,
		updated_utc TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_routeagent_pending_identity
		ON routeagent_pending_items(lower(source_path), fingerprint, status)`,
	`CREATE TABLE IF NOT EXISTS routeagent_recent_operations (
		destination_path TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		last_write_utc TIMESTAMPTZ NOT NULL,
		action TEXT,
		recorded_utc TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (destination_path, size_bytes, last_write_utc)
	)`,
	`CREATE TABLE IF NOT EXISTS routeagent_watermarks (
		root_path TEXT PRIMARY KEY,
		last_scan_utc TIMESTAMPTZ NOT NULL,
		last_seen_path TEXT
	)`,
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev Event) error {
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
		INSERT INTO routeagent_audit_events (timestamp_utc, event_type, source_path, destination_path, fingerprint, project_id, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.TimestampUTC, ev.Type, ev.SourcePath, ev.DestinationPath, ev.Fingerprint, ev.ProjectID, payload)
	return err
}

func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_utc, event_type, source_path, destination_path, fingerprint, project_id, payload_json
		FROM routeagent_audit_events ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var src, dst, fp, proj, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TimestampUTC, &ev.Type, &src, &dst, &fp, &proj, &payload); err != nil {
			return nil, err
		}
		ev.SourcePath = src.String
		ev.DestinationPath = dst.String
		ev.Fingerprint = fp.String
		ev.ProjectID = proj.String
		if payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveScanRun(ctx context.Context, run ScanRun) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routeagent_scan_runs (root_path, started_utc, finished_utc, found, queued, skipped, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.RootPath, run.StartedUTC, run.FinishedUTC, run.Found, run.Queued, run.Skipped, run.Errors)
	return err
}

func (s *PostgresStore) RecentScanRuns(ctx context.Context, limit int) ([]ScanRun, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root_path, started_utc, finished_utc, found, queued, skipped, errors
		FROM routeagent_scan_runs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScanRun
	for rows.Next() {
		var run ScanRun
		if err := rows.Scan(&run.ID, &run.RootPath, &run.StartedUTC, &run.FinishedUTC, &run.Found, &run.Queued, &run.Skipped, &run.Errors); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePendingItem(ctx context.Context, item PendingItem) (string, bool, error) {
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO routeagent_pending_items (id, source_path, fingerprint, project_id, category, detected_utc, source, status, last_error, updated_utc)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM routeagent_pending_items
			WHERE lower(source_path) = lower($2) AND fingerprint = $3 AND status IN ('Pending', 'Processing')
		)`,
		item.ID, item.SourcePath, item.Fingerprint, item.ProjectID, item.Category,
		item.DetectedUTC, item.Source, string(item.Status), item.LastError)
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
		SELECT id FROM routeagent_pending_items
		WHERE lower(source_path) = lower($1) AND fingerprint = $2 AND status IN ('Pending', 'Processing')
		LIMIT 1`, item.SourcePath, item.Fingerprint).Scan(&existingID)
	if err != nil {
		return "", false, err
	}
	return existingID, false, nil
}

func (s *PostgresStore) UpdatePendingStatus(ctx context.Context, id string, status PendingStatus, lastError string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE routeagent_pending_items SET status = $1, last_error = $2, updated_utc = NOW() WHERE id = $3`,
		string(status), lastError, id)
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

func (s *PostgresStore) ActivePendingItems(ctx context.Context) ([]PendingItem, error) {
	return s.queryPending(ctx, `
		SELECT id, source_path, fingerprint, project_id, category, detected_utc, source, status, last_error, updated_utc
		FROM routeagent_pending_items WHERE status IN ('Pending', 'Processing') ORDER BY detected_utc`)
}

func (s *PostgresStore) ListPendingItems(ctx context.Context, limit int) ([]PendingItem, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.queryPending(ctx, `
		SELECT id, source_path, fingerprint, project_id, category, detected_utc, source, status, last_error, updated_utc
		FROM routeagent_pending_items ORDER BY updated_utc DESC LIMIT $1`, limit)
}

func (s *PostgresStore) queryPending(ctx context.Context, query string, args ...any) ([]PendingItem, error) {
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
		var status string
		var proj, cat, lastErr sql.NullString
		if err := rows.Scan(&item.ID, &item.SourcePath, &item.Fingerprint, &proj, &cat, &item.DetectedUTC, &item.Source, &status, &lastErr, &item.UpdatedUTC); err != nil {
			return nil, err
		}
		item.ProjectID = proj.String
		item.Category = cat.String
		item.LastError = lastErr.String
		item.Status = PendingStatus(status)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveRecentOperation(ctx context.Context, op RecentOperation) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if op.RecordedUTC.IsZero() {
		op.RecordedUTC = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routeagent_recent_operations (destination_path, size_bytes, last_write_utc, action, recorded_utc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (destination_path, size_bytes, last_write_utc)
		DO UPDATE SET action = EXCLUDED.action, recorded_utc = EXCLUDED.recorded_utc`,
		op.DestinationPath, op.SizeBytes, op.LastWriteUTC, op.Action, op.RecordedUTC)
	return err
}

func (s *PostgresStore) HasRecentOperation(ctx context.Context, destinationPath string, sizeBytes int64, lastWriteUTC time.Time, ttl time.Duration) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	cutoff := time.Now().UTC().Add(-ttl)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM routeagent_recent_operations
		WHERE lower(destination_path) = lower($1) AND size_bytes = $2 AND last_write_utc = $3 AND recorded_utc > $4`,
		destinationPath, sizeBytes, lastWriteUTC, cutoff).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *PostgresStore) PruneRecentOperations(ctx context.Context, ttl time.Duration) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `DELETE FROM routeagent_recent_operations WHERE recorded_utc <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) GetWatermark(ctx context.Context, rootPath string) (*Watermark, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var wm Watermark
	var lastSeen sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT root_path, last_scan_utc, last_seen_path FROM routeagent_watermarks WHERE lower(root_path) = lower($1)`,
		rootPath).Scan(&wm.RootPath, &wm.LastScanUTC, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	wm.LastSeenPath = lastSeen.String
	return &wm, nil
}

func (s *PostgresStore) SaveWatermark(ctx context.Context, wm Watermark) error {
	if strings.TrimSpace(wm.RootPath) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routeagent_watermarks (root_path, last_scan_utc, last_seen_path)
		VALUES ($1, $2, $3)
		ON CONFLICT (root_path)
		DO UPDATE SET last_scan_utc = EXCLUDED.last_scan_utc, last_seen_path = EXCLUDED.last_seen_path`,
		wm.RootPath, wm.LastScanUTC, wm.LastSeenPath)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
