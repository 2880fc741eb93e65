// Package sqlite implements the embedded dedup store on a local SQLite
// file. It is the default for single-worker deployments; retention is
// enforced lazily on read plus a periodic sweep.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	_ "modernc.org/sqlite"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
	"github.com/fairyhunter13/etl-narrative-engine/pkg/textx"
)

// previewMaxLen caps the stored narrative preview.
const previewMaxLen = 200

const schema = `
CREATE TABLE IF NOT EXISTS processed_messages (
	idempotency_key TEXT PRIMARY KEY,
	message_id TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	record_type TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('started','completed','failed')),
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	processing_time_seconds REAL NOT NULL DEFAULT 0,
	records_processed INTEGER NOT NULL DEFAULT 0,
	quality_score REAL NOT NULL DEFAULT 0,
	narrative_preview TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_messages_status ON processed_messages(status);
CREATE INDEX IF NOT EXISTS idx_processed_messages_expires_at ON processed_messages(expires_at);
CREATE INDEX IF NOT EXISTS idx_processed_messages_user_id ON processed_messages(user_id);
`

// Store is the embedded DedupStore. Safe for concurrent use; writes are
// serialized on a single connection to sidestep SQLITE_BUSY.
type Store struct {
	path      string
	retention time.Duration
	db        *sql.DB
}

// New builds a store for the given database file. Initialize must be
// called before any other operation.
func New(path string, retention time.Duration) *Store {
	return &Store{path: path, retention: retention}
}

// Initialize opens the database, applies pragmas and creates the schema.
// Calling it twice is a no-op.
func (s *Store) Initialize(ctx domain.Context) error {
	tracer := otel.Tracer("dedup.sqlite")
	ctx, span := tracer.Start(ctx, "dedup.Initialize")
	defer span.End()
	if s.db != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("op=dedup.initialize: %w", domain.WrapKind(domain.KindResource, err))
		}
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("op=dedup.initialize: %w", domain.WrapKind(domain.KindResource, err))
	}
	// One connection: SQLite has a single writer anyway and this keeps
	// concurrent marks queueing instead of erroring.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("op=dedup.initialize: %w", domain.WrapKind(domain.KindResource, err))
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("op=dedup.initialize: %w", domain.WrapKind(domain.KindResource, err))
	}
	s.db = db
	return nil
}

func (s *Store) ready() error {
	if s.db == nil {
		return domain.ErrStoreUninitialized
	}
	return nil
}

// IsAlreadyProcessed reports whether a live row exists for key. Rows past
// their retention horizon count as absent and are deleted on sight.
func (s *Store) IsAlreadyProcessed(ctx domain.Context, key string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, fmt.Errorf("op=dedup.is_already_processed: %w", err)
	}
	tracer := otel.Tracer("dedup.sqlite")
	ctx, span := tracer.Start(ctx, "dedup.IsAlreadyProcessed")
	defer span.End()

	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM processed_messages WHERE idempotency_key = ?`, key,
	).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=dedup.is_already_processed: %w", domain.WrapKind(domain.KindResource, err))
	}
	if time.Now().UTC().UnixMilli() > expires {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM processed_messages WHERE idempotency_key = ? AND expires_at = ?`, key, expires)
		return false, nil
	}
	return true, nil
}

// MarkStarted inserts the row for key. An existing live row yields
// ErrConflict; an expired row is reclaimed in place.
func (s *Store) MarkStarted(ctx domain.Context, env domain.ProcessingEnvelope, key string) error {
	if err := s.ready(); err != nil {
		return fmt.Errorf("op=dedup.mark_started: %w", err)
	}
	tracer := otel.Tracer("dedup.sqlite")
	ctx, span := tracer.Start(ctx, "dedup.MarkStarted")
	defer span.End()

	now := time.Now().UTC()
	expires := now.Add(s.retention)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO processed_messages
	(idempotency_key, message_id, correlation_id, user_id, record_type, object_key, status, started_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(idempotency_key) DO NOTHING`,
		key, env.MessageID, env.CorrelationID, env.UserID, string(env.RecordType), env.ObjectKey,
		string(domain.StatusStarted), now.UnixMilli(), expires.UnixMilli())
	if err != nil {
		return fmt.Errorf("op=dedup.mark_started: %w", domain.WrapKind(domain.KindResource, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=dedup.mark_started: %w", domain.WrapKind(domain.KindResource, err))
	}
	if n > 0 {
		return nil
	}

	// Conflict path: take over the slot only if the resident row expired.
	res, err = s.db.ExecContext(ctx, `
UPDATE processed_messages SET
	message_id = ?, correlation_id = ?, user_id = ?, record_type = ?, object_key = ?,
	status = ?, started_at = ?, completed_at = NULL, processing_time_seconds = 0,
	records_processed = 0, quality_score = 0, narrative_preview = '', error_message = '',
	error_kind = '', expires_at = ?
WHERE idempotency_key = ? AND expires_at <= ?`,
		env.MessageID, env.CorrelationID, env.UserID, string(env.RecordType), env.ObjectKey,
		string(domain.StatusStarted), now.UnixMilli(), expires.UnixMilli(),
		key, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("op=dedup.mark_started: %w", domain.WrapKind(domain.KindResource, err))
	}
	n, err = res.RowsAffected()
	if err != nil {
		return fmt.Errorf("op=dedup.mark_started: %w", domain.WrapKind(domain.KindResource, err))
	}
	if n == 0 {
		return fmt.Errorf("op=dedup.mark_started: %w", domain.ErrConflict)
	}
	return nil
}

// MarkCompleted writes the terminal completed state.
func (s *Store) MarkCompleted(ctx domain.Context, key string, elapsed time.Duration, recordsProcessed int, narrative string, qualityScore float64) error {
	if err := s.ready(); err != nil {
		return fmt.Errorf("op=dedup.mark_completed: %w", err)
	}
	tracer := otel.Tracer("dedup.sqlite")
	ctx, span := tracer.Start(ctx, "dedup.MarkCompleted")
	defer span.End()

	preview := textx.TruncateRunes(textx.SanitizeText(narrative), previewMaxLen)
	res, err := s.db.ExecContext(ctx, `
UPDATE processed_messages SET
	status = ?, completed_at = ?, processing_time_seconds = ?, records_processed = ?,
	quality_score = ?, narrative_preview = ?, error_message = '', error_kind = ''
WHERE idempotency_key = ?`,
		string(domain.StatusCompleted), time.Now().UTC().UnixMilli(), elapsed.Seconds(),
		recordsProcessed, qualityScore, preview, key)
	if err != nil {
		return fmt.Errorf("op=dedup.mark_completed: %w", domain.WrapKind(domain.KindResource, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=dedup.mark_completed: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkFailed writes the terminal failed state.
func (s *Store) MarkFailed(ctx domain.Context, key, errMsg string, kind domain.ErrorKind) error {
	if err := s.ready(); err != nil {
		return fmt.Errorf("op=dedup.mark_failed: %w", err)
	}
	tracer := otel.Tracer("dedup.sqlite")
	ctx, span := tracer.Start(ctx, "dedup.MarkFailed")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
UPDATE processed_messages SET
	status = ?, completed_at = ?, error_message = ?, error_kind = ?
WHERE idempotency_key = ?`,
		string(domain.StatusFailed), time.Now().UTC().UnixMilli(),
		textx.TruncateRunes(textx.SanitizeText(errMsg), 1000), string(kind), key)
	if err != nil {
		return fmt.Errorf("op=dedup.mark_failed: %w", domain.WrapKind(domain.KindResource, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=dedup.mark_failed: %w", domain.ErrNotFound)
	}
	return nil
}

// Clear removes a started or failed row so a scheduled retry or an
// operator replay can execute. Clearing an absent or completed row is a
// no-op.
func (s *Store) Clear(ctx domain.Context, key string) error {
	if err := s.ready(); err != nil {
		return fmt.Errorf("op=dedup.clear: %w", err)
	}
	tracer := otel.Tracer("dedup.sqlite")
	ctx, span := tracer.Start(ctx, "dedup.Clear")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE idempotency_key = ? AND status != ?`,
		key, string(domain.StatusCompleted))
	if err != nil {
		return fmt.Errorf("op=dedup.clear: %w", domain.WrapKind(domain.KindResource, err))
	}
	return nil
}

// Get loads the full row for key.
func (s *Store) Get(ctx domain.Context, key string) (domain.ProcessingRecord, error) {
	if err := s.ready(); err != nil {
		return domain.ProcessingRecord{}, fmt.Errorf("op=dedup.get: %w", err)
	}
	tracer := otel.Tracer("dedup.sqlite")
	ctx, span := tracer.Start(ctx, "dedup.Get")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `
SELECT idempotency_key, message_id, correlation_id, user_id, record_type, object_key,
	status, started_at, completed_at, processing_time_seconds, records_processed,
	quality_score, narrative_preview, error_message, error_kind, expires_at
FROM processed_messages WHERE idempotency_key = ?`, key)

	var (
		rec         domain.ProcessingRecord
		recordType  string
		status      string
		errorKind   string
		startedAt   int64
		completedAt sql.NullInt64
		expiresAt   int64
	)
	err := row.Scan(&rec.IdempotencyKey, &rec.MessageID, &rec.CorrelationID, &rec.UserID,
		&recordType, &rec.ObjectKey, &status, &startedAt, &completedAt,
		&rec.ProcessingTimeSeconds, &rec.RecordsProcessed, &rec.QualityScore,
		&rec.NarrativePreview, &rec.ErrorMessage, &errorKind, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessingRecord{}, fmt.Errorf("op=dedup.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.ProcessingRecord{}, fmt.Errorf("op=dedup.get: %w", domain.WrapKind(domain.KindResource, err))
	}
	rec.RecordType = domain.RecordType(recordType)
	rec.Status = domain.ProcessingStatus(status)
	rec.ErrorKind = domain.ErrorKind(errorKind)
	rec.StartedAt = time.UnixMilli(startedAt).UTC()
	rec.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if completedAt.Valid {
		tm := time.UnixMilli(completedAt.Int64).UTC()
		rec.CompletedAt = &tm
	}
	return rec, nil
}

// CleanupExpired removes rows past their retention horizon.
func (s *Store) CleanupExpired(ctx domain.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, fmt.Errorf("op=dedup.cleanup_expired: %w", err)
	}
	tracer := otel.Tracer("dedup.sqlite")
	ctx, span := tracer.Start(ctx, "dedup.CleanupExpired")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE expires_at <= ?`, time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("op=dedup.cleanup_expired: %w", domain.WrapKind(domain.KindResource, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=dedup.cleanup_expired: %w", domain.WrapKind(domain.KindResource, err))
	}
	return n, nil
}

// Ping verifies the database file is reachable; used by readiness checks.
func (s *Store) Ping(ctx domain.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
