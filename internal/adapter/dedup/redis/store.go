// Package redis implements the distributed dedup store. Retention rides
// on native key TTLs, so every worker in a fleet sees the same horizon
// and CleanupExpired has nothing to do.
package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
	"github.com/fairyhunter13/etl-narrative-engine/pkg/textx"
)

const (
	processedKeyPrefix = "etl:processed:"
	statusKeyPrefix    = "etl:status:"
	previewMaxLen      = 200
)

// row is the JSON payload stored under the processed key.
type row struct {
	IdempotencyKey        string     `json:"idempotency_key"`
	MessageID             string     `json:"message_id"`
	CorrelationID         string     `json:"correlation_id"`
	UserID                string     `json:"user_id"`
	RecordType            string     `json:"record_type"`
	ObjectKey             string     `json:"object_key"`
	Status                string     `json:"status"`
	StartedAt             time.Time  `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	ProcessingTimeSeconds float64    `json:"processing_time_seconds"`
	RecordsProcessed      int        `json:"records_processed"`
	QualityScore          float64    `json:"quality_score"`
	NarrativePreview      string     `json:"narrative_preview"`
	ErrorMessage          string     `json:"error_message"`
	ErrorKind             string     `json:"error_kind"`
	ExpiresAt             time.Time  `json:"expires_at"`
}

// Store is the distributed DedupStore.
type Store struct {
	url       string
	retention time.Duration
	client    *goredis.Client
}

// New builds a store for the given redis URL. Initialize must be called
// before any other operation.
func New(url string, retention time.Duration) *Store {
	return &Store{url: url, retention: retention}
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *goredis.Client, retention time.Duration) *Store {
	return &Store{client: client, retention: retention}
}

// Initialize connects and verifies the instance is reachable.
func (s *Store) Initialize(ctx domain.Context) error {
	tracer := otel.Tracer("dedup.redis")
	ctx, span := tracer.Start(ctx, "dedup.Initialize")
	defer span.End()
	if s.client != nil {
		return nil
	}
	opts, err := goredis.ParseURL(s.url)
	if err != nil {
		return fmt.Errorf("op=dedup.initialize: %w", domain.WrapKind(domain.KindValidation, err))
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("op=dedup.initialize: %w", domain.WrapKind(domain.KindNetwork, err))
	}
	s.client = client
	return nil
}

func (s *Store) ready() error {
	if s.client == nil {
		return domain.ErrStoreUninitialized
	}
	return nil
}

func processedKey(key string) string { return processedKeyPrefix + key }

func statusKey(key string) string { return statusKeyPrefix + key }

// IsAlreadyProcessed reports whether a live row exists for key.
func (s *Store) IsAlreadyProcessed(ctx domain.Context, key string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, fmt.Errorf("op=dedup.is_already_processed: %w", err)
	}
	n, err := s.client.Exists(ctx, processedKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("op=dedup.is_already_processed: %w", domain.WrapKind(domain.KindNetwork, err))
	}
	return n > 0, nil
}

// MarkStarted claims key via SETNX; a live row yields ErrConflict.
func (s *Store) MarkStarted(ctx domain.Context, env domain.ProcessingEnvelope, key string) error {
	if err := s.ready(); err != nil {
		return fmt.Errorf("op=dedup.mark_started: %w", err)
	}
	tracer := otel.Tracer("dedup.redis")
	ctx, span := tracer.Start(ctx, "dedup.MarkStarted")
	defer span.End()

	now := time.Now().UTC()
	r := row{
		IdempotencyKey: key,
		MessageID:      env.MessageID,
		CorrelationID:  env.CorrelationID,
		UserID:         env.UserID,
		RecordType:     string(env.RecordType),
		ObjectKey:      env.ObjectKey,
		Status:         string(domain.StatusStarted),
		StartedAt:      now,
		ExpiresAt:      now.Add(s.retention),
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("op=dedup.mark_started: %w", err)
	}
	ok, err := s.client.SetNX(ctx, processedKey(key), payload, s.retention).Result()
	if err != nil {
		return fmt.Errorf("op=dedup.mark_started: %w", domain.WrapKind(domain.KindNetwork, err))
	}
	if !ok {
		return fmt.Errorf("op=dedup.mark_started: %w", domain.ErrConflict)
	}
	if err := s.client.Set(ctx, statusKey(key), string(domain.StatusStarted), s.retention).Err(); err != nil {
		return fmt.Errorf("op=dedup.mark_started: %w", domain.WrapKind(domain.KindNetwork, err))
	}
	return nil
}

// load returns the stored row and its remaining TTL.
func (s *Store) load(ctx domain.Context, key string) (row, time.Duration, error) {
	payload, err := s.client.Get(ctx, processedKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return row{}, 0, domain.ErrNotFound
	}
	if err != nil {
		return row{}, 0, domain.WrapKind(domain.KindNetwork, err)
	}
	var r row
	if err := json.Unmarshal(payload, &r); err != nil {
		return row{}, 0, err
	}
	// Rewrites carry the remaining lifetime so retention stays anchored
	// to row creation. A row at the very end of its life counts as gone.
	ttl := time.Until(r.ExpiresAt)
	if ttl <= 0 {
		return row{}, 0, domain.ErrNotFound
	}
	return r, ttl, nil
}

func (s *Store) save(ctx domain.Context, key string, r row, ttl time.Duration) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, processedKey(key), payload, ttl).Err(); err != nil {
		return domain.WrapKind(domain.KindNetwork, err)
	}
	if err := s.client.Set(ctx, statusKey(key), r.Status, ttl).Err(); err != nil {
		return domain.WrapKind(domain.KindNetwork, err)
	}
	return nil
}

// MarkCompleted writes the terminal completed state.
func (s *Store) MarkCompleted(ctx domain.Context, key string, elapsed time.Duration, recordsProcessed int, narrative string, qualityScore float64) error {
	if err := s.ready(); err != nil {
		return fmt.Errorf("op=dedup.mark_completed: %w", err)
	}
	tracer := otel.Tracer("dedup.redis")
	ctx, span := tracer.Start(ctx, "dedup.MarkCompleted")
	defer span.End()

	r, ttl, err := s.load(ctx, key)
	if err != nil {
		return fmt.Errorf("op=dedup.mark_completed: %w", err)
	}
	now := time.Now().UTC()
	r.Status = string(domain.StatusCompleted)
	r.CompletedAt = &now
	r.ProcessingTimeSeconds = elapsed.Seconds()
	r.RecordsProcessed = recordsProcessed
	r.QualityScore = qualityScore
	r.NarrativePreview = textx.TruncateRunes(textx.SanitizeText(narrative), previewMaxLen)
	r.ErrorMessage = ""
	r.ErrorKind = ""
	if err := s.save(ctx, key, r, ttl); err != nil {
		return fmt.Errorf("op=dedup.mark_completed: %w", err)
	}
	return nil
}

// MarkFailed writes the terminal failed state.
func (s *Store) MarkFailed(ctx domain.Context, key, errMsg string, kind domain.ErrorKind) error {
	if err := s.ready(); err != nil {
		return fmt.Errorf("op=dedup.mark_failed: %w", err)
	}
	tracer := otel.Tracer("dedup.redis")
	ctx, span := tracer.Start(ctx, "dedup.MarkFailed")
	defer span.End()

	r, ttl, err := s.load(ctx, key)
	if err != nil {
		return fmt.Errorf("op=dedup.mark_failed: %w", err)
	}
	now := time.Now().UTC()
	r.Status = string(domain.StatusFailed)
	r.CompletedAt = &now
	r.ErrorMessage = textx.TruncateRunes(textx.SanitizeText(errMsg), 1000)
	r.ErrorKind = string(kind)
	if err := s.save(ctx, key, r, ttl); err != nil {
		return fmt.Errorf("op=dedup.mark_failed: %w", err)
	}
	return nil
}

// Clear removes a started or failed row so a scheduled retry or an
// operator replay can execute. Completed rows are immune.
func (s *Store) Clear(ctx domain.Context, key string) error {
	if err := s.ready(); err != nil {
		return fmt.Errorf("op=dedup.clear: %w", err)
	}
	r, _, err := s.load(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=dedup.clear: %w", err)
	}
	if r.Status == string(domain.StatusCompleted) {
		return nil
	}
	if err := s.client.Del(ctx, processedKey(key), statusKey(key)).Err(); err != nil {
		return fmt.Errorf("op=dedup.clear: %w", domain.WrapKind(domain.KindNetwork, err))
	}
	return nil
}

// Get loads the full row for key.
func (s *Store) Get(ctx domain.Context, key string) (domain.ProcessingRecord, error) {
	if err := s.ready(); err != nil {
		return domain.ProcessingRecord{}, fmt.Errorf("op=dedup.get: %w", err)
	}
	r, _, err := s.load(ctx, key)
	if err != nil {
		return domain.ProcessingRecord{}, fmt.Errorf("op=dedup.get: %w", err)
	}
	return domain.ProcessingRecord{
		IdempotencyKey:        r.IdempotencyKey,
		MessageID:             r.MessageID,
		CorrelationID:         r.CorrelationID,
		UserID:                r.UserID,
		RecordType:            domain.RecordType(r.RecordType),
		ObjectKey:             r.ObjectKey,
		Status:                domain.ProcessingStatus(r.Status),
		StartedAt:             r.StartedAt,
		CompletedAt:           r.CompletedAt,
		ProcessingTimeSeconds: r.ProcessingTimeSeconds,
		RecordsProcessed:      r.RecordsProcessed,
		QualityScore:          r.QualityScore,
		NarrativePreview:      r.NarrativePreview,
		ErrorMessage:          r.ErrorMessage,
		ErrorKind:             domain.ErrorKind(r.ErrorKind),
		ExpiresAt:             r.ExpiresAt,
	}, nil
}

// CleanupExpired is a no-op: Redis evicts rows via TTL.
func (s *Store) CleanupExpired(ctx domain.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, fmt.Errorf("op=dedup.cleanup_expired: %w", err)
	}
	return 0, nil
}

// Ping verifies the instance is reachable; used by readiness checks.
func (s *Store) Ping(ctx domain.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
