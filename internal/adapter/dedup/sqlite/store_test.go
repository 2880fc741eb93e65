package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

func newStore(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "dedup.db"), retention)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEnvelope() domain.ProcessingEnvelope {
	return domain.ProcessingEnvelope{
		MessageID:      "msg-1",
		CorrelationID:  "corr-1",
		UserID:         "user-1",
		RecordType:     domain.BloodGlucoseRecord,
		ObjectKey:      "raw/user-1/glucose.avro",
		IdempotencyKey: "user-1:glucose:abc",
	}
}

func TestStore_RequiresInitialize(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "dedup.db"), time.Hour)
	_, err := s.IsAlreadyProcessed(context.Background(), "k")
	require.ErrorIs(t, err, domain.ErrStoreUninitialized)
	err = s.MarkStarted(context.Background(), testEnvelope(), "k")
	require.ErrorIs(t, err, domain.ErrStoreUninitialized)
}

func TestStore_InitializeTwice(t *testing.T) {
	s := newStore(t, time.Hour)
	require.NoError(t, s.Initialize(context.Background()))
}

func TestStore_MarkStartedAndDuplicateCheck(t *testing.T) {
	s := newStore(t, time.Hour)
	ctx := context.Background()
	env := testEnvelope()

	seen, err := s.IsAlreadyProcessed(ctx, env.IdempotencyKey)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.MarkStarted(ctx, env, env.IdempotencyKey))

	seen, err = s.IsAlreadyProcessed(ctx, env.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, seen)

	err = s.MarkStarted(ctx, env, env.IdempotencyKey)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestStore_MarkCompleted(t *testing.T) {
	s := newStore(t, time.Hour)
	ctx := context.Background()
	env := testEnvelope()
	require.NoError(t, s.MarkStarted(ctx, env, env.IdempotencyKey))

	narrative := strings.Repeat("n", 500)
	require.NoError(t, s.MarkCompleted(ctx, env.IdempotencyKey, 1500*time.Millisecond, 100, narrative, 0.95))

	rec, err := s.Get(ctx, env.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.InDelta(t, 1.5, rec.ProcessingTimeSeconds, 1e-9)
	require.Equal(t, 100, rec.RecordsProcessed)
	require.InDelta(t, 0.95, rec.QualityScore, 1e-9)
	require.Len(t, rec.NarrativePreview, 200)
	require.Equal(t, domain.BloodGlucoseRecord, rec.RecordType)
	require.True(t, rec.ExpiresAt.After(rec.StartedAt))
}

func TestStore_MarkCompletedAbsentKey(t *testing.T) {
	s := newStore(t, time.Hour)
	err := s.MarkCompleted(context.Background(), "missing", time.Second, 1, "n", 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_MarkFailed(t *testing.T) {
	s := newStore(t, time.Hour)
	ctx := context.Background()
	env := testEnvelope()
	require.NoError(t, s.MarkStarted(ctx, env, env.IdempotencyKey))
	require.NoError(t, s.MarkFailed(ctx, env.IdempotencyKey, "quality score 0.30 below threshold 0.70", domain.KindDataQuality))

	rec, err := s.Get(ctx, env.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, rec.Status)
	require.Equal(t, domain.KindDataQuality, rec.ErrorKind)
	require.Contains(t, rec.ErrorMessage, "below threshold")
}

func TestStore_ClearSparesCompletedRows(t *testing.T) {
	s := newStore(t, time.Hour)
	ctx := context.Background()
	env := testEnvelope()

	require.NoError(t, s.MarkStarted(ctx, env, env.IdempotencyKey))
	require.NoError(t, s.Clear(ctx, env.IdempotencyKey))
	seen, err := s.IsAlreadyProcessed(ctx, env.IdempotencyKey)
	require.NoError(t, err)
	require.False(t, seen)

	// Failed rows clear too; a replayed dead letter must reprocess.
	require.NoError(t, s.MarkStarted(ctx, env, env.IdempotencyKey))
	require.NoError(t, s.MarkFailed(ctx, env.IdempotencyKey, "boom", domain.KindNetwork))
	require.NoError(t, s.Clear(ctx, env.IdempotencyKey))
	seen, err = s.IsAlreadyProcessed(ctx, env.IdempotencyKey)
	require.NoError(t, err)
	require.False(t, seen)

	// Completed rows survive Clear.
	require.NoError(t, s.MarkStarted(ctx, env, env.IdempotencyKey))
	require.NoError(t, s.MarkCompleted(ctx, env.IdempotencyKey, time.Second, 1, "done", 1))
	require.NoError(t, s.Clear(ctx, env.IdempotencyKey))
	seen, err = s.IsAlreadyProcessed(ctx, env.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, seen)

	// Clearing an absent key is a no-op.
	require.NoError(t, s.Clear(ctx, "missing"))
}

func TestStore_ExpiredRowsCountAsAbsent(t *testing.T) {
	s := newStore(t, -time.Hour) // rows are born expired
	ctx := context.Background()
	env := testEnvelope()

	require.NoError(t, s.MarkStarted(ctx, env, env.IdempotencyKey))
	seen, err := s.IsAlreadyProcessed(ctx, env.IdempotencyKey)
	require.NoError(t, err)
	require.False(t, seen)

	// The expired slot can be taken over by a new mark.
	require.NoError(t, s.MarkStarted(ctx, env, env.IdempotencyKey))
}

func TestStore_CleanupExpired(t *testing.T) {
	expired := newStore(t, -time.Hour)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		env := testEnvelope()
		env.IdempotencyKey = key
		require.NoError(t, expired.MarkStarted(ctx, env, key))
	}
	n, err := expired.CleanupExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	n, err = expired.CleanupExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestStore_GetAbsent(t *testing.T) {
	s := newStore(t, time.Hour)
	_, err := s.Get(context.Background(), "missing")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStore_Ping(t *testing.T) {
	s := newStore(t, time.Hour)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Ping(context.Background()), domain.ErrStoreUninitialized)
}
