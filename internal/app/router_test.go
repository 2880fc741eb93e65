package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

type stubStatusReader struct {
	rows map[string]domain.ProcessingRecord
	err  error
}

func (s *stubStatusReader) Get(_ domain.Context, key string) (domain.ProcessingRecord, error) {
	if s.err != nil {
		return domain.ProcessingRecord{}, s.err
	}
	rec, ok := s.rows[key]
	if !ok {
		return domain.ProcessingRecord{}, fmt.Errorf("op=dedup.get: %w", domain.ErrNotFound)
	}
	return rec, nil
}

func okCheck(name string) ReadinessCheck {
	return ReadinessCheck{Name: name, Check: func(context.Context) error { return nil }}
}

func failCheck(name string) ReadinessCheck {
	return ReadinessCheck{Name: name, Check: func(context.Context) error { return fmt.Errorf("%s down", name) }}
}

func TestOpsRouterHealthz(t *testing.T) {
	t.Parallel()

	h := BuildOpsRouter(&stubStatusReader{}, nil, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpsRouterMetrics(t *testing.T) {
	t.Parallel()

	h := BuildOpsRouter(&stubStatusReader{}, nil, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReadyzAllUp(t *testing.T) {
	t.Parallel()

	h := BuildOpsRouter(&stubStatusReader{}, []ReadinessCheck{okCheck("broker"), okCheck("dedup_store"), okCheck("object_store")}, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Checks []struct {
			Name string `json:"name"`
			OK   bool   `json:"ok"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Checks, 3)
	for _, c := range body.Checks {
		assert.True(t, c.OK, c.Name)
	}
}

func TestReadyzOneDown(t *testing.T) {
	t.Parallel()

	h := BuildOpsRouter(&stubStatusReader{}, []ReadinessCheck{okCheck("broker"), failCheck("dedup_store")}, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "dedup_store down")
}

func TestStatusEndpointFound(t *testing.T) {
	t.Parallel()

	completed := time.Date(2025, 9, 1, 12, 0, 5, 0, time.UTC)
	store := &stubStatusReader{rows: map[string]domain.ProcessingRecord{
		"k1": {
			IdempotencyKey:   "k1",
			MessageID:        "m1",
			UserID:           "user-1",
			RecordType:       domain.BloodGlucoseRecord,
			Status:           domain.StatusCompleted,
			StartedAt:        time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC),
			CompletedAt:      &completed,
			RecordsProcessed: 100,
			QualityScore:     0.95,
			NarrativePreview: "Glycemic control was stable.",
			ExpiresAt:        time.Date(2025, 9, 8, 12, 0, 0, 0, time.UTC),
		},
	}}

	h := BuildOpsRouter(store, nil, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/k1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "k1", body.IdempotencyKey)
	assert.Equal(t, "completed", body.Status)
	assert.Equal(t, string(domain.BloodGlucoseRecord), body.RecordType)
	assert.Equal(t, 100, body.RecordsProcessed)
	assert.NotNil(t, body.CompletedAt)
}

func TestStatusEndpointNotFound(t *testing.T) {
	t.Parallel()

	h := BuildOpsRouter(&stubStatusReader{}, nil, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/absent", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestStatusEndpointStoreUninitialized(t *testing.T) {
	t.Parallel()

	h := BuildOpsRouter(&stubStatusReader{err: domain.ErrStoreUninitialized}, nil, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/k1", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "STORE_UNAVAILABLE")
}

func TestStatusEndpointRateLimited(t *testing.T) {
	t.Parallel()

	h := BuildOpsRouter(&stubStatusReader{}, nil, 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/k1", nil))
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, http.StatusNotFound, codes[0])
	assert.Equal(t, http.StatusNotFound, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])

	// The limit only guards status reads.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildReadinessChecksNilDependency(t *testing.T) {
	t.Parallel()

	checks := BuildReadinessChecks(nil, nil, nil)
	require.Len(t, checks, 3)
	for _, c := range checks {
		err := c.Check(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not configured")
	}
}
