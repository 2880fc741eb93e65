package avro

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/hamba/avro/v2/ocf"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

const glucoseSchema = `{
	"type": "record",
	"name": "BloodGlucoseRecord",
	"namespace": "com.samsung.health",
	"fields": [
		{"name": "level", "type": "double"},
		{"name": "time", "type": "string"}
	]
}`

const heartRateSchema = `{
	"type": "record",
	"name": "HeartRateRecord",
	"fields": [
		{"name": "bpm", "type": "long"}
	]
}`

func buildContainer(t *testing.T, schema string, records []map[string]any) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(schema, &buf)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, enc.Encode(rec))
	}
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func TestDecodeStreamsRecords(t *testing.T) {
	data := buildContainer(t, glucoseSchema, []map[string]any{
		{"level": 95.0, "time": "2025-09-01T08:00:00Z"},
		{"level": 120.5, "time": "2025-09-01T12:30:00Z"},
		{"level": 88.0, "time": "2025-09-01T22:00:00Z"},
	})

	var levels []float64
	n, err := NewDecoder().Decode(data, domain.BloodGlucoseRecord, func(rec map[string]any) error {
		levels = append(levels, rec["level"].(float64))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []float64{95.0, 120.5, 88.0}, levels)
}

func TestDecodeEmptyContainer(t *testing.T) {
	data := buildContainer(t, glucoseSchema, nil)
	n, err := NewDecoder().Decode(data, domain.BloodGlucoseRecord, func(map[string]any) error {
		t.Fatal("callback must not run for an empty container")
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDecodeSchemaNameMismatch(t *testing.T) {
	data := buildContainer(t, heartRateSchema, []map[string]any{{"bpm": int64(70)}})

	_, err := NewDecoder().Decode(data, domain.BloodGlucoseRecord, func(map[string]any) error { return nil })
	require.Error(t, err)
	require.Equal(t, domain.KindValidation, domain.Classify(err))
}

func TestDecodeNamespacedSchemaMatches(t *testing.T) {
	data := buildContainer(t, glucoseSchema, []map[string]any{
		{"level": 100.0, "time": "2025-09-01T08:00:00Z"},
	})
	n, err := NewDecoder().Decode(data, domain.BloodGlucoseRecord, func(map[string]any) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDecodeGarbageContainer(t *testing.T) {
	_, err := NewDecoder().Decode([]byte("not an avro container"), domain.BloodGlucoseRecord, nil)
	require.Error(t, err)
	require.Equal(t, domain.KindSchema, domain.Classify(err))
}

func TestDecodeCallbackErrorStopsStream(t *testing.T) {
	data := buildContainer(t, glucoseSchema, []map[string]any{
		{"level": 95.0, "time": "2025-09-01T08:00:00Z"},
		{"level": 96.0, "time": "2025-09-01T09:00:00Z"},
		{"level": 97.0, "time": "2025-09-01T10:00:00Z"},
	})

	boom := errors.New("downstream full")
	calls := 0
	n, err := NewDecoder().Decode(data, domain.BloodGlucoseRecord, func(map[string]any) error {
		calls++
		if calls == 2 {
			return fmt.Errorf("buffering: %w", boom)
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, n)
	require.Equal(t, 2, calls)
}
