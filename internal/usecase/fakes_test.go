package usecase

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// recorder captures the order of port operations so tests can assert
// sequencing, not just occurrence.
type recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recorder) add(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ops))
	copy(out, r.ops)
	return out
}

func (r *recorder) indexOf(op string) int {
	for i, o := range r.sequence() {
		if o == op {
			return i
		}
	}
	return -1
}

type memStore struct {
	rec *recorder

	mu   sync.Mutex
	rows map[string]domain.ProcessingRecord

	isProcessedErr error
	markStartedErr error
	clearErr       error
}

func newMemStore(rec *recorder) *memStore {
	return &memStore{rec: rec, rows: map[string]domain.ProcessingRecord{}}
}

func (m *memStore) Initialize(domain.Context) error { return nil }

func (m *memStore) IsAlreadyProcessed(_ domain.Context, key string) (bool, error) {
	m.rec.add("store.is_processed")
	if m.isProcessedErr != nil {
		return false, m.isProcessedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[key]
	return ok, nil
}

func (m *memStore) MarkStarted(_ domain.Context, env domain.ProcessingEnvelope, key string) error {
	m.rec.add("store.mark_started")
	if m.markStartedErr != nil {
		return m.markStartedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[key]; ok {
		return domain.ErrConflict
	}
	m.rows[key] = domain.ProcessingRecord{
		IdempotencyKey: key,
		MessageID:      env.MessageID,
		UserID:         env.UserID,
		RecordType:     env.RecordType,
		ObjectKey:      env.ObjectKey,
		Status:         domain.StatusStarted,
		StartedAt:      time.Now().UTC(),
	}
	return nil
}

func (m *memStore) MarkCompleted(_ domain.Context, key string, elapsed time.Duration, recordsProcessed int, narrative string, qualityScore float64) error {
	m.rec.add("store.mark_completed")
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	row.Status = domain.StatusCompleted
	row.CompletedAt = &now
	row.ProcessingTimeSeconds = elapsed.Seconds()
	row.RecordsProcessed = recordsProcessed
	row.NarrativePreview = narrative
	row.QualityScore = qualityScore
	m.rows[key] = row
	return nil
}

func (m *memStore) MarkFailed(_ domain.Context, key, errMsg string, kind domain.ErrorKind) error {
	m.rec.add("store.mark_failed")
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	row.Status = domain.StatusFailed
	row.CompletedAt = &now
	row.ErrorMessage = errMsg
	row.ErrorKind = kind
	m.rows[key] = row
	return nil
}

func (m *memStore) Clear(_ domain.Context, key string) error {
	m.rec.add("store.clear")
	if m.clearErr != nil {
		return m.clearErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[key]; ok && row.Status == domain.StatusStarted {
		delete(m.rows, key)
	}
	return nil
}

func (m *memStore) Get(_ domain.Context, key string) (domain.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return domain.ProcessingRecord{}, domain.ErrNotFound
	}
	return row, nil
}

func (m *memStore) CleanupExpired(domain.Context) (int64, error) { return 0, nil }

func (m *memStore) Close() error { return nil }

func (m *memStore) row(key string) (domain.ProcessingRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	return row, ok
}

type memBlobs struct {
	rec *recorder

	mu      sync.Mutex
	objects map[string][]byte

	getErr error
	putErr error
}

func newMemBlobs(rec *recorder) *memBlobs {
	return &memBlobs{rec: rec, objects: map[string][]byte{}}
}

func (m *memBlobs) Get(_ domain.Context, key string, maxSize int64) ([]byte, error) {
	m.rec.add("blobs.get")
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("op=blobs.get: %s: %w", key, domain.ErrNotFound)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("op=blobs.get: %s: %w", key, domain.ErrBlobTooLarge)
	}
	return data, nil
}

func (m *memBlobs) Put(_ domain.Context, key string, data []byte, _ string) error {
	m.rec.add("blobs.put")
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memBlobs) Head(_ domain.Context, key string) (*domain.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	return &domain.ObjectInfo{Size: int64(len(data))}, nil
}

func (m *memBlobs) Append(_ domain.Context, key string, _ string, fn func(existing []byte) []byte) error {
	m.rec.add("blobs.append")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = fn(m.objects[key])
	return nil
}

func (m *memBlobs) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

func (m *memBlobs) keysWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// fakeDecoder feeds back a fixed record set regardless of blob content.
type fakeDecoder struct {
	rec     *recorder
	records []map[string]any
	err     error
}

func (d *fakeDecoder) Decode(_ []byte, _ domain.RecordType, fn func(rec map[string]any) error) (int, error) {
	d.rec.add("decoder.decode")
	if d.err != nil {
		return 0, d.err
	}
	for _, r := range d.records {
		if err := fn(r); err != nil {
			return 0, err
		}
	}
	return len(d.records), nil
}

type fakeValidator struct {
	rec    *recorder
	result domain.ValidationResult
}

func (v *fakeValidator) Validate([]map[string]any, domain.RecordType) domain.ValidationResult {
	v.rec.add("validator.validate")
	return v.result
}

type fakeProcessor struct {
	rec    *recorder
	result domain.ClinicalResult
}

func (p *fakeProcessor) Process(records []map[string]any, _ domain.ProcessingEnvelope, validation domain.ValidationResult) domain.ClinicalResult {
	p.rec.add("processor.process")
	out := p.result
	if out.RecordsProcessed == 0 {
		out.RecordsProcessed = len(records)
	}
	if out.QualityScore == 0 {
		out.QualityScore = validation.QualityScore
	}
	return out
}

type fakeRegistry struct {
	processors map[domain.RecordType]domain.Processor
}

func (r *fakeRegistry) Resolve(rt domain.RecordType) (domain.Processor, error) {
	p, ok := r.processors[rt]
	if !ok {
		return nil, fmt.Errorf("op=registry.resolve: %s: %w", rt, domain.ErrUnknownRecordType)
	}
	return p, nil
}

type emitCall struct {
	narrative string
	env       domain.ProcessingEnvelope
}

type fakeEmitter struct {
	rec     *recorder
	mu      sync.Mutex
	calls   []emitCall
	emitted bool
	err     error
}

func (e *fakeEmitter) Emit(_ domain.Context, narrative string, env domain.ProcessingEnvelope, _ domain.ClinicalResult) (bool, error) {
	e.rec.add("emitter.emit")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, emitCall{narrative: narrative, env: env})
	if e.err != nil {
		return false, e.err
	}
	return e.emitted, nil
}

func (e *fakeEmitter) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type scheduledRetry struct {
	env   domain.ProcessingEnvelope
	delay time.Duration
}

type fakeScheduler struct {
	rec   *recorder
	mu    sync.Mutex
	calls []scheduledRetry
	err   error
}

func (s *fakeScheduler) ScheduleRetry(_ domain.Context, env domain.ProcessingEnvelope, delay time.Duration) error {
	s.rec.add("scheduler.schedule")
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduledRetry{env: env, delay: delay})
	return nil
}

func (s *fakeScheduler) scheduled() []scheduledRetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scheduledRetry, len(s.calls))
	copy(out, s.calls)
	return out
}
