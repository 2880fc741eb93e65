package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrStoreUninitialized = errors.New("dedup store not initialized")
	ErrBlobTooLarge       = errors.New("blob exceeds max size")
	ErrUnknownRecordType  = errors.New("unknown record type")
	ErrEmptyNarrative     = errors.New("empty narrative")
	ErrInternal           = errors.New("internal error")
)

// RecordType enumerates the health record types the engine understands.
type RecordType string

const (
	BloodGlucoseRecord              RecordType = "BloodGlucoseRecord"
	HeartRateRecord                 RecordType = "HeartRateRecord"
	SleepSessionRecord              RecordType = "SleepSessionRecord"
	StepsRecord                     RecordType = "StepsRecord"
	ActiveCaloriesBurnedRecord      RecordType = "ActiveCaloriesBurnedRecord"
	HeartRateVariabilityRmssdRecord RecordType = "HeartRateVariabilityRmssdRecord"
)

// HealthDomain groups record types into training-corpus partitions.
type HealthDomain string

const (
	DomainMetabolicDiabetes     HealthDomain = "metabolic_diabetes"
	DomainCardiovascularFitness HealthDomain = "cardiovascular_fitness"
	DomainSleepWellness         HealthDomain = "sleep_wellness"
	DomainPhysicalActivity      HealthDomain = "physical_activity"
	DomainGeneralHealth         HealthDomain = "general_health"
)

var recordDomains = map[RecordType]HealthDomain{
	BloodGlucoseRecord:              DomainMetabolicDiabetes,
	HeartRateRecord:                 DomainCardiovascularFitness,
	SleepSessionRecord:              DomainSleepWellness,
	StepsRecord:                     DomainPhysicalActivity,
	ActiveCaloriesBurnedRecord:      DomainPhysicalActivity,
	HeartRateVariabilityRmssdRecord: DomainCardiovascularFitness,
}

// Domain returns the health domain a record type belongs to.
// Unmapped types fall back to general_health with ok=false so callers
// can decide whether the type is acceptable.
func (rt RecordType) Domain() (HealthDomain, bool) {
	d, ok := recordDomains[rt]
	if !ok {
		return DomainGeneralHealth, false
	}
	return d, true
}

// Known reports whether the record type has a processor mapping.
func (rt RecordType) Known() bool {
	_, ok := recordDomains[rt]
	return ok
}

// RecordTypes returns the full set of known record types in stable order.
func RecordTypes() []RecordType {
	return []RecordType{
		BloodGlucoseRecord,
		HeartRateRecord,
		SleepSessionRecord,
		StepsRecord,
		ActiveCaloriesBurnedRecord,
		HeartRateVariabilityRmssdRecord,
	}
}

// ProcessingStatus is the lifecycle status of a dedup-store row.
type ProcessingStatus string

const (
	StatusStarted   ProcessingStatus = "started"
	StatusCompleted ProcessingStatus = "completed"
	StatusFailed    ProcessingStatus = "failed"
)

// ProcessingRecord is the dedup-store row keyed by idempotency key.
// Invariants: at most one row per key; terminal status in {completed, failed};
// NarrativePreview holds at most 200 characters.
type ProcessingRecord struct {
	IdempotencyKey        string
	MessageID             string
	CorrelationID         string
	UserID                string
	RecordType            RecordType
	ObjectKey             string
	Status                ProcessingStatus
	StartedAt             time.Time
	CompletedAt           *time.Time
	ProcessingTimeSeconds float64
	RecordsProcessed      int
	QualityScore          float64
	NarrativePreview      string
	ErrorMessage          string
	ErrorKind             ErrorKind
	ExpiresAt             time.Time
}

// ValidationResult carries the pre-processing quality gate outcome.
type ValidationResult struct {
	IsValid      bool
	QualityScore float64
	Issues       []string
}

// ClinicalResult is what a processor returns for one blob.
// Failures are carried in the result (Success=false plus ErrorMessage)
// rather than as a separate error so the pipeline maps them uniformly
// onto the processing error kind.
type ClinicalResult struct {
	Success               bool
	Narrative             string
	ErrorMessage          string
	ProcessingTimeSeconds float64
	RecordsProcessed      int
	QualityScore          float64
	ClinicalInsights      map[string]any
}

// TrainingExample is one JSONL line in the training corpus.
type TrainingExample struct {
	Instruction string            `json:"instruction"`
	Input       string            `json:"input"`
	Output      string            `json:"output"`
	Metadata    *TrainingMetadata `json:"metadata,omitempty"`
}

// TrainingMetadata is the optional provenance block attached to an example.
type TrainingMetadata struct {
	RecordType          string         `json:"record_type"`
	HealthDomain        string         `json:"health_domain"`
	UserID              string         `json:"user_id"`
	CorrelationID       string         `json:"correlation_id"`
	SourceObjectKey     string         `json:"source_object_key"`
	ProcessingTimestamp time.Time      `json:"processing_timestamp"`
	QualityScore        float64        `json:"quality_score"`
	RecordCount         int            `json:"record_count"`
	TokenCount          int            `json:"token_count,omitempty"`
	ClinicalInsights    map[string]any `json:"clinical_insights,omitempty"`
}

// ObjectInfo is the subset of object metadata the engine cares about.
type ObjectInfo struct {
	Size        int64
	ContentType string
	ETag        string
}

// Ports

// DedupStore tracks which idempotency keys have been seen and with what
// outcome. Implementations must be safe for concurrent use. All operations
// except Initialize fail with ErrStoreUninitialized before Initialize.
type DedupStore interface {
	Initialize(ctx Context) error
	// IsAlreadyProcessed treats any live row (started, completed or failed)
	// as processed.
	IsAlreadyProcessed(ctx Context, key string) (bool, error)
	// MarkStarted inserts the row. A live row under the same key yields
	// ErrConflict, which makes the check-then-mark pair race-safe.
	MarkStarted(ctx Context, env ProcessingEnvelope, key string) error
	MarkCompleted(ctx Context, key string, elapsed time.Duration, recordsProcessed int, narrative string, qualityScore float64) error
	MarkFailed(ctx Context, key, errMsg string, kind ErrorKind) error
	// Clear removes a row that has not completed, letting a scheduled
	// retry or an operator replay execute. Completed rows are immune;
	// only retention expiry releases them.
	Clear(ctx Context, key string) error
	Get(ctx Context, key string) (ProcessingRecord, error)
	// CleanupExpired removes rows past their retention horizon and returns
	// how many were removed. A no-op for stores with native TTL.
	CleanupExpired(ctx Context) (int64, error)
	Close() error
}

// ObjectStore is the S3-compatible blob port.
type ObjectStore interface {
	// Get refuses blobs whose declared size exceeds maxSize before reading
	// the body. maxSize <= 0 disables the check.
	Get(ctx Context, key string, maxSize int64) ([]byte, error)
	Put(ctx Context, key string, data []byte, contentType string) error
	// Head returns (nil, nil) when the object does not exist.
	Head(ctx Context, key string) (*ObjectInfo, error)
	// Append serializes read-modify-write cycles per key, passing the
	// current content (nil when absent) to fn and writing back its result.
	Append(ctx Context, key string, contentType string, fn func(existing []byte) []byte) error
}

// RecordDecoder streams records out of an Avro object container file.
type RecordDecoder interface {
	// Decode invokes fn once per record and returns how many records were
	// decoded. Schema-name mismatches surface as validation-kind errors,
	// undecodable containers as schema-kind errors.
	Decode(data []byte, rt RecordType, fn func(rec map[string]any) error) (int, error)
}

// Processor turns decoded records into a clinical narrative.
// Processors are pure: no I/O, no shared state, safe for concurrent use.
type Processor interface {
	Process(records []map[string]any, env ProcessingEnvelope, validation ValidationResult) ClinicalResult
}

// Validator scores decoded records before they reach a processor.
type Validator interface {
	Validate(records []map[string]any, rt RecordType) ValidationResult
}

// TrainingEmitter appends one training example per unique narrative to the
// monthly JSONL corpus. It returns false without writing when the narrative
// is empty, and true both on write and on content-hash dedup suppression.
type TrainingEmitter interface {
	Emit(ctx Context, narrative string, env ProcessingEnvelope, result ClinicalResult) (bool, error)
}

// RetryScheduler publishes a delayed redelivery of the envelope.
type RetryScheduler interface {
	ScheduleRetry(ctx Context, env ProcessingEnvelope, delay time.Duration) error
}

// ProcessorRegistry resolves the processor responsible for a record type.
type ProcessorRegistry interface {
	Resolve(rt RecordType) (Processor, error)
}

// Terminal outcome labels for messages_processed_total.
const (
	OutcomeCompleted    = "completed"
	OutcomeDuplicate    = "duplicate"
	OutcomeRetried      = "retried"
	OutcomeQuarantined  = "quarantined"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeAlerted      = "alerted"
	OutcomeFailed       = "failed"
	OutcomeShutdown     = "shutdown"
)

// Disposition is the terminal verdict for one delivery. Ack false means
// nack-without-requeue, which lets the broker dead-letter the message.
type Disposition struct {
	Ack        bool
	Status     string
	RecordType RecordType
	Err        error
}

// MessageHandler runs the processing state machine for one raw delivery
// body. It never panics and always returns a terminal disposition; the
// broker adapter only decides between ack and nack from it.
type MessageHandler interface {
	HandleMessage(ctx Context, body []byte, routingKey string) Disposition
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
