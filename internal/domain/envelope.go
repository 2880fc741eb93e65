package domain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ProcessingEnvelope is the broker message pointing at one raw Avro blob
// in the object store. The wire field for ObjectKey is "key". MessageID
// is required but backfilled with a ULID before validation when the
// producer omitted it.
type ProcessingEnvelope struct {
	MessageID      string     `json:"message_id" validate:"required"`
	CorrelationID  string     `json:"correlation_id" validate:"required"`
	UserID         string     `json:"user_id" validate:"required"`
	RecordType     RecordType `json:"record_type" validate:"required"`
	Bucket         string     `json:"bucket" validate:"required"`
	ObjectKey      string     `json:"key" validate:"required"`
	ContentHash    string     `json:"content_hash,omitempty"`
	FileSizeBytes  int64      `json:"file_size_bytes,omitempty"`
	RecordCount    int        `json:"record_count,omitempty"`
	UploadedAtUTC  string     `json:"upload_timestamp_utc,omitempty"`
	Priority       int        `json:"priority,omitempty"`
	IdempotencyKey string     `json:"idempotency_key" validate:"required"`
	RetryCount     int        `json:"retry_count,omitempty"`
	RoutingKey     string     `json:"routing_key,omitempty"`
}

var (
	envValidator     *validator.Validate
	envValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	envValidatorOnce.Do(func() {
		envValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return envValidator
}

// ParseEnvelope decodes the wire JSON. Malformed bodies yield a
// validation-kind error; field requirements are checked by Validate so
// callers can backfill generated identifiers first.
func ParseEnvelope(body []byte) (ProcessingEnvelope, error) {
	var env ProcessingEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, Kindf(KindValidation, "parse envelope: %v", err)
	}
	return env, nil
}

// Validate enforces the required envelope fields. An envelope without an
// idempotency key can never be deduplicated, so it fails here rather than
// deeper in the pipeline.
func (e ProcessingEnvelope) Validate() error {
	if err := getValidator().Struct(e); err != nil {
		return WrapKind(KindValidation, fmt.Errorf("envelope: %w", err))
	}
	return nil
}

// Describe returns a compact identifier for logs.
func (e ProcessingEnvelope) Describe() string {
	return fmt.Sprintf("%s/%s key=%s", e.RecordType, e.MessageID, e.ObjectKey)
}

// UploadedAt parses the optional upload timestamp. ok is false when the
// field is empty or not RFC3339; callers fall back to their own clock.
func (e ProcessingEnvelope) UploadedAt() (time.Time, bool) {
	if e.UploadedAtUTC == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, e.UploadedAtUTC)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
