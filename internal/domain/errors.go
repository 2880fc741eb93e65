package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorKind classifies a processing failure into the closed taxonomy that
// drives the consumer's retry/quarantine/dead-letter/alert decision.
type ErrorKind string

const (
	// KindNetwork covers connectivity failures against broker, store or
	// object storage.
	KindNetwork ErrorKind = "network"
	// KindRateLimit covers throttling responses from upstream services.
	KindRateLimit ErrorKind = "rate_limit"
	// KindResource covers memory or disk exhaustion.
	KindResource ErrorKind = "resource"
	// KindTimeout covers exceeded processing or I/O deadlines.
	KindTimeout ErrorKind = "timeout"
	// KindDataQuality marks blobs whose quality score fell below threshold.
	KindDataQuality ErrorKind = "data_quality"
	// KindValidation marks structurally invalid envelopes or payloads.
	KindValidation ErrorKind = "validation"
	// KindSchema marks undecodable or wrongly-typed Avro containers.
	KindSchema ErrorKind = "schema"
	// KindNotFound marks source blobs missing from the object store.
	KindNotFound ErrorKind = "not_found"
	// KindAuth marks credential failures; these page, they never retry.
	KindAuth ErrorKind = "auth"
	// KindProcessing marks processor bugs and everything unclassifiable.
	KindProcessing ErrorKind = "processing"
)

// Action is what the consumer does with a failed message.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionQuarantine Action = "quarantine"
	ActionDeadLetter Action = "dead_letter"
	ActionAlert      Action = "alert"
)

// KindError tags an error with an explicit kind. Adapters tag at the
// boundary where the failure mode is still known; Classify honors the
// innermost tag found while unwrapping.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

func (e *KindError) Unwrap() error { return e.Err }

// WrapKind tags err with kind. Returns nil when err is nil.
func WrapKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Kindf builds a tagged error from a format string.
func Kindf(kind ErrorKind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify maps an arbitrary error onto the kind taxonomy. Explicit tags
// win; then sentinels and stdlib types; message sniffing is the last
// resort. Unknown errors classify as processing so a misbehaving
// dependency dead-letters instead of retry-looping.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBlobTooLarge):
		return KindValidation
	case errors.Is(err, ErrInvalidArgument):
		return KindValidation
	case errors.Is(err, ErrUnknownRecordType), errors.Is(err, ErrEmptyNarrative):
		return KindProcessing
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		// Shutdown mid-flight; the message parks for a later replay.
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return classifyMessage(err.Error())
}

// classifyMessage handles errors that arrive untagged from third-party
// clients. Substring matching is crude but only runs after every typed
// route is exhausted.
func classifyMessage(msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "rate limit", "too many requests", "slow down", "throttl"):
		return KindRateLimit
	case containsAny(m, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(m, "connection refused", "connection reset", "broken pipe", "no such host", "network is unreachable", "unexpected eof"):
		return KindNetwork
	case containsAny(m, "access denied", "forbidden", "unauthorized", "invalid credentials", "signature does not match", "access key"):
		return KindAuth
	case containsAny(m, "not found", "no such key", "does not exist"):
		return KindNotFound
	case containsAny(m, "out of memory", "no space left", "disk full", "resource exhausted"):
		return KindResource
	case containsAny(m, "schema"):
		return KindSchema
	case containsAny(m, "validation", "invalid", "malformed"):
		return KindValidation
	default:
		return KindProcessing
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Retriable reports whether failures of this kind are transient.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindNetwork, KindRateLimit, KindResource, KindTimeout:
		return true
	}
	return false
}

// Quarantines reports whether failures of this kind move the source blob
// under the quarantine prefix for offline inspection.
func (k ErrorKind) Quarantines() bool {
	switch k {
	case KindDataQuality, KindValidation, KindSchema:
		return true
	}
	return false
}

// RetryPolicy holds the bounded delayed-retry schedule. Delays index by
// completed retry count and clamp to the last entry.
type RetryPolicy struct {
	MaxRetries int
	Delays     []time.Duration
}

// DefaultRetryPolicy returns the production schedule: three retries at
// 30s, 5m and 15m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Delays:     []time.Duration{30 * time.Second, 300 * time.Second, 900 * time.Second},
	}
}

// Delay returns the delay before retry number retryCount+1.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[retryCount]
}

// ActionFor maps a failure kind and the envelope's completed retry count
// onto the consumer action. Retriable kinds retry until the budget is
// spent and then dead-letter.
func (p RetryPolicy) ActionFor(kind ErrorKind, retryCount int) Action {
	switch {
	case kind == KindAuth:
		return ActionAlert
	case kind.Quarantines():
		return ActionQuarantine
	case kind.Retriable():
		if retryCount < p.MaxRetries {
			return ActionRetry
		}
		return ActionDeadLetter
	default:
		return ActionDeadLetter
	}
}
