package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestClassifyTaggedErrors(t *testing.T) {
	for _, kind := range []ErrorKind{
		KindNetwork, KindRateLimit, KindResource, KindTimeout,
		KindDataQuality, KindValidation, KindSchema,
		KindNotFound, KindAuth, KindProcessing,
	} {
		t.Run(string(kind), func(t *testing.T) {
			err := Kindf(kind, "boom")
			if got := Classify(err); got != kind {
				t.Errorf("Expected %q, got %q", kind, got)
			}
			// Tag survives additional wrapping.
			wrapped := fmt.Errorf("op=consumer.handle: %w", err)
			if got := Classify(wrapped); got != kind {
				t.Errorf("Expected %q through wrap, got %q", kind, got)
			}
		})
	}
}

func TestClassifySentinelsAndStdlib(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"not found sentinel", ErrNotFound, KindNotFound},
		{"blob too large", ErrBlobTooLarge, KindValidation},
		{"invalid argument", ErrInvalidArgument, KindValidation},
		{"unknown record type", ErrUnknownRecordType, KindProcessing},
		{"empty narrative", ErrEmptyNarrative, KindProcessing},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindNetwork},
		{"wrapped sentinel", fmt.Errorf("op=blob.get: %w", ErrNotFound), KindNotFound},
		{"net timeout", &net.DNSError{Err: "lookup", IsTimeout: true}, KindTimeout},
		{"net error", &net.DNSError{Err: "lookup"}, KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestClassifyMessageSniffing(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		expected ErrorKind
	}{
		{"rate limit", "upstream said: Too Many Requests", KindRateLimit},
		{"slowdown", "S3 SlowDown please reduce request rate", KindRateLimit},
		{"timeout", "i/o timeout while reading body", KindTimeout},
		{"refused", "dial tcp 10.0.0.4:5672: connection refused", KindNetwork},
		{"reset", "read: connection reset by peer", KindNetwork},
		{"auth", "AccessDenied: insufficient permissions", KindAuth},
		{"signature", "SignatureDoesNotMatch: signature does not match", KindAuth},
		{"missing", "NoSuchKey: the specified key does not exist", KindNotFound},
		{"resource", "cannot allocate: out of memory", KindResource},
		{"schema", "avro: unresolvable schema reference", KindSchema},
		{"validation", "malformed payload field", KindValidation},
		{"unknown", "something inexplicable happened", KindProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(errors.New(tt.msg)); got != tt.expected {
				t.Errorf("Expected %q for %q, got %q", tt.expected, tt.msg, got)
			}
		})
	}
}

func TestKindErrorUnwrap(t *testing.T) {
	base := ErrNotFound
	err := WrapKind(KindNotFound, fmt.Errorf("op=blob.get: %w", base))
	if !errors.Is(err, base) {
		t.Error("Expected errors.Is to reach the wrapped sentinel")
	}
	var ke *KindError
	if !errors.As(err, &ke) {
		t.Fatal("Expected errors.As to find KindError")
	}
	if ke.Kind != KindNotFound {
		t.Errorf("Expected kind not_found, got %q", ke.Kind)
	}
	if WrapKind(KindNetwork, nil) != nil {
		t.Error("Expected WrapKind(nil) to be nil")
	}
}

func TestErrorKindRetriable(t *testing.T) {
	retriable := map[ErrorKind]bool{
		KindNetwork:     true,
		KindRateLimit:   true,
		KindResource:    true,
		KindTimeout:     true,
		KindDataQuality: false,
		KindValidation:  false,
		KindSchema:      false,
		KindNotFound:    false,
		KindAuth:        false,
		KindProcessing:  false,
	}
	for kind, expected := range retriable {
		if got := kind.Retriable(); got != expected {
			t.Errorf("Expected %s.Retriable() = %v, got %v", kind, expected, got)
		}
	}
}

func TestErrorKindQuarantines(t *testing.T) {
	quarantines := map[ErrorKind]bool{
		KindDataQuality: true,
		KindValidation:  true,
		KindSchema:      true,
		KindNetwork:     false,
		KindRateLimit:   false,
		KindResource:    false,
		KindTimeout:     false,
		KindNotFound:    false,
		KindAuth:        false,
		KindProcessing:  false,
	}
	for kind, expected := range quarantines {
		if got := kind.Quarantines(); got != expected {
			t.Errorf("Expected %s.Quarantines() = %v, got %v", kind, expected, got)
		}
	}
}

func TestQuarantineAndRetryAreDisjoint(t *testing.T) {
	kinds := []ErrorKind{
		KindNetwork, KindRateLimit, KindResource, KindTimeout,
		KindDataQuality, KindValidation, KindSchema,
		KindNotFound, KindAuth, KindProcessing,
	}
	for _, kind := range kinds {
		if kind.Quarantines() && kind.Retriable() {
			t.Errorf("Kind %s both quarantines and retries; a quarantined blob must never re-enter the queue", kind)
		}
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		name       string
		retryCount int
		expected   time.Duration
	}{
		{"first retry", 0, 30 * time.Second},
		{"second retry", 1, 300 * time.Second},
		{"third retry", 2, 900 * time.Second},
		{"beyond schedule clamps", 7, 900 * time.Second},
		{"negative clamps to first", -1, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.retryCount); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}

	empty := RetryPolicy{MaxRetries: 3}
	if got := empty.Delay(0); got != 0 {
		t.Errorf("Expected zero delay for empty schedule, got %v", got)
	}
}

func TestRetryPolicyActionFor(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		name       string
		kind       ErrorKind
		retryCount int
		expected   Action
	}{
		{"network first attempt", KindNetwork, 0, ActionRetry},
		{"network mid budget", KindTimeout, 2, ActionRetry},
		{"network exhausted", KindNetwork, 3, ActionDeadLetter},
		{"rate limit exhausted", KindRateLimit, 5, ActionDeadLetter},
		{"data quality", KindDataQuality, 0, ActionQuarantine},
		{"validation", KindValidation, 0, ActionQuarantine},
		{"schema", KindSchema, 2, ActionQuarantine},
		{"not found", KindNotFound, 0, ActionDeadLetter},
		{"processing", KindProcessing, 0, ActionDeadLetter},
		{"auth alerts immediately", KindAuth, 0, ActionAlert},
		{"auth alerts even exhausted", KindAuth, 9, ActionAlert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ActionFor(tt.kind, tt.retryCount); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}
