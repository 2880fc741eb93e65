// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/observability"
	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
	"github.com/fairyhunter13/etl-narrative-engine/pkg/textx"
)

// maxErrorMessageRunes bounds what gets persisted into dedup-store rows
// and quarantine sidecars.
const maxErrorMessageRunes = 500

// ladderTimeout caps failure bookkeeping (store writes, retry publish,
// quarantine copy) once the message itself has failed.
const ladderTimeout = 30 * time.Second

// PipelineOptions tunes the processing pipeline.
type PipelineOptions struct {
	Policy           domain.RetryPolicy
	QualityThreshold float64
	MaxBlobBytes     int64
	QuarantinePrefix string
	// Bucket is the bucket this consumer serves. Envelopes naming a
	// different one are quarantined; the blob they point at is not
	// reachable through the configured object store. Empty disables
	// the check.
	Bucket string
}

// PipelineService turns one broker envelope into at most one training
// example: fetch the raw blob, decode, validate, narrate, emit, and
// record the outcome in the dedup store. Every path ends in a terminal
// Disposition; the broker adapter never sees an error.
type PipelineService struct {
	Store      domain.DedupStore
	Blobs      domain.ObjectStore
	Decoder    domain.RecordDecoder
	Processors domain.ProcessorRegistry
	Validator  domain.Validator
	Emitter    domain.TrainingEmitter
	Scheduler  domain.RetryScheduler

	opts PipelineOptions
}

var _ domain.MessageHandler = (*PipelineService)(nil)

// NewPipelineService constructs the pipeline with its ports.
func NewPipelineService(
	store domain.DedupStore,
	blobs domain.ObjectStore,
	decoder domain.RecordDecoder,
	processors domain.ProcessorRegistry,
	validator domain.Validator,
	emitter domain.TrainingEmitter,
	scheduler domain.RetryScheduler,
	opts PipelineOptions,
) *PipelineService {
	if len(opts.Policy.Delays) == 0 {
		opts.Policy = domain.DefaultRetryPolicy()
	}
	if opts.QuarantinePrefix == "" {
		opts.QuarantinePrefix = "quarantine"
	}
	return &PipelineService{
		Store:      store,
		Blobs:      blobs,
		Decoder:    decoder,
		Processors: processors,
		Validator:  validator,
		Emitter:    emitter,
		Scheduler:  scheduler,
		opts:       opts,
	}
}

// HandleMessage runs the full state machine for one delivery body.
func (s *PipelineService) HandleMessage(ctx domain.Context, body []byte, routingKey string) domain.Disposition {
	tracer := otel.Tracer("usecase.pipeline")
	ctx, span := tracer.Start(ctx, "ProcessEnvelope")
	defer span.End()

	env, err := domain.ParseEnvelope(body)
	if env.MessageID == "" {
		env.MessageID = ulid.Make().String()
	}
	if env.RoutingKey == "" {
		env.RoutingKey = routingKey
	}
	if err == nil {
		err = env.Validate()
	}
	if err == nil && s.opts.Bucket != "" && env.Bucket != s.opts.Bucket {
		err = domain.Kindf(domain.KindValidation, "bucket %q is not served by this consumer (serving %q)", env.Bucket, s.opts.Bucket)
	}

	if env.CorrelationID != "" {
		ctx = observability.ContextWithCorrelationID(ctx, env.CorrelationID)
	}
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("message_id", env.MessageID),
		slog.String("record_type", string(env.RecordType)),
		slog.String("object_key", env.ObjectKey),
	)
	if env.CorrelationID != "" {
		lg = lg.With(slog.String("correlation_id", env.CorrelationID))
	}
	ctx = observability.ContextWithLogger(ctx, lg)

	span.SetAttributes(
		attribute.String("message_id", env.MessageID),
		attribute.String("record_type", string(env.RecordType)),
		attribute.Int("retry_count", env.RetryCount),
	)

	if err != nil {
		return s.fail(ctx, env, false, fmt.Errorf("op=pipeline.envelope: %w", err))
	}

	lg.Info("message received",
		slog.String("user_id", env.UserID),
		slog.Int("retry_count", env.RetryCount))

	seen, err := s.Store.IsAlreadyProcessed(ctx, env.IdempotencyKey)
	if err != nil {
		return s.fail(ctx, env, false, fmt.Errorf("op=pipeline.dedup: %w", err))
	}
	if seen {
		return s.duplicate(ctx, env)
	}
	if err := s.Store.MarkStarted(ctx, env, env.IdempotencyKey); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost the race to a concurrent delivery of the same key.
			return s.duplicate(ctx, env)
		}
		return s.fail(ctx, env, false, fmt.Errorf("op=pipeline.claim: %w", err))
	}

	if err := s.run(ctx, env); err != nil {
		return s.fail(ctx, env, true, err)
	}
	return domain.Disposition{Ack: true, Status: domain.OutcomeCompleted, RecordType: env.RecordType}
}

func (s *PipelineService) duplicate(ctx domain.Context, env domain.ProcessingEnvelope) domain.Disposition {
	observability.DuplicatesTotal.WithLabelValues(recordTypeLabel(env)).Inc()
	observability.LoggerFromContext(ctx).Info("duplicate suppressed",
		slog.String("idempotency_key", env.IdempotencyKey))
	return domain.Disposition{Ack: true, Status: domain.OutcomeDuplicate, RecordType: env.RecordType}
}

// run executes the happy path once the key is claimed. Any error falls
// through to the failure ladder.
func (s *PipelineService) run(ctx domain.Context, env domain.ProcessingEnvelope) error {
	lg := observability.LoggerFromContext(ctx)
	started := time.Now()

	data, err := s.Blobs.Get(ctx, env.ObjectKey, s.opts.MaxBlobBytes)
	if err != nil {
		return fmt.Errorf("op=pipeline.fetch: %w", err)
	}

	records := make([]map[string]any, 0, env.RecordCount)
	n, err := s.Decoder.Decode(data, env.RecordType, func(rec map[string]any) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		observability.AvroParseErrorsTotal.WithLabelValues(string(env.RecordType), string(domain.Classify(err))).Inc()
		return fmt.Errorf("op=pipeline.decode: %w", err)
	}
	observability.AvroRecordsParsedTotal.WithLabelValues(string(env.RecordType)).Add(float64(n))
	if n == 0 {
		return domain.Kindf(domain.KindProcessing, "op=pipeline.decode: container %s holds zero records", env.ObjectKey)
	}

	validation := s.Validator.Validate(records, env.RecordType)
	observability.ObserveQuality(string(env.RecordType), validation.QualityScore)
	if !validation.IsValid || validation.QualityScore < s.opts.QualityThreshold {
		return domain.Kindf(domain.KindDataQuality,
			"op=pipeline.validate: quality %.2f below threshold %.2f (valid=%t): %s",
			validation.QualityScore, s.opts.QualityThreshold, validation.IsValid,
			strings.Join(validation.Issues, "; "))
	}

	proc, err := s.Processors.Resolve(env.RecordType)
	if err != nil {
		return fmt.Errorf("op=pipeline.route: %w", err)
	}
	result := proc.Process(records, env, validation)
	if !result.Success {
		return domain.Kindf(domain.KindProcessing, "op=pipeline.process: %s", result.ErrorMessage)
	}

	emitted, err := s.Emitter.Emit(ctx, result.Narrative, env, result)
	if err != nil {
		return fmt.Errorf("op=pipeline.emit: %w", err)
	}
	if !emitted {
		return domain.WrapKind(domain.KindProcessing, fmt.Errorf("op=pipeline.emit: %w", domain.ErrEmptyNarrative))
	}

	if err := s.Store.MarkCompleted(ctx, env.IdempotencyKey, time.Since(started), result.RecordsProcessed, result.Narrative, result.QualityScore); err != nil {
		return fmt.Errorf("op=pipeline.complete: %w", err)
	}

	lg.Info("message completed",
		slog.Int("records", result.RecordsProcessed),
		slog.Float64("quality_score", validation.QualityScore),
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

// fail maps a pipeline error onto the retry/quarantine/dead-letter/alert
// ladder and returns the terminal disposition.
func (s *PipelineService) fail(ctx domain.Context, env domain.ProcessingEnvelope, claimed bool, err error) domain.Disposition {
	lg := observability.LoggerFromContext(ctx)
	kind := domain.Classify(err)
	rt := recordTypeLabel(env)

	shutdown := errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled

	// Bookkeeping runs detached from the message context: the deadline or
	// cancellation may be exactly what failed.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ladderTimeout)
	defer cancel()

	if shutdown {
		s.markFailed(fctx, env, claimed, "shutdown", kind)
		observability.DeadLetterTotal.WithLabelValues(rt, domain.OutcomeShutdown).Inc()
		lg.Warn("message interrupted by shutdown", slog.Any("error", err))
		return domain.Disposition{Ack: false, Status: domain.OutcomeShutdown, RecordType: env.RecordType, Err: err}
	}

	action := s.opts.Policy.ActionFor(kind, env.RetryCount)
	lg.Warn("message failed",
		slog.String("kind", string(kind)),
		slog.String("action", string(action)),
		slog.Int("retry_count", env.RetryCount),
		slog.Any("error", err))

	switch action {
	case domain.ActionRetry:
		return s.retry(fctx, env, claimed, kind, err)

	case domain.ActionQuarantine:
		s.quarantine(fctx, env, kind, err)
		s.markFailed(fctx, env, claimed, err.Error(), kind)
		observability.QuarantinedTotal.WithLabelValues(rt, string(kind)).Inc()
		return domain.Disposition{Ack: true, Status: domain.OutcomeQuarantined, RecordType: env.RecordType, Err: err}

	case domain.ActionAlert:
		s.markFailed(fctx, env, claimed, err.Error(), kind)
		observability.DeadLetterTotal.WithLabelValues(rt, string(kind)).Inc()
		lg.Error("credential failure needs operator attention",
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return domain.Disposition{Ack: false, Status: domain.OutcomeAlerted, RecordType: env.RecordType, Err: err}

	default:
		s.markFailed(fctx, env, claimed, err.Error(), kind)
		observability.DeadLetterTotal.WithLabelValues(rt, string(kind)).Inc()
		return domain.Disposition{Ack: false, Status: domain.OutcomeDeadLettered, RecordType: env.RecordType, Err: err}
	}
}

// retry schedules a delayed redelivery and releases the claimed key so
// the redelivery is not suppressed as a duplicate. When scheduling
// itself fails, the message is consumed with a failed row instead of
// hot-looping against a broken broker path.
func (s *PipelineService) retry(ctx domain.Context, env domain.ProcessingEnvelope, claimed bool, kind domain.ErrorKind, cause error) domain.Disposition {
	lg := observability.LoggerFromContext(ctx)
	delay := s.opts.Policy.Delay(env.RetryCount)

	if err := s.Scheduler.ScheduleRetry(ctx, env, delay); err != nil {
		lg.Error("retry scheduling failed; consuming message with failed row", slog.Any("error", err))
		// The row records the scheduler breakage, not the fault that
		// asked for the retry; the cause survives in the message text.
		s.markFailed(ctx, env, claimed, fmt.Sprintf("retry scheduling failed: %v (cause: %v)", err, cause), domain.Classify(err))
		return domain.Disposition{Ack: true, Status: domain.OutcomeFailed, RecordType: env.RecordType, Err: err}
	}
	if claimed {
		if err := s.Store.Clear(ctx, env.IdempotencyKey); err != nil {
			lg.Error("clear for retry failed; redelivery will be suppressed as duplicate", slog.Any("error", err))
		}
	}
	observability.RetriesTotal.WithLabelValues(recordTypeLabel(env), observability.RetryAttemptLabel(env.RetryCount+1)).Inc()
	lg.Warn("retry scheduled",
		slog.Int("attempt", env.RetryCount+1),
		slog.Duration("delay", delay),
		slog.String("kind", string(kind)))
	return domain.Disposition{Ack: true, Status: domain.OutcomeRetried, RecordType: env.RecordType, Err: cause}
}

// markFailed records a terminal failure row, claiming the key first when
// the failure happened before mark_started. Best effort: bookkeeping
// failures are logged, never escalated.
func (s *PipelineService) markFailed(ctx domain.Context, env domain.ProcessingEnvelope, claimed bool, msg string, kind domain.ErrorKind) {
	if env.IdempotencyKey == "" {
		return
	}
	lg := observability.LoggerFromContext(ctx)
	if !claimed {
		err := s.Store.MarkStarted(ctx, env, env.IdempotencyKey)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrConflict):
			// Another execution owns the row; leave it alone.
			return
		default:
			lg.Warn("failure bookkeeping skipped", slog.Any("error", err))
			return
		}
	}
	if err := s.Store.MarkFailed(ctx, env.IdempotencyKey, textx.TruncateRunes(msg, maxErrorMessageRunes), kind); err != nil {
		lg.Warn("mark failed errored", slog.Any("error", err))
	}
}

func recordTypeLabel(env domain.ProcessingEnvelope) string {
	if env.RecordType == "" {
		return "unknown"
	}
	return string(env.RecordType)
}
