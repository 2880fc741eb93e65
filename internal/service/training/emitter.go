// Package training appends fine-tuning examples to the monthly JSONL corpus.
//
// Every successful narrative becomes one instruction/input/output line,
// routed into a per-health-domain monthly file. A content hash over the
// narrative and its source object key suppresses re-emission when the same
// blob is processed again, independently of message-level idempotency.
package training

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/observability"
	"github.com/fairyhunter13/etl-narrative-engine/internal/config"
	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

const (
	// hashKeyPrefix namespaces content hashes inside the dedup store so they
	// never collide with message idempotency keys.
	hashKeyPrefix = "training:"

	corpusContentType = "application/jsonl"

	defaultCorpusPrefix = "training"
)

// Options configures corpus emission.
type Options struct {
	// Prefix is the object-key prefix the corpus lives under.
	Prefix string
	// IncludeMetadata attaches the provenance block to each example.
	IncludeMetadata bool
	// IncludeInsights embeds processor insights inside the metadata block.
	IncludeInsights bool
	// CountTokens enables tokenizer-based accounting per example.
	CountTokens bool
	// TokenEncoding names the tiktoken encoding used when CountTokens is set.
	TokenEncoding string
	// Templates overrides the compiled-in instruction/input templates,
	// keyed by record type name.
	Templates map[string]config.TrainingTemplate
}

// Emitter implements domain.TrainingEmitter over an object store and the
// shared dedup store.
type Emitter struct {
	store     domain.DedupStore
	blobs     domain.ObjectStore
	templates map[domain.RecordType]template
	prefix    string

	includeMetadata bool
	includeInsights bool
	counter         *tokenCounter

	now func() time.Time
}

// NewEmitter wires an emitter. The token counter is only constructed when
// accounting is enabled so disabled deployments never touch tiktoken.
func NewEmitter(store domain.DedupStore, blobs domain.ObjectStore, opts Options) *Emitter {
	e := &Emitter{
		store:           store,
		blobs:           blobs,
		templates:       mergeTemplates(opts.Templates),
		prefix:          opts.Prefix,
		includeMetadata: opts.IncludeMetadata,
		includeInsights: opts.IncludeInsights,
		now:             time.Now,
	}
	if e.prefix == "" {
		e.prefix = defaultCorpusPrefix
	}
	if opts.CountTokens {
		e.counter = newTokenCounter(opts.TokenEncoding)
	}
	return e
}

// Emit appends one training example for the narrative. It returns false
// without writing when the narrative is empty, and true both when a line was
// appended and when the content hash shows this narrative/source pair was
// already emitted.
func (e *Emitter) Emit(ctx domain.Context, narrative string, env domain.ProcessingEnvelope, result domain.ClinicalResult) (bool, error) {
	tracer := otel.Tracer("service.training")
	ctx, span := tracer.Start(ctx, "training.Emit")
	defer span.End()

	if strings.TrimSpace(narrative) == "" {
		return false, nil
	}

	hashKey := hashKeyPrefix + contentHash(narrative, env.ObjectKey)
	seen, err := e.store.IsAlreadyProcessed(ctx, hashKey)
	if err != nil {
		return false, fmt.Errorf("op=training.emit: %w", err)
	}
	if seen {
		slog.Debug("training example already in corpus",
			slog.String("record_type", string(env.RecordType)),
			slog.String("source_key", env.ObjectKey))
		return true, nil
	}

	line, tokens, err := e.composeLine(narrative, env, result)
	if err != nil {
		return false, fmt.Errorf("op=training.emit: %w", err)
	}

	key := e.corpusKey(env)
	err = e.blobs.Append(ctx, key, corpusContentType, func(existing []byte) []byte {
		return append(existing, line...)
	})
	if err != nil {
		return false, fmt.Errorf("op=training.emit: %w", err)
	}

	// The hash row lands after the append. Losing it only costs one future
	// suppression miss; the line itself is already durable.
	if err := e.store.MarkStarted(ctx, env, hashKey); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Warn("training content hash not recorded",
			slog.String("object_key", key),
			slog.Any("error", err))
	}

	observability.TrainingExamplesEmittedTotal.WithLabelValues(string(env.RecordType)).Inc()
	if tokens > 0 {
		observability.TrainingExampleTokens.Observe(float64(tokens))
	}
	slog.Info("training example appended",
		slog.String("object_key", key),
		slog.String("record_type", string(env.RecordType)),
		slog.Int("tokens", tokens))
	return true, nil
}

// composeLine renders the example as a single JSON line with a trailing
// newline. tokens is zero when accounting is disabled.
func (e *Emitter) composeLine(narrative string, env domain.ProcessingEnvelope, result domain.ClinicalResult) ([]byte, int, error) {
	tpl := e.templateFor(env.RecordType)
	instruction, input := tpl.render(result.RecordsProcessed)

	example := domain.TrainingExample{
		Instruction: instruction,
		Input:       input,
		Output:      narrative,
	}

	tokens := 0
	if e.counter != nil {
		tokens = e.counter.Count(instruction + "\n" + input + "\n" + narrative)
	}

	if e.includeMetadata {
		hd, _ := env.RecordType.Domain()
		md := &domain.TrainingMetadata{
			RecordType:          string(env.RecordType),
			HealthDomain:        string(hd),
			UserID:              env.UserID,
			CorrelationID:       env.CorrelationID,
			SourceObjectKey:     env.ObjectKey,
			ProcessingTimestamp: e.now().UTC(),
			QualityScore:        result.QualityScore,
			RecordCount:         result.RecordsProcessed,
			TokenCount:          tokens,
		}
		if e.includeInsights {
			md.ClinicalInsights = result.ClinicalInsights
		}
		example.Metadata = md
	}

	line, err := json.Marshal(example)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal example: %w", err)
	}
	return append(line, '\n'), tokens, nil
}

func (e *Emitter) templateFor(rt domain.RecordType) template {
	if tpl, ok := e.templates[rt]; ok && tpl.instruction != "" {
		return tpl
	}
	return genericTemplate
}

// corpusKey routes the example to its monthly domain partition. The month
// comes from the envelope's upload timestamp so redeliveries land in the
// file their upload targeted, falling back to the current time.
func (e *Emitter) corpusKey(env domain.ProcessingEnvelope) string {
	hd, _ := env.RecordType.Domain()
	ts, ok := env.UploadedAt()
	if !ok {
		ts = e.now().UTC()
	}
	return fmt.Sprintf("%s/%s/%04d/%02d/health_journal_%04d_%02d.jsonl",
		e.prefix, hd, ts.Year(), int(ts.Month()), ts.Year(), int(ts.Month()))
}

// contentHash keys training-level dedup: the same narrative emitted for the
// same source blob writes at most one corpus line.
func contentHash(narrative, objectKey string) string {
	sum := sha256.Sum256([]byte(narrative + "::" + objectKey))
	return hex.EncodeToString(sum[:])
}
