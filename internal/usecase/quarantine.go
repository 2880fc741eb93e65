package usecase

import (
	"encoding/json"
	"log/slog"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/observability"
	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
	"github.com/fairyhunter13/etl-narrative-engine/pkg/textx"
)

// quarantineMetadata is the sidecar JSON written next to a quarantined
// blob so operators can inspect failures without replaying them.
type quarantineMetadata struct {
	Kind          string `json:"kind"`
	Reason        string `json:"reason"`
	MessageID     string `json:"message_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	RecordType    string `json:"record_type,omitempty"`
	OriginalKey   string `json:"original_key"`
	QuarantinedAt string `json:"quarantined_at"`
	DetectedMIME  string `json:"detected_mime,omitempty"`
	SizeBytes     int64  `json:"size_bytes,omitempty"`
	RetryCount    int    `json:"retry_count"`
}

// quarantine copies the offending blob under
// <prefix>/<kind>/<timestamp>_<basename> and writes a metadata sidecar.
// Best effort: the blob may be unreadable (missing, oversized), in which
// case only the sidecar is written.
func (s *PipelineService) quarantine(ctx domain.Context, env domain.ProcessingEnvelope, kind domain.ErrorKind, cause error) {
	lg := observability.LoggerFromContext(ctx)
	if env.ObjectKey == "" {
		lg.Warn("quarantine skipped: envelope has no object key")
		return
	}
	now := time.Now().UTC()
	qkey := path.Join(s.opts.QuarantinePrefix, string(kind),
		now.Format("20060102T150405Z")+"_"+path.Base(env.ObjectKey))

	meta := quarantineMetadata{
		Kind:          string(kind),
		Reason:        textx.TruncateRunes(cause.Error(), maxErrorMessageRunes),
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		UserID:        env.UserID,
		RecordType:    string(env.RecordType),
		OriginalKey:   env.ObjectKey,
		QuarantinedAt: now.Format(time.RFC3339),
		RetryCount:    env.RetryCount,
	}

	data, err := s.Blobs.Get(ctx, env.ObjectKey, s.opts.MaxBlobBytes)
	if err != nil {
		lg.Warn("quarantine copy skipped: blob unreadable", slog.Any("error", err))
		if info, herr := s.Blobs.Head(ctx, env.ObjectKey); herr == nil && info != nil {
			meta.SizeBytes = info.Size
			meta.DetectedMIME = info.ContentType
		}
	} else {
		meta.SizeBytes = int64(len(data))
		meta.DetectedMIME = mimetype.Detect(data).String()
		if perr := s.Blobs.Put(ctx, qkey, data, "application/octet-stream"); perr != nil {
			lg.Error("quarantine copy failed", slog.Any("error", perr))
		}
	}

	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		lg.Error("quarantine metadata marshal failed", slog.Any("error", err))
		return
	}
	if err := s.Blobs.Put(ctx, qkey+".metadata.json", body, "application/json"); err != nil {
		lg.Error("quarantine metadata write failed", slog.Any("error", err))
		return
	}
	lg.Info("blob quarantined",
		slog.String("quarantine_key", qkey),
		slog.String("kind", string(kind)))
}
