// Package app wires the worker's operational surface: the ops HTTP
// listener, readiness checks and the dedup retention sweeper.
package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/observability"
	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// statusReader is the slice of the dedup store the status endpoint needs.
type statusReader interface {
	Get(ctx domain.Context, key string) (domain.ProcessingRecord, error)
}

// statusResponse is the wire shape of one dedup-store row. The upload
// service polls this to answer "what happened to my file".
type statusResponse struct {
	IdempotencyKey        string     `json:"idempotency_key"`
	MessageID             string     `json:"message_id,omitempty"`
	CorrelationID         string     `json:"correlation_id,omitempty"`
	UserID                string     `json:"user_id,omitempty"`
	RecordType            string     `json:"record_type,omitempty"`
	ObjectKey             string     `json:"object_key,omitempty"`
	Status                string     `json:"status"`
	StartedAt             time.Time  `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	ProcessingTimeSeconds float64    `json:"processing_time_seconds,omitempty"`
	RecordsProcessed      int        `json:"records_processed,omitempty"`
	QualityScore          float64    `json:"quality_score,omitempty"`
	NarrativePreview      string     `json:"narrative_preview,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	ErrorKind             string     `json:"error_kind,omitempty"`
	ExpiresAt             time.Time  `json:"expires_at"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrStoreUninitialized):
		code = http.StatusServiceUnavailable
		codeStr = "STORE_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error()}})
}

// BuildOpsRouter constructs the ops HTTP handler: liveness, readiness,
// Prometheus metrics and per-key processing status. The listener is
// cluster-internal; there is no auth or CORS surface.
func BuildOpsRouter(store statusReader, checks []ReadinessCheck, statusRatePerMin int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) { promhttp.Handler().ServeHTTP(w, req) })
	r.Get("/readyz", ReadyzHandler(checks))

	// Status reads hit the dedup store; rate-limit them per client.
	r.Group(func(sr chi.Router) {
		if statusRatePerMin > 0 {
			sr.Use(httprate.LimitByIP(statusRatePerMin, 1*time.Minute))
		}
		sr.Get("/status/{idempotency_key}", statusHandler(store))
	})

	return otelhttp.NewHandler(r, "ops")
}

// statusHandler serves the dedup-store row for one idempotency key.
func statusHandler(store statusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key := chi.URLParam(req, "idempotency_key")
		if key == "" {
			writeError(w, domain.ErrInvalidArgument)
			return
		}
		rec, err := store.Get(req.Context(), key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{
			IdempotencyKey:        rec.IdempotencyKey,
			MessageID:             rec.MessageID,
			CorrelationID:         rec.CorrelationID,
			UserID:                rec.UserID,
			RecordType:            string(rec.RecordType),
			ObjectKey:             rec.ObjectKey,
			Status:                string(rec.Status),
			StartedAt:             rec.StartedAt,
			CompletedAt:           rec.CompletedAt,
			ProcessingTimeSeconds: rec.ProcessingTimeSeconds,
			RecordsProcessed:      rec.RecordsProcessed,
			QualityScore:          rec.QualityScore,
			NarrativePreview:      rec.NarrativePreview,
			ErrorMessage:          rec.ErrorMessage,
			ErrorKind:             string(rec.ErrorKind),
			ExpiresAt:             rec.ExpiresAt,
		})
	}
}
