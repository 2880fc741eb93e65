package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Total number of messages that reached a terminal state",
		},
		[]string{"record_type", "status"},
	)
	MessagesInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "messages_in_progress",
			Help: "Number of messages currently being processed",
		},
	)
	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processing_duration_seconds",
			Help:    "End-to-end message processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"record_type"},
	)

	AvroRecordsParsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avro_records_parsed_total",
			Help: "Total number of Avro records decoded from containers",
		},
		[]string{"record_type"},
	)
	AvroParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avro_parse_errors_total",
			Help: "Total number of Avro containers that failed to decode",
		},
		[]string{"record_type", "kind"},
	)

	QualityScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quality_score",
			Help:    "Distribution of pre-processing data quality scores [0,1]",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"record_type"},
	)
	QuarantinedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarantined_total",
			Help: "Total number of blobs moved under the quarantine prefix",
		},
		[]string{"record_type", "reason"},
	)

	TrainingExamplesEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "training_examples_emitted_total",
			Help: "Total number of training examples appended to the corpus",
		},
		[]string{"record_type"},
	)
	TrainingExampleTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "training_example_tokens",
			Help:    "Token counts of emitted training examples",
			Buckets: []float64{64, 128, 256, 512, 1024, 2048, 4096},
		},
	)

	DuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplicates_total",
			Help: "Total number of redeliveries suppressed by the dedup store",
		},
		[]string{"record_type"},
	)
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_total",
			Help: "Total number of delayed retries scheduled",
		},
		[]string{"record_type", "attempt"},
	)
	DeadLetterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letter_total",
			Help: "Total number of messages routed to the dead letter queue",
		},
		[]string{"record_type", "reason"},
	)

	ConsumerStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consumer_status",
			Help: "1 when the consumer loop is running, 0 otherwise",
		},
	)
	BrokerStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_status",
			Help: "1 when the broker connection is healthy, 0 otherwise",
		},
	)
	StoreStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_status",
			Help: "1 when the dedup store is reachable, 0 otherwise",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(MessagesProcessedTotal)
	prometheus.MustRegister(MessagesInProgress)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(AvroRecordsParsedTotal)
	prometheus.MustRegister(AvroParseErrorsTotal)
	prometheus.MustRegister(QualityScore)
	prometheus.MustRegister(QuarantinedTotal)
	prometheus.MustRegister(TrainingExamplesEmittedTotal)
	prometheus.MustRegister(TrainingExampleTokens)
	prometheus.MustRegister(DuplicatesTotal)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(DeadLetterTotal)
	prometheus.MustRegister(ConsumerStatus)
	prometheus.MustRegister(BrokerStatus)
	prometheus.MustRegister(StoreStatus)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// RetryAttemptLabel renders the attempt label for retries_total.
func RetryAttemptLabel(attempt int) string { return strconv.Itoa(attempt) }

func StartMessage() {
	MessagesInProgress.Inc()
}

func FinishMessage(recordType, status string, seconds float64) {
	MessagesInProgress.Dec()
	MessagesProcessedTotal.WithLabelValues(recordType, status).Inc()
	ProcessingDuration.WithLabelValues(recordType).Observe(seconds)
}

// ObserveQuality records a validation quality score when it is in range.
func ObserveQuality(recordType string, score float64) {
	if score >= 0 && score <= 1 {
		QualityScore.WithLabelValues(recordType).Observe(score)
	}
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
