package clinical

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

type hrvSample struct {
	rmssd float64
	at    time.Time
}

// HRVProcessor summarizes HeartRateVariabilityRmssdRecord containers.
type HRVProcessor struct{}

func NewHRVProcessor() *HRVProcessor { return &HRVProcessor{} }

func (p *HRVProcessor) Process(records []map[string]any, env domain.ProcessingEnvelope, validation domain.ValidationResult) domain.ClinicalResult {
	return runProcessor(env, records, validation, func() (string, map[string]any) {
		samples := extractHRVSamples(records)
		a := analyzeHRV(samples)
		return renderHRV(a), hrvInsights(a)
	})
}

func extractHRVSamples(records []map[string]any) []hrvSample {
	out := make([]hrvSample, 0, len(records))
	for _, rec := range records {
		raw, ok := field(rec, "heart_rate_variability_millis", "rmssd_millis", "rmssd", "variability_millis", "value")
		if !ok {
			continue
		}
		v, ok := asFloat(raw)
		if !ok || v < 0 {
			continue
		}
		at, ok := timeField(rec, "time", "timestamp", "start_time")
		if !ok {
			continue
		}
		out = append(out, hrvSample{rmssd: v, at: at})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

// classifyHRV maps RMSSD milliseconds onto a recovery band.
func classifyHRV(ms float64) string {
	switch {
	case ms < 20:
		return "very_low"
	case ms < 40:
		return "low"
	case ms < 60:
		return "average"
	case ms < 80:
		return "good"
	default:
		return "excellent"
	}
}

type hrvAnalysis struct {
	count       int
	mean        float64
	min         float64
	max         float64
	band        string
	bandCounts  map[string]int
	trend       string
	trendChange float64
}

func analyzeHRV(samples []hrvSample) hrvAnalysis {
	a := hrvAnalysis{count: len(samples), bandCounts: make(map[string]int)}
	if len(samples) == 0 {
		return a
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.rmssd
		a.bandCounts[classifyHRV(s.rmssd)]++
	}
	a.mean = mean(values)
	a.min, a.max = minMax(values)
	a.band = classifyHRV(a.mean)

	// Rising RMSSD signals better autonomic recovery, the inverse of the
	// glucose trend convention.
	if len(samples) >= 7 {
		half := len(samples) / 2
		first := mean(values[:half])
		second := mean(values[half:])
		if first > 0 {
			change := (second - first) / first * 100
			a.trendChange = change
			switch {
			case change > 5:
				a.trend = "improving"
			case change < -5:
				a.trend = "declining"
			default:
				a.trend = "stable"
			}
		}
	}
	return a
}

func renderHRV(a hrvAnalysis) string {
	if a.count == 0 {
		return "No usable heart rate variability samples were found in this upload, so no recovery assessment is possible."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Heart rate variability across %d RMSSD samples averaged %.1f ms (range %.1f to %.1f ms), a %s level for this window.",
		a.count, a.mean, a.min, a.max, strings.ReplaceAll(a.band, "_", " "))
	if a.trend != "" {
		fmt.Fprintf(&b, " Variability was %s over the period (%+.1f%% between halves).", a.trend, a.trendChange)
	}
	if n := a.bandCounts["very_low"]; n > 0 {
		fmt.Fprintf(&b, " %d sample(s) fell below 20 ms.", n)
	}
	return b.String()
}

func hrvInsights(a hrvAnalysis) map[string]any {
	insights := map[string]any{
		"sample_count":  a.count,
		"mean_rmssd_ms": round1(a.mean),
		"min_rmssd_ms":  a.min,
		"max_rmssd_ms":  a.max,
		"hrv_level":     a.band,
	}
	if a.trend != "" {
		insights["trend"] = a.trend
		insights["trend_change_percent"] = round1(a.trendChange)
	}
	return insights
}
