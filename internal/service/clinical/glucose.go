package clinical

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

type glucoseReading struct {
	value  float64
	at     time.Time
	hour   int
	meal   string
	source string
}

// GlucoseProcessor summarizes BloodGlucoseRecord containers.
type GlucoseProcessor struct{}

func NewGlucoseProcessor() *GlucoseProcessor { return &GlucoseProcessor{} }

func (p *GlucoseProcessor) Process(records []map[string]any, env domain.ProcessingEnvelope, validation domain.ValidationResult) domain.ClinicalResult {
	return runProcessor(env, records, validation, func() (string, map[string]any) {
		readings := extractGlucoseReadings(records)
		a := analyzeGlucose(readings)
		return renderGlucose(a), glucoseInsights(a)
	})
}

func extractGlucoseReadings(records []map[string]any) []glucoseReading {
	out := make([]glucoseReading, 0, len(records))
	for _, rec := range records {
		raw, ok := field(rec, "value_mg_dL", "level_mg_dL", "level", "value")
		if !ok {
			continue
		}
		value, ok := asFloat(raw)
		if !ok {
			continue
		}
		at, ok := timeField(rec, "timestamp", "time", "start_time")
		if !ok {
			continue
		}
		r := glucoseReading{value: value, at: at, hour: localHour(at, zoneFor(rec))}
		if v, ok := field(rec, "meal_relation", "relation_to_meal"); ok {
			r.meal, _ = asString(v)
		}
		if v, ok := field(rec, "specimen_source"); ok {
			r.source, _ = asString(v)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

// classifyGlucose maps mg/dL onto (category, severity).
func classifyGlucose(v float64) (string, string) {
	switch {
	case v < 54:
		return "severe_hypoglycemia", "critical"
	case v < 70:
		return "hypoglycemia", "warning"
	case v <= 100:
		return "normal_fasting", "normal"
	case v <= 140:
		return "normal_general", "normal"
	case v <= 180:
		return "hyperglycemia", "warning"
	default:
		return "severe_hyperglycemia", "critical"
	}
}

type glucoseAnalysis struct {
	count       int
	mean        float64
	sd          float64
	cv          float64
	min         float64
	max         float64
	tir         float64
	tbr         float64
	tar         float64
	hypoEvents  int
	hyperEvents int
	fasting     []float64
	postMeal    []float64
	overnight   []float64
	trend       string
	trendChange float64
	control     string
}

func analyzeGlucose(rs []glucoseReading) glucoseAnalysis {
	a := glucoseAnalysis{count: len(rs)}
	values := make([]float64, len(rs))
	inRange, below, above := 0, 0, 0
	for i, r := range rs {
		values[i] = r.value
		switch {
		case r.value < 70:
			below++
		case r.value > 180:
			above++
		default:
			inRange++
		}
		switch cat, _ := classifyGlucose(r.value); cat {
		case "severe_hypoglycemia", "hypoglycemia":
			a.hypoEvents++
		case "severe_hyperglycemia", "hyperglycemia":
			a.hyperEvents++
		}
		if r.hour >= 6 && r.hour < 10 {
			a.fasting = append(a.fasting, r.value)
		}
		if r.meal == "AFTER_MEAL" || r.meal == "POSTPRANDIAL" {
			a.postMeal = append(a.postMeal, r.value)
		}
		if r.hour >= 22 || r.hour < 6 {
			a.overnight = append(a.overnight, r.value)
		}
	}

	a.mean = mean(values)
	a.sd = stddev(values)
	a.cv = coefficientOfVariation(values)
	a.min, a.max = minMax(values)
	a.tir = pct(inRange, len(rs))
	a.tbr = pct(below, len(rs))
	a.tar = pct(above, len(rs))

	if len(rs) >= 5 {
		half := len(rs) / 2
		first := mean(values[:half])
		second := mean(values[half:])
		if first > 0 {
			change := (second - first) / first * 100
			a.trendChange = change
			switch {
			case change < -5:
				a.trend = "improving"
			case change > 5:
				a.trend = "worsening"
			default:
				a.trend = "stable"
			}
		}
	}

	switch {
	case len(rs) < 2:
		a.control = "insufficient_data"
	case a.cv < 36 && a.tir >= 70:
		a.control = "excellent"
	case a.cv < 36 && a.tir >= 50:
		a.control = "good"
	case a.tir >= 50:
		a.control = "fair"
	default:
		a.control = "poor"
	}
	return a
}

func renderGlucose(a glucoseAnalysis) string {
	if a.count == 0 {
		return "No usable blood glucose readings were found in this upload, so no glycemic assessment is possible."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Blood glucose across %d readings averaged %.1f mg/dL (SD %.1f, CV %.1f%%), ranging %.0f to %.0f mg/dL.",
		a.count, a.mean, a.sd, a.cv, a.min, a.max)
	fmt.Fprintf(&b, " Time in range (70-180 mg/dL) was %.1f%%, with %.1f%% below and %.1f%% above range.",
		a.tir, a.tbr, a.tar)
	if a.hypoEvents > 0 || a.hyperEvents > 0 {
		fmt.Fprintf(&b, " The window included %d hypoglycemic and %d hyperglycemic readings.",
			a.hypoEvents, a.hyperEvents)
	}
	if len(a.fasting) > 0 {
		fmt.Fprintf(&b, " Morning fasting readings (%d) averaged %.1f mg/dL.", len(a.fasting), mean(a.fasting))
	}
	if len(a.postMeal) > 0 {
		fmt.Fprintf(&b, " Post-meal readings (%d) averaged %.1f mg/dL.", len(a.postMeal), mean(a.postMeal))
	}
	if len(a.overnight) > 0 {
		fmt.Fprintf(&b, " Overnight readings (%d) averaged %.1f mg/dL.", len(a.overnight), mean(a.overnight))
	}
	if a.trend != "" {
		fmt.Fprintf(&b, " Glucose levels were %s over the period (%+.1f%% between halves).", a.trend, a.trendChange)
	}
	fmt.Fprintf(&b, " Overall glycemic control: %s.", strings.ReplaceAll(a.control, "_", " "))
	return b.String()
}

func glucoseInsights(a glucoseAnalysis) map[string]any {
	insights := map[string]any{
		"reading_count":            a.count,
		"mean_mg_dl":               round1(a.mean),
		"stddev_mg_dl":             round1(a.sd),
		"cv_percent":               round1(a.cv),
		"time_in_range_percent":    round1(a.tir),
		"time_below_range_percent": round1(a.tbr),
		"time_above_range_percent": round1(a.tar),
		"min_mg_dl":                a.min,
		"max_mg_dl":                a.max,
		"hypoglycemic_events":      a.hypoEvents,
		"hyperglycemic_events":     a.hyperEvents,
		"control_status":           a.control,
	}
	if len(a.fasting) > 0 {
		insights["fasting_mean_mg_dl"] = round1(mean(a.fasting))
	}
	if len(a.postMeal) > 0 {
		insights["post_meal_mean_mg_dl"] = round1(mean(a.postMeal))
	}
	if len(a.overnight) > 0 {
		insights["overnight_mean_mg_dl"] = round1(mean(a.overnight))
	}
	if a.trend != "" {
		insights["trend"] = a.trend
		insights["trend_change_percent"] = round1(a.trendChange)
	}
	return insights
}
