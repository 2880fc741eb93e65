package clinical

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

const (
	stepsDailyTarget = 10000
	stepsNearTarget  = 7500
)

// StepsProcessor summarizes StepsRecord containers by local day.
type StepsProcessor struct{}

func NewStepsProcessor() *StepsProcessor { return &StepsProcessor{} }

func (p *StepsProcessor) Process(records []map[string]any, env domain.ProcessingEnvelope, validation domain.ValidationResult) domain.ClinicalResult {
	return runProcessor(env, records, validation, func() (string, map[string]any) {
		days := aggregateDaily(records, []string{"count", "steps", "value"})
		a := analyzeSteps(days)
		return renderSteps(a), stepsInsights(a)
	})
}

type dailyTotal struct {
	date  string
	total float64
}

// aggregateDaily sums a per-record quantity into local-date buckets.
func aggregateDaily(records []map[string]any, valueKeys []string) []dailyTotal {
	totals := make(map[string]float64)
	for _, rec := range records {
		raw, ok := field(rec, valueKeys...)
		if !ok {
			continue
		}
		v, ok := asFloat(raw)
		if !ok || v < 0 {
			continue
		}
		at, ok := timeField(rec, "start_time", "time", "timestamp")
		if !ok {
			continue
		}
		date := at.In(zoneFor(rec)).Format(time.DateOnly)
		totals[date] += v
	}
	out := make([]dailyTotal, 0, len(totals))
	for date, total := range totals {
		out = append(out, dailyTotal{date: date, total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].date < out[j].date })
	return out
}

type stepsAnalysis struct {
	days       int
	total      float64
	dailyMean  float64
	best       dailyTotal
	targetDays int
	nearDays   int
	level      string
}

func analyzeSteps(days []dailyTotal) stepsAnalysis {
	a := stepsAnalysis{days: len(days)}
	if len(days) == 0 {
		return a
	}
	for _, d := range days {
		a.total += d.total
		if d.total > a.best.total {
			a.best = d
		}
		switch {
		case d.total >= stepsDailyTarget:
			a.targetDays++
		case d.total >= stepsNearTarget:
			a.nearDays++
		}
	}
	a.dailyMean = a.total / float64(len(days))
	switch {
	case a.dailyMean >= stepsDailyTarget:
		a.level = "on_target"
	case a.dailyMean >= stepsNearTarget:
		a.level = "near_target"
	default:
		a.level = "below_target"
	}
	return a
}

func renderSteps(a stepsAnalysis) string {
	if a.days == 0 {
		return "No usable step records were found in this upload, so no activity assessment is possible."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Step activity across %d day(s) totalled %.0f steps, averaging %.0f per day.",
		a.days, a.total, a.dailyMean)
	fmt.Fprintf(&b, " The %d-step daily target was met on %d day(s)", stepsDailyTarget, a.targetDays)
	if a.nearDays > 0 {
		fmt.Fprintf(&b, ", with %d more day(s) above %d", a.nearDays, stepsNearTarget)
	}
	b.WriteString(".")
	fmt.Fprintf(&b, " Best day: %.0f steps on %s.", a.best.total, a.best.date)
	fmt.Fprintf(&b, " Overall activity level: %s.", strings.ReplaceAll(a.level, "_", " "))
	return b.String()
}

func stepsInsights(a stepsAnalysis) map[string]any {
	insights := map[string]any{
		"day_count":        a.days,
		"total_steps":      a.total,
		"daily_mean_steps": round1(a.dailyMean),
		"target_met_days":  a.targetDays,
		"near_target_days": a.nearDays,
		"activity_level":   a.level,
	}
	if a.days > 0 {
		insights["best_day_steps"] = a.best.total
		insights["best_day_date"] = a.best.date
	}
	return insights
}
