package clinical

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// CaloriesProcessor summarizes ActiveCaloriesBurnedRecord containers by
// local day.
type CaloriesProcessor struct{}

func NewCaloriesProcessor() *CaloriesProcessor { return &CaloriesProcessor{} }

func (p *CaloriesProcessor) Process(records []map[string]any, env domain.ProcessingEnvelope, validation domain.ValidationResult) domain.ClinicalResult {
	return runProcessor(env, records, validation, func() (string, map[string]any) {
		days := aggregateDaily(records, []string{"energy_kcal", "kilocalories", "energy", "calories", "value"})
		a := analyzeCalories(days)
		return renderCalories(a), caloriesInsights(a)
	})
}

// classifyCalorieBurn maps mean daily active kcal onto a burn band.
func classifyCalorieBurn(kcal float64) string {
	switch {
	case kcal > 600:
		return "very_high"
	case kcal > 400:
		return "good"
	case kcal > 200:
		return "moderate"
	default:
		return "low"
	}
}

type caloriesAnalysis struct {
	days      int
	total     float64
	dailyMean float64
	best      dailyTotal
	band      string
	bandDays  map[string]int
}

func analyzeCalories(days []dailyTotal) caloriesAnalysis {
	a := caloriesAnalysis{days: len(days), bandDays: make(map[string]int)}
	if len(days) == 0 {
		return a
	}
	for _, d := range days {
		a.total += d.total
		if d.total > a.best.total {
			a.best = d
		}
		a.bandDays[classifyCalorieBurn(d.total)]++
	}
	a.dailyMean = a.total / float64(len(days))
	a.band = classifyCalorieBurn(a.dailyMean)
	return a
}

func renderCalories(a caloriesAnalysis) string {
	if a.days == 0 {
		return "No usable active calorie records were found in this upload, so no energy expenditure assessment is possible."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Active energy expenditure across %d day(s) totalled %.0f kcal, averaging %.0f kcal per day (%s burn level).",
		a.days, a.total, a.dailyMean, strings.ReplaceAll(a.band, "_", " "))
	if n := a.bandDays["very_high"]; n > 0 {
		fmt.Fprintf(&b, " %d day(s) exceeded 600 kcal of active burn.", n)
	}
	fmt.Fprintf(&b, " Most active day: %.0f kcal on %s.", a.best.total, a.best.date)
	return b.String()
}

func caloriesInsights(a caloriesAnalysis) map[string]any {
	insights := map[string]any{
		"day_count":       a.days,
		"total_kcal":      round1(a.total),
		"daily_mean_kcal": round1(a.dailyMean),
		"burn_level":      a.band,
	}
	if a.days > 0 {
		insights["best_day_kcal"] = round1(a.best.total)
		insights["best_day_date"] = a.best.date
		insights["very_high_days"] = a.bandDays["very_high"]
	}
	return insights
}
