package clinical

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// maxPlausibleSleepHours discards malformed sessions whose end timestamp
// ran away from the start.
const maxPlausibleSleepHours = 16

var sleepStages = []string{"LIGHT", "DEEP", "REM", "AWAKE"}

type sleepSession struct {
	start     time.Time
	end       time.Time
	startHour int
	endHour   int
	duration  float64
	stages    map[string]float64
	weekend   bool
}

// SleepProcessor summarizes SleepSessionRecord containers.
type SleepProcessor struct{}

func NewSleepProcessor() *SleepProcessor { return &SleepProcessor{} }

func (p *SleepProcessor) Process(records []map[string]any, env domain.ProcessingEnvelope, validation domain.ValidationResult) domain.ClinicalResult {
	return runProcessor(env, records, validation, func() (string, map[string]any) {
		sessions := extractSleepSessions(records)
		a := analyzeSleep(sessions)
		return renderSleep(a), sleepInsights(a)
	})
}

func extractSleepSessions(records []map[string]any) []sleepSession {
	out := make([]sleepSession, 0, len(records))
	for _, rec := range records {
		start, ok := timeField(rec, "start_time", "start", "startTime")
		if !ok {
			continue
		}
		end, ok := timeField(rec, "end_time", "end", "endTime")
		if !ok || !end.After(start) {
			continue
		}
		duration := end.Sub(start).Hours()
		if duration > maxPlausibleSleepHours {
			continue
		}
		loc := zoneFor(rec)
		s := sleepSession{
			start:     start,
			end:       end,
			startHour: localHour(start, loc),
			endHour:   localHour(end, loc),
			duration:  duration,
			stages:    extractStages(rec),
		}
		wd := start.In(loc).Weekday()
		s.weekend = wd == time.Saturday || wd == time.Sunday
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].start.Before(out[j].start) })
	return out
}

// extractStages sums hours per normalized stage name.
func extractStages(rec map[string]any) map[string]float64 {
	stages := make(map[string]float64)
	raw, ok := field(rec, "stages", "sleep_stages")
	if !ok {
		return stages
	}
	arr, ok := raw.([]any)
	if !ok {
		return stages
	}
	for _, el := range arr {
		m, ok := unwrapUnion(el).(map[string]any)
		if !ok {
			continue
		}
		name, ok := field(m, "stage", "type", "stage_type")
		if !ok {
			continue
		}
		label, _ := asString(name)
		stage := normalizeStage(label)
		if stage == "" {
			continue
		}
		start, ok := timeField(m, "start_time", "start", "startTime")
		if !ok {
			continue
		}
		end, ok := timeField(m, "end_time", "end", "endTime")
		if !ok || !end.After(start) {
			continue
		}
		stages[stage] += end.Sub(start).Hours()
	}
	return stages
}

// normalizeStage folds vendor stage labels onto the canonical four.
func normalizeStage(s string) string {
	u := strings.ToUpper(s)
	switch {
	case strings.Contains(u, "DEEP"):
		return "DEEP"
	case strings.Contains(u, "REM"):
		return "REM"
	case strings.Contains(u, "AWAKE"), strings.Contains(u, "WAKE"):
		return "AWAKE"
	case strings.Contains(u, "LIGHT"), strings.Contains(u, "SLEEPING"):
		return "LIGHT"
	default:
		return ""
	}
}

// classifySleepDuration maps hours onto (category, quality).
func classifySleepDuration(hours float64) (string, string) {
	switch {
	case hours < 6:
		return "insufficient", "poor"
	case hours < 7:
		return "short", "fair"
	case hours <= 9:
		return "optimal", "good"
	case hours <= 10:
		return "long", "good"
	default:
		return "excessive", "fair"
	}
}

func bedtimeQuality(hour int) string {
	switch {
	case hour >= 21 && hour <= 23:
		return "optimal"
	case hour >= 20:
		return "acceptable"
	default:
		return "suboptimal"
	}
}

func waketimeQuality(hour int) string {
	switch {
	case hour >= 5 && hour <= 8:
		return "optimal"
	case hour >= 4 && hour < 9:
		return "acceptable"
	default:
		return "suboptimal"
	}
}

type sleepAnalysis struct {
	count            int
	meanDuration     float64
	durationCategory string
	durationQuality  string
	bedtimeQuality   string
	waketimeQuality  string
	meanBedtime      float64
	meanWaketime     float64
	stagePct         map[string]float64
	efficiency       float64
	hasStages        bool
	distribution     string
	consistency      string
	weekdayMean      float64
	weekendMean      float64
	hasWeekSplit     bool
	sleepDebt        bool
}

func analyzeSleep(sessions []sleepSession) sleepAnalysis {
	a := sleepAnalysis{count: len(sessions), stagePct: make(map[string]float64)}
	if len(sessions) == 0 {
		return a
	}

	durations := make([]float64, len(sessions))
	bedtimes := make([]float64, len(sessions))
	stageTotals := make(map[string]float64)
	bedVotes := make(map[string]int)
	wakeVotes := make(map[string]int)
	var weekday, weekend []float64
	var waketimes []float64
	for i, s := range sessions {
		durations[i] = s.duration
		bedtimes[i] = normalizeBedtimeHour(s.startHour)
		waketimes = append(waketimes, float64(s.endHour))
		bedVotes[bedtimeQuality(s.startHour)]++
		wakeVotes[waketimeQuality(s.endHour)]++
		for stage, hours := range s.stages {
			stageTotals[stage] += hours
		}
		if s.weekend {
			weekend = append(weekend, s.duration)
		} else {
			weekday = append(weekday, s.duration)
		}
	}

	a.meanDuration = mean(durations)
	a.durationCategory, a.durationQuality = classifySleepDuration(a.meanDuration)
	a.bedtimeQuality = majorityVote(bedVotes)
	a.waketimeQuality = majorityVote(wakeVotes)
	a.meanBedtime = math.Mod(mean(bedtimes), 24)
	a.meanWaketime = mean(waketimes)

	var total float64
	for _, hours := range stageTotals {
		total += hours
	}
	if total > 0 {
		a.hasStages = true
		for _, stage := range sleepStages {
			a.stagePct[stage] = stageTotals[stage] / total * 100
		}
		a.efficiency = 100 * (total - stageTotals["AWAKE"]) / total
		a.distribution = classifyStageDistribution(a.stagePct)
	}

	if len(sessions) >= 7 {
		a.consistency = classifyConsistency(stddev(durations), stddev(bedtimes))
		if len(weekday) > 0 && len(weekend) > 0 {
			a.hasWeekSplit = true
			a.weekdayMean = mean(weekday)
			a.weekendMean = mean(weekend)
			a.sleepDebt = math.Abs(a.weekendMean-a.weekdayMean) > 1
		}
	}
	return a
}

// normalizeBedtimeHour shifts post-midnight bedtimes past 24 so spreads
// around midnight stay contiguous.
func normalizeBedtimeHour(hour int) float64 {
	if hour < 12 {
		return float64(hour + 24)
	}
	return float64(hour)
}

func majorityVote(votes map[string]int) string {
	var winner string
	var best int
	for tier, n := range votes {
		if n > best {
			winner, best = tier, n
		}
	}
	return winner
}

func classifyStageDistribution(pcts map[string]float64) string {
	deep, rem, awake := pcts["DEEP"], pcts["REM"], pcts["AWAKE"]
	switch {
	case deep >= 15 && deep <= 25 && rem >= 20 && rem <= 25 && awake <= 5:
		return "optimal"
	case deep < 12 && rem < 15 && awake > 8:
		return "poor"
	default:
		return "fair"
	}
}

func classifyConsistency(durationSD, bedtimeSD float64) string {
	switch {
	case durationSD <= 1 && bedtimeSD <= 1:
		return "consistent"
	case durationSD <= 2 && bedtimeSD <= 2:
		return "variable"
	default:
		return "irregular"
	}
}

func renderSleep(a sleepAnalysis) string {
	if a.count == 0 {
		return "No usable sleep sessions were found in this upload, so no sleep assessment is possible."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Sleep across %d session(s) averaged %.1f hours per night (%s).",
		a.count, a.meanDuration, a.durationCategory)
	fmt.Fprintf(&b, " Typical bedtime was around %s (%s) with wake-up around %s (%s).",
		clockLabel(a.meanBedtime), a.bedtimeQuality, clockLabel(a.meanWaketime), a.waketimeQuality)
	if a.hasStages {
		fmt.Fprintf(&b, " Stage split: %.1f%% light, %.1f%% deep, %.1f%% REM, %.1f%% awake; sleep efficiency %.1f%% (%s distribution).",
			a.stagePct["LIGHT"], a.stagePct["DEEP"], a.stagePct["REM"], a.stagePct["AWAKE"], a.efficiency, a.distribution)
	}
	if a.consistency != "" {
		fmt.Fprintf(&b, " The schedule was %s across the window.", a.consistency)
	}
	if a.hasWeekSplit {
		fmt.Fprintf(&b, " Weekday nights averaged %.1fh against %.1fh on weekends.", a.weekdayMean, a.weekendMean)
		if a.sleepDebt {
			b.WriteString(" The weekday/weekend gap exceeds one hour, suggesting accumulated sleep debt.")
		}
	}
	return b.String()
}

func clockLabel(hour float64) string {
	h := int(math.Mod(hour, 24))
	m := int(math.Round(math.Mod(hour, 1) * 60))
	if m == 60 {
		h, m = (h+1)%24, 0
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

func sleepInsights(a sleepAnalysis) map[string]any {
	insights := map[string]any{
		"session_count":       a.count,
		"mean_duration_hours": round1(a.meanDuration),
		"duration_category":   a.durationCategory,
		"duration_quality":    a.durationQuality,
		"bedtime_quality":     a.bedtimeQuality,
		"waketime_quality":    a.waketimeQuality,
	}
	if a.hasStages {
		insights["stage_percentages"] = roundedZones(a.stagePct)
		insights["sleep_efficiency_percent"] = round1(a.efficiency)
		insights["stage_distribution"] = a.distribution
	}
	if a.consistency != "" {
		insights["consistency"] = a.consistency
	}
	if a.hasWeekSplit {
		insights["weekday_mean_hours"] = round1(a.weekdayMean)
		insights["weekend_mean_hours"] = round1(a.weekendMean)
		insights["sleep_debt_flag"] = a.sleepDebt
	}
	return insights
}
