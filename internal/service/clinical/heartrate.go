package clinical

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// defaultMaxHR anchors zone percentages when no per-user maximum is known.
const defaultMaxHR = 180.0

// minExerciseDuration is the shortest elevated-HR run reported as a session.
const minExerciseDuration = 10 * time.Minute

type hrSample struct {
	bpm  float64
	at   time.Time
	hour int
}

type exerciseSession struct {
	start       time.Time
	end         time.Time
	duration    time.Duration
	avg         float64
	max         float64
	recovery    float64
	hasRecovery bool
}

// HeartRateProcessor summarizes HeartRateRecord containers.
type HeartRateProcessor struct{}

func NewHeartRateProcessor() *HeartRateProcessor { return &HeartRateProcessor{} }

func (p *HeartRateProcessor) Process(records []map[string]any, env domain.ProcessingEnvelope, validation domain.ValidationResult) domain.ClinicalResult {
	return runProcessor(env, records, validation, func() (string, map[string]any) {
		samples := extractHeartRateSamples(records)
		a := analyzeHeartRate(samples)
		return renderHeartRate(a), heartRateInsights(a)
	})
}

// extractHeartRateSamples flattens samples[] arrays, preferring the sample
// timestamp and falling back to the record timestamp.
func extractHeartRateSamples(records []map[string]any) []hrSample {
	var out []hrSample
	for _, rec := range records {
		loc := zoneFor(rec)
		recTime, recTimeOK := timeField(rec, "start_time", "time", "timestamp")

		raw, ok := field(rec, "samples")
		if !ok {
			if v, vok := field(rec, "beats_per_minute", "bpm"); vok && recTimeOK {
				if bpm, fok := asFloat(v); fok {
					out = append(out, hrSample{bpm: bpm, at: recTime, hour: localHour(recTime, loc)})
				}
			}
			continue
		}
		arr, ok := raw.([]any)
		if !ok {
			continue
		}
		for _, el := range arr {
			m, ok := unwrapUnion(el).(map[string]any)
			if !ok {
				continue
			}
			v, ok := field(m, "beats_per_minute", "bpm")
			if !ok {
				continue
			}
			bpm, ok := asFloat(v)
			if !ok {
				continue
			}
			at, ok := timeField(m, "time", "timestamp")
			if !ok {
				if !recTimeOK {
					continue
				}
				at = recTime
			}
			out = append(out, hrSample{bpm: bpm, at: at, hour: localHour(at, loc)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

// classifyHeartRate maps bpm onto (band, severity).
func classifyHeartRate(bpm float64) (string, string) {
	switch {
	case bpm < 40:
		return "critical_bradycardia", "critical"
	case bpm < 60:
		return "bradycardia", "warning"
	case bpm <= 100:
		return "normal", "normal"
	case bpm <= 120:
		return "elevated", "info"
	case bpm <= 150:
		return "tachycardia", "warning"
	default:
		return "severe_tachycardia", "critical"
	}
}

func hrZone(bpm float64) string {
	ratio := bpm / defaultMaxHR * 100
	switch {
	case ratio < 60:
		return "very_light"
	case ratio < 70:
		return "light"
	case ratio < 80:
		return "moderate"
	case ratio < 90:
		return "hard"
	default:
		return "max"
	}
}

type heartRateAnalysis struct {
	count      int
	mean       float64
	min        float64
	max        float64
	resting    float64
	hasResting bool
	sessions   []exerciseSession
	zones      map[string]float64
	bands      map[string]int
}

func analyzeHeartRate(samples []hrSample) heartRateAnalysis {
	a := heartRateAnalysis{
		count: len(samples),
		zones: make(map[string]float64),
		bands: make(map[string]int),
	}
	if len(samples) == 0 {
		return a
	}

	values := make([]float64, len(samples))
	zoneCounts := make(map[string]int)
	var nighttime []float64
	for i, s := range samples {
		values[i] = s.bpm
		band, _ := classifyHeartRate(s.bpm)
		a.bands[band]++
		zoneCounts[hrZone(s.bpm)]++
		if s.hour >= 22 || s.hour < 6 {
			nighttime = append(nighttime, s.bpm)
		}
	}
	a.mean = mean(values)
	a.min, a.max = minMax(values)
	for zone, n := range zoneCounts {
		a.zones[zone] = pct(n, len(samples))
	}

	a.resting, a.hasResting = restingHeartRate(nighttime, a.min)
	a.sessions = detectExerciseSessions(samples)
	return a
}

// restingHeartRate is the mean of the lowest 20% of nighttime samples,
// falling back to the global minimum when the night is empty.
func restingHeartRate(nighttime []float64, globalMin float64) (float64, bool) {
	if len(nighttime) == 0 {
		return globalMin, true
	}
	sorted := make([]float64, len(nighttime))
	copy(sorted, nighttime)
	sort.Float64s(sorted)
	n := len(sorted) / 5
	if n < 1 {
		n = 1
	}
	return mean(sorted[:n]), true
}

func detectExerciseSessions(samples []hrSample) []exerciseSession {
	var sessions []exerciseSession
	var run []hrSample
	flush := func(next *hrSample) {
		if len(run) == 0 {
			return
		}
		dur := run[len(run)-1].at.Sub(run[0].at)
		if dur >= minExerciseDuration {
			values := make([]float64, len(run))
			for i, s := range run {
				values[i] = s.bpm
			}
			_, peak := minMax(values)
			sess := exerciseSession{
				start:    run[0].at,
				end:      run[len(run)-1].at,
				duration: dur,
				avg:      mean(values),
				max:      peak,
			}
			if next != nil {
				sess.recovery = run[len(run)-1].bpm - next.bpm
				sess.hasRecovery = true
			}
			sessions = append(sessions, sess)
		}
		run = run[:0]
	}
	for i := range samples {
		if samples[i].bpm >= 100 {
			run = append(run, samples[i])
			continue
		}
		flush(&samples[i])
	}
	flush(nil)
	return sessions
}

func renderHeartRate(a heartRateAnalysis) string {
	if a.count == 0 {
		return "No usable heart rate samples were found in this upload, so no cardiovascular assessment is possible."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Heart rate across %d samples averaged %.0f bpm, ranging %.0f to %.0f bpm.",
		a.count, a.mean, a.min, a.max)
	if a.hasResting {
		fmt.Fprintf(&b, " Estimated resting heart rate: %.0f bpm.", a.resting)
	}
	if zone, share := dominantZone(a.zones); zone != "" {
		fmt.Fprintf(&b, " Most samples (%.0f%%) fell in the %s intensity zone.", share, strings.ReplaceAll(zone, "_", " "))
	}
	if n := len(a.sessions); n > 0 {
		longest := a.sessions[0]
		var total time.Duration
		for _, s := range a.sessions {
			total += s.duration
			if s.duration > longest.duration {
				longest = s
			}
		}
		fmt.Fprintf(&b, " Detected %d exercise session(s) totalling %.0f minutes; the longest ran %.0f minutes averaging %.0f bpm (peak %.0f).",
			n, total.Minutes(), longest.duration.Minutes(), longest.avg, longest.max)
		if longest.hasRecovery {
			fmt.Fprintf(&b, " Post-exercise recovery dropped %.0f bpm.", longest.recovery)
		}
	}
	abnormal := a.bands["tachycardia"] + a.bands["severe_tachycardia"] + a.bands["bradycardia"] + a.bands["critical_bradycardia"]
	if abnormal > 0 {
		fmt.Fprintf(&b, " %d sample(s) fell outside the normal 60-100 bpm band.", abnormal)
	}
	return b.String()
}

func dominantZone(zones map[string]float64) (string, float64) {
	var zone string
	var share float64
	for z, s := range zones {
		if s > share {
			zone, share = z, s
		}
	}
	return zone, share
}

func heartRateInsights(a heartRateAnalysis) map[string]any {
	insights := map[string]any{
		"sample_count":      a.count,
		"mean_bpm":          round1(a.mean),
		"min_bpm":           a.min,
		"max_bpm":           a.max,
		"exercise_sessions": len(a.sessions),
		"zone_distribution": roundedZones(a.zones),
	}
	if a.hasResting {
		insights["resting_hr_bpm"] = round1(a.resting)
	}
	for band, n := range a.bands {
		if band != "normal" && n > 0 {
			insights[band+"_samples"] = n
		}
	}
	return insights
}

func roundedZones(zones map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(zones))
	for z, s := range zones {
		out[z] = round1(s)
	}
	return out
}
