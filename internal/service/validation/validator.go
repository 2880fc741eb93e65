// Package validation scores decoded records before they reach a
// processor. Quality is the fraction of records carrying both the primary
// measurement and a timestamp for their type; the consumer compares the
// score against the configured threshold.
package validation

import (
	"fmt"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

type requirement struct {
	valueKeys []string
	timeKeys  []string
}

var requirements = map[domain.RecordType]requirement{
	domain.BloodGlucoseRecord: {
		valueKeys: []string{"value_mg_dL", "level_mg_dL", "level", "value"},
		timeKeys:  []string{"timestamp", "time", "start_time"},
	},
	domain.HeartRateRecord: {
		valueKeys: []string{"samples", "beats_per_minute", "bpm"},
		timeKeys:  []string{"start_time", "time", "timestamp"},
	},
	domain.SleepSessionRecord: {
		valueKeys: []string{"end_time", "end", "endTime"},
		timeKeys:  []string{"start_time", "start", "startTime"},
	},
	domain.StepsRecord: {
		valueKeys: []string{"count", "steps", "value"},
		timeKeys:  []string{"start_time", "time", "timestamp"},
	},
	domain.ActiveCaloriesBurnedRecord: {
		valueKeys: []string{"energy_kcal", "kilocalories", "energy", "calories", "value"},
		timeKeys:  []string{"start_time", "time", "timestamp"},
	},
	domain.HeartRateVariabilityRmssdRecord: {
		valueKeys: []string{"heart_rate_variability_millis", "rmssd_millis", "rmssd", "variability_millis", "value"},
		timeKeys:  []string{"time", "timestamp", "start_time"},
	},
}

// Service is a stateless Validator shared across workers.
type Service struct{}

func NewService() *Service { return &Service{} }

func (s *Service) Validate(records []map[string]any, rt domain.RecordType) domain.ValidationResult {
	if len(records) == 0 {
		return domain.ValidationResult{
			IsValid:      false,
			QualityScore: 0,
			Issues:       []string{"no records decoded"},
		}
	}
	req, ok := requirements[rt]
	if !ok {
		// Unknown types pass here and fail at processor resolution, where
		// the error is classified as processing.
		return domain.ValidationResult{IsValid: true, QualityScore: 1}
	}

	complete, missingValue, missingTime := 0, 0, 0
	for _, rec := range records {
		hasValue := hasAny(rec, req.valueKeys)
		hasTime := hasAny(rec, req.timeKeys)
		if hasValue && hasTime {
			complete++
			continue
		}
		if !hasValue {
			missingValue++
		}
		if !hasTime {
			missingTime++
		}
	}

	quality := float64(complete) / float64(len(records))
	var issues []string
	if missingValue > 0 {
		issues = append(issues, fmt.Sprintf("%d of %d records missing %s", missingValue, len(records), req.valueKeys[0]))
	}
	if missingTime > 0 {
		issues = append(issues, fmt.Sprintf("%d of %d records missing %s", missingTime, len(records), req.timeKeys[0]))
	}
	return domain.ValidationResult{
		IsValid:      quality > 0,
		QualityScore: quality,
		Issues:       issues,
	}
}

func hasAny(rec map[string]any, keys []string) bool {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			return true
		}
	}
	return false
}
