package training

import (
	"strconv"
	"strings"

	"github.com/fairyhunter13/etl-narrative-engine/internal/config"
	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// recordCountPlaceholder is substituted with the processed record count when
// a template renders. Inputs must carry the count so fine-tuned models learn
// to ground their narratives in data volume.
const recordCountPlaceholder = "{record_count}"

// template is one record type's instruction/input pair.
type template struct {
	instruction string
	input       string
}

func (t template) render(recordCount int) (instruction, input string) {
	input = strings.ReplaceAll(t.input, recordCountPlaceholder, strconv.Itoa(recordCount))
	return t.instruction, input
}

var defaultTemplates = map[domain.RecordType]template{
	domain.BloodGlucoseRecord: {
		instruction: "Review this continuous glucose monitoring summary and explain glycemic control, time in range, variability, and any hypo- or hyperglycemic events in plain language.",
		input:       "Blood glucose export with {record_count} readings from a wearable health device.",
	},
	domain.HeartRateRecord: {
		instruction: "Summarize the cardiovascular patterns in this heart rate data, covering resting heart rate, intensity zones, and detected exercise sessions.",
		input:       "Heart rate telemetry with {record_count} samples captured by a wearable health device.",
	},
	domain.SleepSessionRecord: {
		instruction: "Assess this sleep history and describe duration, schedule regularity, stage composition, and overall sleep quality.",
		input:       "Sleep tracking export with {record_count} recorded sessions from a wearable health device.",
	},
	domain.StepsRecord: {
		instruction: "Evaluate this step count history and describe daily activity levels and how consistently activity targets were reached.",
		input:       "Step count export with {record_count} records from a wearable health device.",
	},
	domain.ActiveCaloriesBurnedRecord: {
		instruction: "Interpret this active energy expenditure data and describe daily calorie burn patterns and workout intensity.",
		input:       "Active calories export with {record_count} records from a wearable health device.",
	},
	domain.HeartRateVariabilityRmssdRecord: {
		instruction: "Analyze this heart rate variability data and describe autonomic balance, recovery status, and the RMSSD trend.",
		input:       "Heart rate variability export with {record_count} RMSSD measurements from a wearable health device.",
	},
}

// genericTemplate covers record types without a dedicated template, the same
// way unmapped types route to the general_health domain.
var genericTemplate = template{
	instruction: "Summarize this health data export and describe the patterns it shows.",
	input:       "Health data export with {record_count} records from a wearable health device.",
}

// mergeTemplates overlays configured overrides on the compiled-in defaults.
// An override replaces only the fields it sets.
func mergeTemplates(overrides map[string]config.TrainingTemplate) map[domain.RecordType]template {
	merged := make(map[domain.RecordType]template, len(defaultTemplates))
	for rt, tpl := range defaultTemplates {
		merged[rt] = tpl
	}
	for name, o := range overrides {
		rt := domain.RecordType(name)
		tpl := merged[rt]
		if o.Instruction != "" {
			tpl.instruction = o.Instruction
		}
		if o.Input != "" {
			tpl.input = o.Input
		}
		merged[rt] = tpl
	}
	return merged
}
