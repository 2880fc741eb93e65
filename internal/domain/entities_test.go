package domain

import (
	"testing"
)

func TestRecordTypeDomainMapping(t *testing.T) {
	tests := []struct {
		name     string
		rt       RecordType
		expected HealthDomain
	}{
		{"BloodGlucose", BloodGlucoseRecord, DomainMetabolicDiabetes},
		{"HeartRate", HeartRateRecord, DomainCardiovascularFitness},
		{"SleepSession", SleepSessionRecord, DomainSleepWellness},
		{"Steps", StepsRecord, DomainPhysicalActivity},
		{"ActiveCalories", ActiveCaloriesBurnedRecord, DomainPhysicalActivity},
		{"HRV", HeartRateVariabilityRmssdRecord, DomainCardiovascularFitness},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := tt.rt.Domain()
			if !ok {
				t.Fatalf("Expected %s to be a known record type", tt.rt)
			}
			if d != tt.expected {
				t.Errorf("Expected domain %q, got %q", tt.expected, d)
			}
		})
	}
}

func TestRecordTypeUnknown(t *testing.T) {
	rt := RecordType("BodyTemperatureRecord")
	if rt.Known() {
		t.Errorf("Expected %s to be unknown", rt)
	}
	d, ok := rt.Domain()
	if ok {
		t.Error("Expected ok=false for unknown record type")
	}
	if d != DomainGeneralHealth {
		t.Errorf("Expected general_health fallback, got %q", d)
	}
}

func TestRecordTypesCoversMapping(t *testing.T) {
	all := RecordTypes()
	if len(all) != len(recordDomains) {
		t.Fatalf("Expected %d record types, got %d", len(recordDomains), len(all))
	}
	seen := map[RecordType]bool{}
	for _, rt := range all {
		if !rt.Known() {
			t.Errorf("RecordTypes returned unknown type %q", rt)
		}
		if seen[rt] {
			t.Errorf("RecordTypes returned duplicate %q", rt)
		}
		seen[rt] = true
	}
}

func TestProcessingStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant ProcessingStatus
		expected string
	}{
		{"StatusStarted", StatusStarted, "started"},
		{"StatusCompleted", StatusCompleted, "completed"},
		{"StatusFailed", StatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}
