package training

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/etl-narrative-engine/internal/config"
	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

func TestTemplateRenderSubstitutesRecordCount(t *testing.T) {
	t.Parallel()
	tpl := template{
		instruction: "Review this summary.",
		input:       "Export with {record_count} readings.",
	}
	instruction, input := tpl.render(1440)
	assert.Equal(t, "Review this summary.", instruction)
	assert.Equal(t, "Export with 1440 readings.", input)
}

func TestDefaultTemplatesCoverEveryRecordType(t *testing.T) {
	t.Parallel()
	for _, rt := range domain.RecordTypes() {
		tpl, ok := defaultTemplates[rt]
		require.True(t, ok, string(rt))
		assert.NotEmpty(t, tpl.instruction, string(rt))
		assert.Contains(t, tpl.input, recordCountPlaceholder, string(rt))
	}
}

func TestMergeTemplatesOverridesSelectively(t *testing.T) {
	t.Parallel()
	merged := mergeTemplates(map[string]config.TrainingTemplate{
		string(domain.BloodGlucoseRecord): {Instruction: "Custom glucose instruction."},
	})

	got := merged[domain.BloodGlucoseRecord]
	assert.Equal(t, "Custom glucose instruction.", got.instruction)
	assert.Equal(t, defaultTemplates[domain.BloodGlucoseRecord].input, got.input,
		"an override replaces only the fields it sets")

	assert.Equal(t, defaultTemplates[domain.StepsRecord], merged[domain.StepsRecord],
		"types without overrides keep their defaults")
}

func TestMergeTemplatesAddsUnknownType(t *testing.T) {
	t.Parallel()
	merged := mergeTemplates(map[string]config.TrainingTemplate{
		"BodyTemperatureRecord": {
			Instruction: "Summarize this temperature history.",
			Input:       "Temperature export with {record_count} records.",
		},
	})
	got := merged[domain.RecordType("BodyTemperatureRecord")]
	assert.Equal(t, "Summarize this temperature history.", got.instruction)
	assert.Equal(t, "Temperature export with {record_count} records.", got.input)
}

func TestTemplateForFallsBackToGeneric(t *testing.T) {
	t.Parallel()
	e := NewEmitter(newHashStore(), newMemObjects(), Options{})

	tpl := e.templateFor("BodyTemperatureRecord")
	assert.Equal(t, genericTemplate, tpl)

	tpl = e.templateFor(domain.SleepSessionRecord)
	assert.True(t, strings.Contains(tpl.instruction, "sleep"))
}
