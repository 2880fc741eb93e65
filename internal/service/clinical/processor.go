package clinical

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// runProcessor wraps a processor's analyze-and-render closure with the
// shared result scaffolding. A panic inside the closure means malformed
// data slipped past extraction; it becomes a failed result instead of a
// crashed worker.
func runProcessor(env domain.ProcessingEnvelope, records []map[string]any, validation domain.ValidationResult, fn func() (string, map[string]any)) (res domain.ClinicalResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = domain.ClinicalResult{
				Success:               false,
				ErrorMessage:          fmt.Sprintf("processor %s: %v", env.RecordType, r),
				ProcessingTimeSeconds: time.Since(started).Seconds(),
				RecordsProcessed:      len(records),
				QualityScore:          validation.QualityScore,
			}
		}
	}()

	narrative, insights := fn()
	if insights == nil {
		insights = map[string]any{}
	}
	insights["record_type"] = string(env.RecordType)
	return domain.ClinicalResult{
		Success:               true,
		Narrative:             narrative,
		ProcessingTimeSeconds: time.Since(started).Seconds(),
		RecordsProcessed:      len(records),
		QualityScore:          validation.QualityScore,
		ClinicalInsights:      insights,
	}
}
