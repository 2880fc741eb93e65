package clinical

import (
	"fmt"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// Registry resolves record types to their processors. Built once at
// startup; processors are stateless and shared across workers.
type Registry struct {
	procs map[domain.RecordType]domain.Processor
}

func NewRegistry() *Registry {
	return &Registry{procs: map[domain.RecordType]domain.Processor{
		domain.BloodGlucoseRecord:              NewGlucoseProcessor(),
		domain.HeartRateRecord:                 NewHeartRateProcessor(),
		domain.SleepSessionRecord:              NewSleepProcessor(),
		domain.StepsRecord:                     NewStepsProcessor(),
		domain.ActiveCaloriesBurnedRecord:      NewCaloriesProcessor(),
		domain.HeartRateVariabilityRmssdRecord: NewHRVProcessor(),
	}}
}

// Resolve returns the processor for rt. Unknown types are fatal for the
// message, not tolerated.
func (r *Registry) Resolve(rt domain.RecordType) (domain.Processor, error) {
	p, ok := r.procs[rt]
	if !ok {
		return nil, fmt.Errorf("op=clinical.resolve: record type %q: %w", rt, domain.ErrUnknownRecordType)
	}
	return p, nil
}

// Types lists the registered record types.
func (r *Registry) Types() []domain.RecordType {
	out := make([]domain.RecordType, 0, len(r.procs))
	for rt := range r.procs {
		out = append(out, rt)
	}
	return out
}
