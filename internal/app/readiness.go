package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/etl-narrative-engine/internal/adapter/observability"
)

// readinessTimeout bounds each dependency probe so a wedged dependency
// cannot hang the readiness endpoint.
const readinessTimeout = 2 * time.Second

// Pinger is the minimal surface of a dependency capable of a health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck is one named dependency probe.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// BuildReadinessChecks returns the worker's three probes: broker, dedup
// store and object store. Nil dependencies report as unconfigured rather
// than being skipped, so a wiring bug fails readiness loudly.
func BuildReadinessChecks(broker, store, blobs Pinger) []ReadinessCheck {
	probe := func(name string, p Pinger) ReadinessCheck {
		return ReadinessCheck{
			Name: name,
			Check: func(ctx context.Context) error {
				if p == nil {
					return fmt.Errorf("%s not configured", name)
				}
				return p.Ping(ctx)
			},
		}
	}
	return []ReadinessCheck{
		probe("broker", broker),
		probe("dedup_store", store),
		probe("object_store", blobs),
	}
}

// ReadyzHandler probes every check and reports per-dependency outcomes.
// Any failing check turns the response into 503. The store gauge is
// updated as a side effect; the broker gauges belong to the consumer
// loop, which watches the actual consume connection.
func ReadyzHandler(checks []ReadinessCheck) http.HandlerFunc {
	type result struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), readinessTimeout)
		defer cancel()

		results := make([]result, 0, len(checks))
		ok := true
		for _, c := range checks {
			r := result{Name: c.Name, OK: true}
			if err := c.Check(ctx); err != nil {
				r.OK = false
				r.Details = err.Error()
				ok = false
			}
			results = append(results, r)
			setStatusGauge(c.Name, r.OK)
		}

		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": results})
	}
}

func setStatusGauge(name string, ok bool) {
	if name != "dedup_store" {
		return
	}
	if ok {
		observability.StoreStatus.Set(1)
	} else {
		observability.StoreStatus.Set(0)
	}
}
