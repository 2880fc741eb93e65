package clinical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeanStddev(t *testing.T) {
	t.Parallel()

	xs := []float64{60, 80, 120, 190, 250}
	assert.InDelta(t, 140.0, mean(xs), 1e-9)
	assert.InDelta(t, 79.0569, stddev(xs), 1e-3)
	assert.InDelta(t, 56.469, coefficientOfVariation(xs), 1e-2)

	assert.Zero(t, mean(nil))
	assert.Zero(t, stddev([]float64{5}))
	assert.Zero(t, coefficientOfVariation([]float64{0, 0}))
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	xs := []float64{10, 20, 30, 40}
	assert.InDelta(t, 10.0, percentile(xs, 0), 1e-9)
	assert.InDelta(t, 40.0, percentile(xs, 100), 1e-9)
	assert.InDelta(t, 25.0, percentile(xs, 50), 1e-9)
	assert.Zero(t, percentile(nil, 50))
}

func TestMinMax(t *testing.T) {
	t.Parallel()

	lo, hi := minMax([]float64{5, -2, 9, 3})
	assert.Equal(t, -2.0, lo)
	assert.Equal(t, 9.0, hi)

	lo, hi = minMax(nil)
	assert.Zero(t, lo)
	assert.Zero(t, hi)
}

func TestPct(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 40.0, pct(2, 5), 1e-9)
	assert.Zero(t, pct(3, 0))
}
