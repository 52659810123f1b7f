package stats

import (
	"fmt"
	"math"
)

// noSamples is the sentinel Lowest value of an empty accumulator; any
// observed magnitude replaces it.
const noSamples = math.MaxUint64

// Range accumulates min/max/sum/count statistics over unsigned magnitudes
// (latency in microseconds, prices in pennies). It is a plain value with no
// locking: the Reporter owns its accumulators on a single goroutine.
type Range struct {
	Sum     uint64
	Lowest  uint64
	Highest uint64

	Samples int
}

// NewRange returns an empty accumulator with the sentinel bounds in place.
func NewRange() Range {
	var r Range
	r.Reset()
	return r
}

// Observe folds one magnitude into the accumulator.
func (r *Range) Observe(v uint64) {
	if v < r.Lowest {
		r.Lowest = v
	}
	if v > r.Highest {
		r.Highest = v
	}

	r.Sum += v
	r.Samples++
}

// Avg returns the mean of the observed magnitudes, or 0 when there were
// none.
func (r *Range) Avg() uint64 {
	if r.Samples == 0 {
		return 0
	}

	return r.Sum / uint64(r.Samples)
}

// Reset empties the accumulator: zero sum/highest/count, sentinel lowest.
func (r *Range) Reset() {
	r.Sum = 0
	r.Highest = 0
	r.Samples = 0
	r.Lowest = noSamples
}

func (r Range) String() string {
	if r.Samples == 0 {
		return "[no samples]"
	}

	return fmt.Sprintf("min: %d, max: %d, avg: %d (%d samples)", r.Lowest, r.Highest, r.Avg(), r.Samples)
}
