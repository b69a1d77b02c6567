package control

import (
	"math"
	"sync/atomic"
)

// storeFloat and loadFloat give atomic.Uint64 fields float64 semantics via
// the IEEE-754 bit pattern, the same single-word atomic discipline the pipe
// line uses for phi_depth/phi_phase/compensation_offset_ms (spec §5).
func storeFloat(a *atomic.Uint64, v float64) {
	a.Store(math.Float64bits(v))
}

func loadFloat(a *atomic.Uint64) float64 {
	return math.Float64frombits(a.Load())
}
