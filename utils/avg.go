package utils

import (
	"math"
	"sync/atomic"
)

// EWMA is an exponentially weighted moving average safe for concurrent
// use. The first sample sets the value.
type EWMA struct {
	alpha float64
	bits  atomic.Uint64
	seen  atomic.Bool
}

func NewEWMA(alpha float64) *EWMA {
	return &EWMA{alpha: alpha}
}

func (a *EWMA) Add(val float64) {
	if a.seen.CompareAndSwap(false, true) {
		a.bits.Store(math.Float64bits(val))
		return
	}
	for {
		old := a.bits.Load()
		next := a.alpha*val + (1-a.alpha)*math.Float64frombits(old)
		if a.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (a *EWMA) Val() float64 {
	return math.Float64frombits(a.bits.Load())
}
