package clock

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
)

var ErrClockOverflow = errors.New("clock: tick counter overflow")

// Clock hands out ticks for one local peer and keeps the causal summary
// (highest time seen per peer) that commits embed as their dependencies.
type Clock struct {
	peer    uint32
	counter atomic.Uint64

	lock  sync.Mutex
	known VV
}

func NewClock(peer uint32) *Clock {
	return &Clock{peer: peer, known: make(VV)}
}

func (c *Clock) Peer() uint32 {
	return c.peer
}

// Next draws a fresh tick. Ticks are never reused; running out of the
// counter space is fatal for the peer.
func (c *Clock) Next() (Tick, error) {
	for {
		cur := c.counter.Load()
		if cur == math.MaxUint64 {
			return BadTick, ErrClockOverflow
		}
		if c.counter.CompareAndSwap(cur, cur+1) {
			return Tick{c.peer, cur + 1}, nil
		}
	}
}

// Last is the most recent tick drawn (or observed as our own).
func (c *Clock) Last() Tick {
	return Tick{c.peer, c.counter.Load()}
}

// Observe makes sure the next local tick is above t, and records t in the
// causal summary.
func (c *Clock) Observe(t Tick) {
	for {
		cur := c.counter.Load()
		if cur >= t.time || c.counter.CompareAndSwap(cur, t.time) {
			break
		}
	}
	if t.peer == c.peer {
		return
	}
	c.lock.Lock()
	c.known.PutTick(t)
	c.lock.Unlock()
}

// ObserveAll is Observe for every entry of a dependency summary.
func (c *Clock) ObserveAll(vv VV) {
	for peer, time := range vv {
		c.Observe(Tick{peer, time})
	}
}

// Known returns a copy of the causal summary, own progress included.
func (c *Clock) Known() VV {
	c.lock.Lock()
	vv := c.known.Clone()
	c.lock.Unlock()
	if own := c.counter.Load(); own > 0 {
		vv.Put(c.peer, own)
	}
	return vv
}

// Reset sets the counter, e.g. after restoring from a store.
func (c *Clock) Reset(time uint64) {
	c.counter.Store(time)
}
