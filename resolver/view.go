package resolver

import (
	"slices"
	"sync"

	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/schema"
)

type State int

const (
	Unknown State = iota
	Listing
	Known
	Fetching
	Loaded
)

func (s State) String() string {
	return []string{"UNKNOWN", "LISTING", "KNOWN", "FETCHING", "LOADED"}[s]
}

// View is what one origin has of one object: the stamps it listed or
// announced and the ones we acknowledged back to it.
type View struct {
	URI    schema.URIHash
	Origin string

	lock   sync.Mutex
	state  State
	known  []clock.Stamp
	acked  []clock.Stamp
	listed chan struct{}
}

func (v *View) State() State {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.state
}

func (v *View) Known() []clock.Stamp {
	v.lock.Lock()
	defer v.lock.Unlock()
	return slices.Clone(v.known)
}

func (v *View) Acked() []clock.Stamp {
	v.lock.Lock()
	defer v.lock.Unlock()
	return slices.Clone(v.acked)
}

// merge adds stamps to the sorted known list. Called with the lock held.
func (v *View) merge(stamps []clock.Stamp) {
	for _, s := range stamps {
		if i, found := slices.BinarySearchFunc(v.known, s, clock.Stamp.Compare); !found {
			v.known = slices.Insert(v.known, i, s)
		}
	}
}

func (v *View) ack(s clock.Stamp) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if i, found := slices.BinarySearchFunc(v.acked, s, clock.Stamp.Compare); !found {
		v.acked = slices.Insert(v.acked, i, s)
	}
}
