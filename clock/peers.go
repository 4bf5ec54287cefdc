package clock

import (
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Peers interns peer UIDs into dense indexes. Index 0 is never assigned.
type Peers struct {
	byUID   *xsync.MapOf[uuid.UUID, uint32]
	byIndex *xsync.MapOf[uint32, uuid.UUID]
	lock    sync.Mutex
	next    uint32
}

func NewPeers() *Peers {
	return &Peers{
		byUID:   xsync.NewMapOf[uuid.UUID, uint32](),
		byIndex: xsync.NewMapOf[uint32, uuid.UUID](),
		next:    1,
	}
}

func (p *Peers) Intern(uid uuid.UUID) uint32 {
	if idx, ok := p.byUID.Load(uid); ok {
		return idx
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if idx, ok := p.byUID.Load(uid); ok {
		return idx
	}
	idx := p.next
	p.next++
	p.byIndex.Store(idx, uid)
	p.byUID.Store(uid, idx)
	return idx
}

func (p *Peers) UID(idx uint32) (uuid.UUID, bool) {
	return p.byIndex.Load(idx)
}

func (p *Peers) Len() int {
	return p.byUID.Size()
}

func (p *Peers) Stamp(t Tick) Stamp {
	uid, _ := p.UID(t.peer)
	return Stamp{Peer: uid, Time: t.time}
}

func (p *Peers) Tick(s Stamp) Tick {
	return Tick{p.Intern(s.Peer), s.Time}
}

func sortStamps(stamps []Stamp) {
	slices.SortFunc(stamps, Stamp.Compare)
}
