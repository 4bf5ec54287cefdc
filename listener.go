package fabric

import (
	"sync"

	"github.com/drpcorg/fabric/clock"
)

// Change tells a listener which fields of an object a commit wrote.
type Change struct {
	Object *Object
	Fields Bitmap
	Seq    uint64
	Stamp  clock.Stamp
	Remote bool
}

type Listener func(Change)

type subscription struct {
	id  uint64
	obj *Object // nil for all objects
	fn  Listener
}

type listeners struct {
	lock sync.RWMutex
	subs []*subscription
	next uint64
}

func (l *listeners) add(obj *Object, fn Listener) func() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.next++
	id := l.next
	subs := make([]*subscription, len(l.subs), len(l.subs)+1)
	copy(subs, l.subs)
	l.subs = append(subs, &subscription{id: id, obj: obj, fn: fn})
	return func() { l.remove(id) }
}

func (l *listeners) remove(id uint64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	subs := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	l.subs = subs
}

func (l *listeners) notify(m *VersionMap) {
	l.lock.RLock()
	subs := l.subs
	l.lock.RUnlock()
	if len(subs) == 0 {
		return
	}
	for _, v := range m.versions {
		ch := Change{Object: v.obj, Fields: v.changed, Seq: m.seq, Stamp: m.stamp, Remote: m.remote}
		for _, s := range subs {
			if s.obj == nil || s.obj == v.obj {
				s.fn(ch)
			}
		}
	}
}

// Subscribe calls fn after every commit that writes obj, in commit order.
// Listeners run on the committing goroutine; a commit made from inside a
// listener is delivered after the current one returns.
func (b *Branch) Subscribe(obj *Object, fn Listener) (unsubscribe func()) {
	return b.subs.add(obj, fn)
}

func (b *Branch) SubscribeAll(fn Listener) (unsubscribe func()) {
	return b.subs.add(nil, fn)
}
