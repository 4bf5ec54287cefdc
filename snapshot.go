package fabric

import (
	"sort"

	"github.com/drpcorg/fabric/clock"
)

type folded struct {
	seq     uint64
	objects map[*Object]*Version
}

var emptyBase = &folded{objects: map[*Object]*Version{}}

// Snapshot is the state a transaction reads: folded base plus the maps
// committed after it, oldest first. Snapshots are values; Append and fold
// make new ones.
type Snapshot struct {
	base *folded
	maps []*VersionMap
}

func newSnapshot() *Snapshot {
	return &Snapshot{base: emptyBase}
}

// Tip is the seq of the newest map.
func (s *Snapshot) Tip() uint64 {
	if len(s.maps) == 0 {
		return s.base.seq
	}
	return s.maps[len(s.maps)-1].seq
}

func (s *Snapshot) Len() int {
	return len(s.maps)
}

// Base is the seq everything up to which is folded.
func (s *Snapshot) Base() uint64 {
	return s.base.seq
}

func (s *Snapshot) Append(m *VersionMap) *Snapshot {
	maps := make([]*VersionMap, len(s.maps), len(s.maps)+1)
	copy(maps, s.maps)
	return &Snapshot{base: s.base, maps: append(maps, m)}
}

// Since lists the maps newer than seq.
func (s *Snapshot) Since(seq uint64) []*VersionMap {
	i := sort.Search(len(s.maps), func(i int) bool { return s.maps[i].seq > seq })
	return s.maps[i:]
}

func (s *Snapshot) lookup(obj *Object, i int) (val any, seq uint64, stamp clock.Stamp, ok bool) {
	for n := len(s.maps) - 1; n >= 0; n-- {
		if v := s.maps[n].index[obj]; v != nil && v.changed.Has(i) {
			seq, stamp = v.writer(i)
			return v.values[i], seq, stamp, true
		}
	}
	if v := s.base.objects[obj]; v != nil && v.changed.Has(i) {
		seq, stamp = v.writer(i)
		return v.values[i], seq, stamp, true
	}
	return nil, 0, clock.Stamp0, false
}

// Lookup returns the latest committed value of a field; unwritten fields
// read as the zero value of their kind.
func (s *Snapshot) Lookup(obj *Object, i int) any {
	if v, _, _, ok := s.lookup(obj, i); ok {
		return v
	}
	return obj.zero[i]
}

// Has is true if the object has any committed version.
func (s *Snapshot) Has(obj *Object) bool {
	for _, m := range s.maps {
		if m.index[obj] != nil {
			return true
		}
	}
	return s.base.objects[obj] != nil
}

// writtenSince reports whether any of the fields was written by a map
// newer than seq, folded ones included.
func (s *Snapshot) writtenSince(obj *Object, fields Bitmap, seq uint64) bool {
	for _, m := range s.Since(seq) {
		if v := m.index[obj]; v != nil && v.changed.Intersects(fields) {
			return true
		}
	}
	if s.base.seq <= seq {
		return false
	}
	v := s.base.objects[obj]
	if v == nil {
		return false
	}
	for _, i := range v.changed.And(fields).Indexes() {
		if v.seqs[i] > seq {
			return true
		}
	}
	return false
}

// fold merges the n oldest maps into a new base.
func (s *Snapshot) fold(n int) *Snapshot {
	objects := make(map[*Object]*Version, len(s.base.objects))
	for obj, v := range s.base.objects {
		objects[obj] = v
	}
	copied := make(map[*Object]bool)
	for _, m := range s.maps[:n] {
		for _, v := range m.versions {
			fv := objects[v.obj]
			if !copied[v.obj] {
				fv = foldedCopy(v.obj, fv)
				objects[v.obj] = fv
				copied[v.obj] = true
			}
			for _, i := range v.changed.Indexes() {
				fv.changed.Set(i)
				fv.values[i] = v.values[i]
				fv.seqs[i] = m.seq
				fv.stamps[i] = m.stamp
			}
		}
	}
	maps := make([]*VersionMap, len(s.maps)-n)
	copy(maps, s.maps[n:])
	return &Snapshot{
		base: &folded{seq: s.maps[n-1].seq, objects: objects},
		maps: maps,
	}
}

func foldedCopy(obj *Object, prev *Version) *Version {
	count := obj.class.FieldCount()
	v := &Version{
		obj:    obj,
		values: make([]any, count),
		seqs:   make([]uint64, count),
		stamps: make([]clock.Stamp, count),
	}
	if prev != nil {
		v.changed = prev.changed
		copy(v.values, prev.values)
		copy(v.seqs, prev.seqs)
		copy(v.stamps, prev.stamps)
	}
	return v
}
