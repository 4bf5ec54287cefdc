package fabric

import (
	"github.com/drpcorg/fabric/clock"
)

// Version is the field delta of one object written by one transaction.
// It is never changed once its map is published.
type Version struct {
	obj     *Object
	changed Bitmap
	values  []any
	vmap    *VersionMap
	// set on folded versions only: the writer of each field
	seqs   []uint64
	stamps []clock.Stamp
}

func newVersion(obj *Object) *Version {
	return &Version{obj: obj, values: make([]any, obj.class.FieldCount())}
}

func (v *Version) Object() *Object {
	return v.obj
}

func (v *Version) Changed() Bitmap {
	return v.changed
}

func (v *Version) Get(i int) (any, bool) {
	if i < 0 || i >= len(v.values) || !v.changed.Has(i) {
		return nil, false
	}
	return v.values[i], true
}

// Map is nil for folded versions.
func (v *Version) Map() *VersionMap {
	return v.vmap
}

func (v *Version) set(i int, val any) {
	v.changed.Set(i)
	v.values[i] = val
}

func (v *Version) writer(i int) (seq uint64, stamp clock.Stamp) {
	if v.seqs != nil {
		return v.seqs[i], v.stamps[i]
	}
	return v.vmap.seq, v.vmap.stamp
}

// clone copies a staged version into a map being built.
func (v *Version) clone(into *VersionMap) *Version {
	c := &Version{obj: v.obj, changed: v.changed, vmap: into}
	c.values = append([]any(nil), v.values...)
	return c
}

// VersionMap is the set of versions one commit publishes atomically.
type VersionMap struct {
	seq      uint64
	tick     clock.Tick
	stamp    clock.Stamp
	deps     clock.VV
	remote   bool
	versions []*Version
	index    map[*Object]*Version
}

func (m *VersionMap) Seq() uint64 {
	return m.seq
}

func (m *VersionMap) Tick() clock.Tick {
	return m.tick
}

func (m *VersionMap) Stamp() clock.Stamp {
	return m.stamp
}

// Deps is the causal summary the commit was made on.
func (m *VersionMap) Deps() clock.VV {
	return m.deps
}

// Remote maps carry blocks of other peers.
func (m *VersionMap) Remote() bool {
	return m.remote
}

func (m *VersionMap) Versions() []*Version {
	return m.versions
}

func (m *VersionMap) Get(obj *Object) *Version {
	return m.index[obj]
}

func (m *VersionMap) add(v *Version) {
	v.vmap = m
	m.versions = append(m.versions, v)
	m.index[v.obj] = v
}
