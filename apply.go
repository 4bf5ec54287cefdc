package fabric

import (
	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/block"
	"github.com/drpcorg/fabric/clock"
)

// ApplyBlock merges a block made elsewhere (another peer, or our own
// from a store) as a synthetic commit. No conflict policy applies: each
// field is taken only if the block's stamp beats the stamp of the write
// currently winning that field, so blocks may arrive in any order and
// more than once.
func (b *Branch) ApplyBlock(blk *block.Block) error {
	if b.closed.Load() {
		return ErrClosed
	}
	class, ok := b.registry.Lookup(blk.Class)
	if !ok {
		return errors.Wrapf(ErrTypeUnknown, "class %08x", blk.Class)
	}
	if blk.Count != class.FieldCount() {
		return errors.Wrapf(ErrCorruptedBlock, "%s has %d fields, block says %d", class.Name, class.FieldCount(), blk.Count)
	}
	if blk.Object.URI() != blk.URI {
		return errors.Wrap(ErrCorruptedBlock, "uri does not match object")
	}
	for _, f := range blk.Fields {
		if err := class.Check(f.Index, f.Value); err != nil {
			return errors.Wrapf(ErrCorruptedBlock, "field %d: %v", f.Index, err)
		}
	}
	obj, err := b.objectFor(blk.Object, class)
	if err != nil {
		return err
	}

	deps := clock.VVFromStamps(b.peers, blk.Deps)
	tick := b.peers.Tick(blk.Stamp)
	b.clock.ObserveAll(deps)
	b.clock.Observe(tick)

	var written Bitmap
	for _, f := range blk.Fields {
		written.Set(f.Index)
	}
	if blk.Stamp.Peer == b.peer {
		b.own(blk.URI, blk.Stamp, written)
	}

	for {
		cur := b.snap.Load()
		v := newVersion(obj)
		for _, f := range blk.Fields {
			_, _, winner, ok := cur.lookup(obj, f.Index)
			if !ok || blk.Stamp.Compare(winner) > 0 {
				v.set(f.Index, f.Value)
			}
		}
		if v.changed.IsEmpty() && cur.Has(obj) {
			BlocksApplied.WithLabelValues("stale").Inc()
			return nil
		}
		m := &VersionMap{
			seq:    cur.Tip() + 1,
			tick:   tick,
			stamp:  blk.Stamp,
			deps:   deps,
			remote: true,
			index:  make(map[*Object]*Version, 1),
		}
		m.add(v)
		if b.snap.CompareAndSwap(cur, cur.Append(m)) {
			BlocksApplied.WithLabelValues("applied").Inc()
			b.published(m)
			return nil
		}
		CASRetries.Inc()
	}
}
