package fabric

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/block"
	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/schema"
)

// Sink takes the blocks of local commits, in commit order. An error keeps
// the maps pending; they are offered again on the next flush.
type Sink interface {
	Flush(ctx context.Context, blocks []Outgoing) error
}

type Outgoing struct {
	Block *block.Block
	Data  []byte
}

// ownedBlock is a stored block of ours and the fields no newer block of
// ours has overwritten yet.
type ownedBlock struct {
	stamp  clock.Stamp
	fields Bitmap
}

func (b *Branch) enqueue(m *VersionMap) {
	b.flock.Lock()
	b.queue = append(b.queue, m)
	b.flock.Unlock()
	pending := b.pending.Add(1)
	PendingMaps.WithLabelValues(b.opts.Name).Set(float64(pending))
	if int(pending) >= b.opts.SoftLimit/2 {
		b.kick()
	}
}

func (b *Branch) kick() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Branch) flushLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			b.err = b.Flush(context.Background())
			return
		case <-b.wake:
		case <-ticker.C:
		}
		if err := b.flushPending(b.ctx); err != nil && b.ctx.Err() == nil {
			b.log.Warn("flush failed, will retry", "branch", b.opts.Name, "err", err)
		}
	}
}

// Flush pushes every map committed so far to the sink.
func (b *Branch) Flush(ctx context.Context) error {
	if err := b.waitDelivered(ctx, b.snap.Load().Tip()); err != nil {
		return err
	}
	return b.flushPending(ctx)
}

func (b *Branch) flushPending(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.flock.Lock()
	maps := b.queue
	b.queue = nil
	b.flock.Unlock()
	if len(maps) == 0 {
		return nil
	}

	out, owned := b.blocks(maps)
	if len(out) > 0 && b.opts.Sink != nil {
		if err := b.opts.Sink.Flush(ctx, out); err != nil {
			FlushFailures.Inc()
			b.flock.Lock()
			b.queue = append(maps, b.queue...)
			b.flock.Unlock()
			return err
		}
	}

	b.flock.Lock()
	for uri, list := range owned {
		b.owned[uri] = list
	}
	b.flushedSeq.Store(maps[len(maps)-1].seq)
	pending := b.pending.Add(-int64(len(maps)))
	close(b.fchanged)
	b.fchanged = make(chan struct{})
	b.flock.Unlock()

	BlocksFlushed.Add(float64(len(out)))
	PendingMaps.WithLabelValues(b.opts.Name).Set(float64(pending))
	b.fold()
	return nil
}

type draft struct {
	v *Version
	m *VersionMap
}

// blocks turns a run of maps into blocks of local versions. Under
// Coalesce a version is dropped when a later one of the same object
// rewrites all of its fields with no remote write in between.
func (b *Branch) blocks(maps []*VersionMap) ([]Outgoing, map[schema.URIHash][]ownedBlock) {
	var drafts []*draft
	last := make(map[*Object]int)
	for _, m := range maps {
		for _, v := range m.versions {
			if m.remote {
				delete(last, v.obj)
				continue
			}
			if i, ok := last[v.obj]; ok && b.opts.Granularity == Coalesce && v.changed.Covers(drafts[i].v.changed) {
				drafts[i] = nil
				CoalescedVersions.Inc()
			}
			drafts = append(drafts, &draft{v, m})
			last[v.obj] = len(drafts) - 1
		}
	}

	owned := make(map[schema.URIHash][]ownedBlock)
	b.flock.Lock()
	defer b.flock.Unlock()
	var out []Outgoing
	for _, d := range drafts {
		if d == nil {
			continue
		}
		uri := d.v.obj.uri
		prev, ok := owned[uri]
		if !ok {
			prev = b.owned[uri]
		}
		var removals []clock.Stamp
		kept := make([]ownedBlock, 0, len(prev)+1)
		for _, ob := range prev {
			ob.fields = ob.fields.AndNot(d.v.changed)
			if ob.fields.IsEmpty() {
				removals = append(removals, ob.stamp)
			} else {
				kept = append(kept, ob)
			}
		}
		owned[uri] = append(kept, ownedBlock{d.m.stamp, d.v.changed})

		blk := b.blockOf(d.v, d.m, removals)
		data, err := block.Encode(blk)
		if err != nil {
			b.log.Error("block encoding failed", "object", d.v.obj.String(), "err", err)
			continue
		}
		out = append(out, Outgoing{Block: blk, Data: data})
	}
	return out, owned
}

func (b *Branch) blockOf(v *Version, m *VersionMap, removals []clock.Stamp) *block.Block {
	blk := &block.Block{
		URI:      v.obj.uri,
		Stamp:    m.stamp,
		Object:   v.obj.id,
		Class:    v.obj.class.ID,
		Count:    v.obj.class.FieldCount(),
		Removals: clock.SortStamps(removals),
		Deps:     m.deps.Stamps(b.peers),
	}
	for _, i := range v.changed.Indexes() {
		blk.Fields = append(blk.Fields, block.FieldValue{Index: i, Value: v.values[i]})
	}
	return blk
}

// own records a stored block of ours that came back through a store or a
// peer, so that newer blocks can list it as removed.
func (b *Branch) own(uri schema.URIHash, stamp clock.Stamp, fields Bitmap) {
	b.flock.Lock()
	defer b.flock.Unlock()
	list := b.owned[uri]
	for _, ob := range list {
		if ob.stamp == stamp {
			return
		}
	}
	list = append(list, ownedBlock{stamp, fields})
	sort.Slice(list, func(i, j int) bool { return list[i].stamp.Less(list[j].stamp) })
	b.owned[uri] = list
}

// fold moves flushed maps into the snapshot base once the tail is long.
func (b *Branch) fold() {
	for {
		cur := b.snap.Load()
		if cur.Len() <= b.opts.MaxTail {
			return
		}
		flushed := b.flushedSeq.Load()
		n := sort.Search(cur.Len(), func(i int) bool { return cur.maps[i].seq > flushed })
		n = min(n, cur.Len()-b.opts.MaxTail/2)
		if n <= 0 {
			return
		}
		if b.snap.CompareAndSwap(cur, cur.fold(n)) {
			FoldsTotal.Inc()
			return
		}
	}
}

// admit applies backpressure at commit entry.
func (b *Branch) admit(ctx context.Context) error {
	pending := int(b.pending.Load())
	switch {
	case pending >= b.opts.HardLimit:
		OverloadTotal.WithLabelValues("hard").Inc()
		if b.opts.NonBlocking {
			return errors.Wrapf(ErrOverload, "%d maps pending", pending)
		}
		for {
			b.kick()
			b.flock.Lock()
			ch := b.fchanged
			b.flock.Unlock()
			if int(b.pending.Load()) < b.opts.HardLimit {
				return nil
			}
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			case <-b.ctx.Done():
				return ErrClosed
			}
		}
	case pending >= b.opts.SoftLimit:
		OverloadTotal.WithLabelValues("soft").Inc()
		b.kick()
		if b.opts.OnOverload != nil {
			b.opts.OnOverload(pending)
			return nil
		}
		return b.limiter.Wait(ctx)
	}
	return nil
}
