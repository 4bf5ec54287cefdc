/*
Package resolver reconciles what origins (stores and peers) have with what
is loaded locally.

For every (object, origin) pair a View walks

	UNKNOWN -> LISTING -> KNOWN -> FETCHING -> LOADED

Listing asks the origin for every stamp it has of the object; later
announcements add to that list. Missing blocks are fetched, applied, their
removals processed and then acknowledged back to the origin. There is at
most one fetch in flight per block whatever the number of requesters.

Whatever is known but not loaded is requested again on the next listing
or announcement. A fetched block whose dependency summary covers a known,
still missing stamp of the same object is parked and applied right after
that stamp loads, so blocks of one object are applied in causal order.
*/
package resolver

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/drpcorg/fabric/block"
	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/schema"
	"github.com/drpcorg/fabric/utils"
)

var (
	ErrCanceled = errors.New("resolver: fetch canceled")
	// ErrDeferred is returned for a block parked until its causal past loads.
	ErrDeferred = errors.New("resolver: block waits for its causal past")
)

type Origin interface {
	Name() string
	List(ctx context.Context, uri schema.URIHash) ([]clock.Stamp, error)
	Fetch(ctx context.Context, uri schema.URIHash, stamp clock.Stamp) ([]byte, error)
	Ack(ctx context.Context, uri schema.URIHash, stamp clock.Stamp) error
}

// Applier installs a remote block into local state. Applying a block twice
// must be harmless.
type Applier interface {
	ApplyBlock(b *block.Block) error
}

// Remover deletes superseded blocks from local storage.
type Remover interface {
	Remove(ctx context.Context, uri schema.URIHash, stamps []clock.Stamp) error
}

type Options struct {
	Logger utils.Logger
	// FetchLimit bounds concurrent fetches of one OnKnown call.
	FetchLimit int
	Remover    Remover
	// Peers interns the stamps of dependency summaries.
	Peers *clock.Peers
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.FetchLimit == 0 {
		o.FetchLimit = 4
	}
	if o.Peers == nil {
		o.Peers = clock.NewPeers()
	}
}

type viewKey struct {
	uri    schema.URIHash
	origin string
}

type fetchKey struct {
	uri   schema.URIHash
	stamp clock.Stamp
}

type fetch struct {
	origin string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	block  *block.Block
	err    error
}

func (f *fetch) finish(b *block.Block, err error) {
	f.once.Do(func() {
		f.block, f.err = b, err
		close(f.done)
	})
}

type parked struct {
	block  *block.Block
	origin Origin
}

type Resolver struct {
	opts     Options
	applier  Applier
	ctx      context.Context
	cancel   context.CancelFunc
	views    *xsync.MapOf[viewKey, *View]
	loaded   *xsync.MapOf[schema.URIHash, mapset.Set[clock.Stamp]]
	known    *xsync.MapOf[schema.URIHash, mapset.Set[clock.Stamp]]
	inflight *xsync.MapOf[fetchKey, *fetch]

	// plock orders parking against the wakeup after a load
	plock  sync.Mutex
	parked map[schema.URIHash]map[clock.Stamp]parked
}

func New(applier Applier, opts Options) *Resolver {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		opts:     opts,
		applier:  applier,
		ctx:      ctx,
		cancel:   cancel,
		views:    xsync.NewMapOf[viewKey, *View](),
		loaded:   xsync.NewMapOf[schema.URIHash, mapset.Set[clock.Stamp]](),
		known:    xsync.NewMapOf[schema.URIHash, mapset.Set[clock.Stamp]](),
		inflight: xsync.NewMapOf[fetchKey, *fetch](),
		parked:   make(map[schema.URIHash]map[clock.Stamp]parked),
	}
}

func (r *Resolver) View(uri schema.URIHash, origin string) *View {
	v, _ := r.views.LoadOrCompute(viewKey{uri, origin}, func() *View {
		return &View{URI: uri, Origin: origin}
	})
	return v
}

func stampSet(m *xsync.MapOf[schema.URIHash, mapset.Set[clock.Stamp]], uri schema.URIHash) mapset.Set[clock.Stamp] {
	set, _ := m.LoadOrCompute(uri, func() mapset.Set[clock.Stamp] {
		return mapset.NewSet[clock.Stamp]()
	})
	return set
}

func (r *Resolver) loadedSet(uri schema.URIHash) mapset.Set[clock.Stamp] {
	return stampSet(r.loaded, uri)
}

// IsParked says whether the block was fetched but waits for its causal past.
func (r *Resolver) IsParked(uri schema.URIHash, stamp clock.Stamp) bool {
	r.plock.Lock()
	defer r.plock.Unlock()
	_, ok := r.parked[uri][stamp]
	return ok
}

func (r *Resolver) parkedStamps(uri schema.URIHash) mapset.Set[clock.Stamp] {
	r.plock.Lock()
	defer r.plock.Unlock()
	set := mapset.NewThreadUnsafeSet[clock.Stamp]()
	for s := range r.parked[uri] {
		set.Add(s)
	}
	return set
}

// MarkLoaded records blocks that are present without a fetch: local
// commits and what was restored from the store.
func (r *Resolver) MarkLoaded(uri schema.URIHash, stamps ...clock.Stamp) {
	r.loadedSet(uri).Append(stamps...)
}

func (r *Resolver) IsLoaded(uri schema.URIHash, stamp clock.Stamp) bool {
	return r.loadedSet(uri).Contains(stamp)
}

func (r *Resolver) Loaded(uri schema.URIHash) []clock.Stamp {
	return clock.SortStamps(r.loadedSet(uri).ToSlice())
}

// GetKnown returns what the origin has of the object, listing it first if
// this is the first time we ask. Missing blocks are fetched before return.
func (r *Resolver) GetKnown(ctx context.Context, uri schema.URIHash, origin Origin) ([]clock.Stamp, error) {
	v := r.View(uri, origin.Name())
	for {
		v.lock.Lock()
		switch v.state {
		case Unknown:
			v.state = Listing
			listed := make(chan struct{})
			v.listed = listed
			v.lock.Unlock()
			stamps, err := origin.List(ctx, uri)
			if err != nil {
				v.lock.Lock()
				if v.state == Listing {
					v.state = Unknown
					close(listed)
				}
				v.lock.Unlock()
				return nil, err
			}
			if err = r.OnKnown(ctx, uri, origin, stamps); err != nil {
				return nil, err
			}
			return v.Known(), nil
		case Listing:
			listed := v.listed
			v.lock.Unlock()
			select {
			case <-listed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case Known:
			v.lock.Unlock()
			// something failed to load last time: ask again
			if err := r.OnKnown(ctx, uri, origin, nil); err != nil {
				return nil, err
			}
			return v.Known(), nil
		default:
			known := slices.Clone(v.known)
			v.lock.Unlock()
			return known, nil
		}
	}
}

// OnKnown merges stamps learned from the origin, by listing or by live
// announcement, and fetches every known one that is not loaded yet,
// including those whose earlier fetch failed. Corrupt and parked blocks
// stay missing; other fetch failures are returned.
func (r *Resolver) OnKnown(ctx context.Context, uri schema.URIHash, origin Origin, stamps []clock.Stamp) error {
	v := r.View(uri, origin.Name())
	loaded := r.loadedSet(uri)
	stampSet(r.known, uri).Append(stamps...)

	v.lock.Lock()
	v.merge(stamps)
	if v.state == Listing {
		close(v.listed)
	}
	missing := mapset.NewSet(v.known...).Difference(loaded).Difference(r.parkedStamps(uri))
	v.state = Fetching
	v.lock.Unlock()

	err := r.fetchAll(ctx, uri, origin, clock.SortStamps(missing.ToSlice()))

	v.lock.Lock()
	v.state = Loaded
	for _, s := range v.known {
		if !loaded.Contains(s) {
			v.state = Known
			break
		}
	}
	v.lock.Unlock()
	return err
}

func (r *Resolver) fetchAll(ctx context.Context, uri schema.URIHash, origin Origin, stamps []clock.Stamp) error {
	if len(stamps) == 0 {
		return nil
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.FetchLimit)
	for _, s := range stamps {
		eg.Go(func() error {
			_, err := r.GetBlock(ctx, uri, s, origin)
			if errors.Is(err, fabric_errors.ErrCorruptedBlock) || errors.Is(err, ErrDeferred) {
				return nil
			}
			return err
		})
	}
	return eg.Wait()
}

// GetBlock fetches, applies and acknowledges one block. Concurrent calls
// for the same block share one fetch. A block that waits for its causal
// past comes back with ErrDeferred and is applied once that past loads.
func (r *Resolver) GetBlock(ctx context.Context, uri schema.URIHash, stamp clock.Stamp, origin Origin) (*block.Block, error) {
	key := fetchKey{uri, stamp}
	f, shared := r.inflight.LoadOrCompute(key, func() *fetch {
		fctx, cancel := context.WithCancel(r.ctx)
		return &fetch{
			origin: origin.Name(),
			ctx:    fctx,
			cancel: cancel,
			done:   make(chan struct{}),
		}
	})
	if shared {
		FetchesShared.Inc()
	} else {
		FetchesStarted.Inc()
		go r.run(key, f, origin)
	}
	select {
	case <-f.done:
		return f.block, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) run(key fetchKey, f *fetch, origin Origin) {
	defer f.cancel()
	b, err := r.load(f.ctx, key, origin)
	r.forget(key, f)
	f.finish(b, err)
}

func (r *Resolver) forget(key fetchKey, f *fetch) {
	r.inflight.Compute(key, func(cur *fetch, loaded bool) (*fetch, bool) {
		return cur, !loaded || cur == f
	})
}

func (r *Resolver) load(ctx context.Context, key fetchKey, origin Origin) (*block.Block, error) {
	log := r.opts.Logger
	data, err := origin.Fetch(ctx, key.uri, key.stamp)
	if ctx.Err() != nil {
		return nil, ErrCanceled
	}
	if err != nil {
		return nil, err
	}
	b, err := block.Decode(data)
	if err == nil && (b.URI != key.uri || b.Stamp != key.stamp) {
		err = errors.Wrapf(fabric_errors.ErrCorruptedBlock, "got %s %s", b.URI, b.Stamp)
	}
	if err != nil {
		CorruptBlocks.WithLabelValues(origin.Name()).Inc()
		log.Warn("resolver: corrupt block", "origin", origin.Name(), "uri", key.uri, "stamp", key.stamp, "err", err)
		return nil, err
	}
	if r.park(b, origin) {
		log.Debug("resolver: block parked", "origin", origin.Name(), "uri", key.uri, "stamp", key.stamp)
		return b, ErrDeferred
	}
	if err = r.install(ctx, b, origin); err != nil {
		return nil, err
	}
	return b, nil
}

// waitsFor lists the known stamps of the object that are in the block's
// causal past and not loaded. The block's own removals are not waited for:
// it supersedes them. Called with plock held.
func (r *Resolver) waitsFor(b *block.Block) (waits []clock.Stamp) {
	peers := r.opts.Peers
	deps := clock.VVFromStamps(peers, b.Deps)
	if len(deps) == 0 {
		return nil
	}
	self := peers.Tick(b.Stamp)
	loaded := r.loadedSet(b.URI)
	for _, s := range stampSet(r.known, b.URI).ToSlice() {
		if loaded.Contains(s) || slices.Contains(b.Removals, s) {
			continue
		}
		if clock.HappenedBefore(peers.Tick(s), self, deps) {
			waits = append(waits, s)
		}
	}
	return
}

// park holds the block back if it waits for anything.
func (r *Resolver) park(b *block.Block, origin Origin) bool {
	r.plock.Lock()
	defer r.plock.Unlock()
	if len(r.waitsFor(b)) == 0 {
		return false
	}
	held := r.parked[b.URI]
	if held == nil {
		held = make(map[clock.Stamp]parked)
		r.parked[b.URI] = held
	}
	held[b.Stamp] = parked{b, origin}
	BlocksParked.Inc()
	return true
}

// unpark takes the parked blocks of the object that wait for nothing now.
func (r *Resolver) unpark(uri schema.URIHash) (ready []parked) {
	r.plock.Lock()
	defer r.plock.Unlock()
	held := r.parked[uri]
	for s, p := range held {
		if len(r.waitsFor(p.block)) == 0 {
			ready = append(ready, p)
			delete(held, s)
			BlocksParked.Dec()
		}
	}
	if len(held) == 0 {
		delete(r.parked, uri)
	}
	slices.SortFunc(ready, func(a, b parked) int {
		return a.block.Stamp.Compare(b.block.Stamp)
	})
	return
}

// install applies the block, processes its removals, acknowledges it and
// then applies whatever was parked on it.
func (r *Resolver) install(ctx context.Context, b *block.Block, origin Origin) error {
	log := r.opts.Logger
	if err := r.applier.ApplyBlock(b); err != nil {
		log.Warn("resolver: apply failed", "origin", origin.Name(), "uri", b.URI, "stamp", b.Stamp, "err", err)
		return err
	}
	loaded := r.loadedSet(b.URI)
	loaded.Add(b.Stamp)
	if len(b.Removals) > 0 {
		loaded.Append(b.Removals...)
		if r.opts.Remover != nil {
			if err := r.opts.Remover.Remove(ctx, b.URI, b.Removals); err != nil {
				log.Warn("resolver: removal failed", "uri", b.URI, "err", err)
			}
		}
	}
	if err := origin.Ack(ctx, b.URI, b.Stamp); err != nil {
		log.Warn("resolver: ack failed", "origin", origin.Name(), "err", err)
	} else {
		r.View(b.URI, origin.Name()).ack(b.Stamp)
	}
	for _, p := range r.unpark(b.URI) {
		if err := r.install(r.ctx, p.block, p.origin); err != nil {
			log.Warn("resolver: parked block failed", "uri", b.URI, "stamp", p.block.Stamp, "err", err)
		}
	}
	return nil
}

// Cancel drops everything in flight from the origin and forgets its views.
// Waiters get ErrCanceled; results arriving later are discarded.
func (r *Resolver) Cancel(origin string) {
	r.inflight.Range(func(key fetchKey, f *fetch) bool {
		if f.origin == origin {
			r.forget(key, f)
			f.cancel()
			f.finish(nil, ErrCanceled)
		}
		return true
	})
	r.views.Range(func(key viewKey, _ *View) bool {
		if key.origin == origin {
			r.views.Delete(key)
		}
		return true
	})
	// parked blocks are fetched again from whoever has them
	r.plock.Lock()
	for uri, held := range r.parked {
		for s, p := range held {
			if p.origin.Name() == origin {
				delete(held, s)
				BlocksParked.Dec()
			}
		}
		if len(held) == 0 {
			delete(r.parked, uri)
		}
	}
	r.plock.Unlock()
}

func (r *Resolver) Close() {
	r.cancel()
	r.inflight.Range(func(key fetchKey, f *fetch) bool {
		f.finish(nil, ErrCanceled)
		return true
	})
}
