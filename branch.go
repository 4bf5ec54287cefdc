package fabric

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/schema"
	"github.com/drpcorg/fabric/utils"
)

type BranchOptions struct {
	Name     string
	Peer     uuid.UUID
	Peers    *clock.Peers
	Clock    *clock.Clock
	Registry *schema.Registry
	// Sink receives the blocks of local commits; nil drops them.
	Sink   Sink
	Logger utils.Logger

	Conflict    ConflictDetection
	Granularity Granularity
	// MaxCASRetries bounds the attempts of one commit racing others.
	MaxCASRetries int
	// MaxTail is the number of maps a snapshot keeps before flushed ones
	// are folded into its base.
	MaxTail       int
	FlushInterval time.Duration

	// Above SoftLimit pending maps writers call OnOverload, or get paced
	// at ThrottleRate commits per second when it is nil. Above HardLimit
	// they wait for the flush, or fail with ErrOverload if NonBlocking.
	SoftLimit    int
	HardLimit    int
	NonBlocking  bool
	OnOverload   func(pending int)
	ThrottleRate float64

	// RetryTimeout bounds Run retries.
	RetryTimeout time.Duration
}

func (o *BranchOptions) SetDefaults() {
	if o.Name == "" {
		o.Name = "trunk"
	}
	if o.Peer == uuid.Nil {
		o.Peer = uuid.New()
	}
	if o.Peers == nil {
		o.Peers = clock.NewPeers()
	}
	if o.Clock == nil {
		o.Clock = clock.NewClock(o.Peers.Intern(o.Peer))
	}
	if o.Registry == nil {
		o.Registry = schema.NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.MaxCASRetries == 0 {
		o.MaxCASRetries = 64
	}
	if o.MaxTail == 0 {
		o.MaxTail = 64
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = 10 * time.Millisecond
	}
	if o.SoftLimit == 0 {
		o.SoftLimit = 1 << 10
	}
	if o.HardLimit == 0 {
		o.HardLimit = 1 << 12
	}
	if o.HardLimit < o.SoftLimit {
		o.HardLimit = o.SoftLimit
	}
	if o.ThrottleRate == 0 {
		o.ThrottleRate = 1000
	}
	if o.RetryTimeout == 0 {
		o.RetryTimeout = 10 * time.Second
	}
}

// Branch is a root of transactional state: the objects, the current
// snapshot and the pipeline flushing commits out as blocks. The snapshot
// pointer is the only shared mutable state on the commit path.
type Branch struct {
	opts     BranchOptions
	log      utils.Logger
	peer     uuid.UUID
	peers    *clock.Peers
	clock    *clock.Clock
	registry *schema.Registry

	snap      atomic.Pointer[Snapshot]
	objects   *xsync.MapOf[schema.ObjectID, *Object]
	nextLocal atomic.Uint64

	// published maps are delivered in seq order
	dlock      sync.Mutex
	ready      utils.Heap[uint64, *VersionMap]
	delivered  uint64
	delivering bool
	dchanged   chan struct{}

	subs listeners

	flock      sync.Mutex
	queue      []*VersionMap
	fchanged   chan struct{}
	flushMu    sync.Mutex
	pending    atomic.Int64
	flushedSeq atomic.Uint64
	owned      map[schema.URIHash][]ownedBlock
	wake       chan struct{}
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
	err    error
}

func NewBranch(opts BranchOptions) *Branch {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Branch{
		opts:      opts,
		log:       opts.Logger,
		peer:      opts.Peer,
		peers:     opts.Peers,
		clock:     opts.Clock,
		registry:  opts.Registry,
		objects:   xsync.NewMapOf[schema.ObjectID, *Object](),
		dchanged:  make(chan struct{}),
		fchanged:  make(chan struct{}),
		owned:     make(map[schema.URIHash][]ownedBlock),
		wake:      make(chan struct{}, 1),
		limiter:   rate.NewLimiter(rate.Limit(opts.ThrottleRate), 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	b.snap.Store(newSnapshot())
	go b.flushLoop()
	return b
}

func (b *Branch) Name() string {
	return b.opts.Name
}

func (b *Branch) Peer() uuid.UUID {
	return b.peer
}

func (b *Branch) Clock() *clock.Clock {
	return b.clock
}

func (b *Branch) Peers() *clock.Peers {
	return b.peers
}

func (b *Branch) Registry() *schema.Registry {
	return b.registry
}

func (b *Branch) Options() BranchOptions {
	return b.opts
}

// Snapshot is the current committed state.
func (b *Branch) Snapshot() *Snapshot {
	return b.snap.Load()
}

// Object returns a known object by id.
func (b *Branch) Object(id schema.ObjectID) (*Object, bool) {
	return b.objects.Load(id)
}

func (b *Branch) Objects() (ret []*Object) {
	b.objects.Range(func(_ schema.ObjectID, o *Object) bool {
		ret = append(ret, o)
		return true
	})
	return
}

// Pending is the number of published maps not flushed yet.
func (b *Branch) Pending() int {
	return int(b.pending.Load())
}

func (b *Branch) newLocalObject(class *schema.Class) (*Object, error) {
	if err := b.registry.Register(class); err != nil {
		return nil, err
	}
	id := schema.ObjectID{Peer: b.peer, Local: b.nextLocal.Add(1)}
	obj := newObject(b, id, class)
	b.objects.Store(id, obj)
	return obj, nil
}

func (b *Branch) objectFor(id schema.ObjectID, class *schema.Class) (*Object, error) {
	obj, _ := b.objects.LoadOrCompute(id, func() *Object {
		return newObject(b, id, class)
	})
	if obj.class.ID != class.ID {
		return nil, errors.Wrapf(ErrTypeUnknown, "object %s is a %s, not a %s", id, obj.class.Name, class.Name)
	}
	if id.Peer == b.peer {
		for {
			cur := b.nextLocal.Load()
			if cur >= id.Local || b.nextLocal.CompareAndSwap(cur, id.Local) {
				break
			}
		}
	}
	return obj, nil
}

func (b *Branch) commit(tx *Transaction) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.admit(tx.ctx); err != nil {
		return err
	}
	start := time.Now()
	tip := tx.snap.Tip()
	for attempt := 0; attempt < b.opts.MaxCASRetries; attempt++ {
		cur := b.snap.Load()
		if obj := b.opts.Conflict.conflicts(cur, tip, tx); obj != nil {
			ConflictsTotal.WithLabelValues(b.opts.Conflict.String()).Inc()
			return errors.Wrapf(ErrConflict, "%s changed after seq %d", obj, tip)
		}
		// the tick is drawn after the load, so tick order follows seq order
		deps := b.clock.Known()
		tick, err := b.clock.Next()
		if err != nil {
			return err
		}
		m := &VersionMap{
			seq:   cur.Tip() + 1,
			tick:  tick,
			stamp: b.peers.Stamp(tick),
			deps:  deps,
			index: make(map[*Object]*Version, len(tx.staged)),
		}
		for _, v := range tx.staged {
			m.add(v.clone(m))
		}
		if b.snap.CompareAndSwap(cur, cur.Append(m)) {
			CommitsTotal.Inc()
			CommitDuration.Observe(time.Since(start).Seconds())
			b.published(m)
			return nil
		}
		CASRetries.Inc()
	}
	ConflictsTotal.WithLabelValues("CAS").Inc()
	return errors.Wrapf(ErrConflict, "gave up after %d concurrent commits", b.opts.MaxCASRetries)
}

// published hands maps to listeners and the flusher in seq order. Commits
// publish concurrently; whoever finds the next seq delivers it, and any
// commit made by a listener is delivered by the same loop afterwards.
func (b *Branch) published(m *VersionMap) {
	b.dlock.Lock()
	b.ready.Push(m.seq, m)
	if b.delivering {
		b.dlock.Unlock()
		return
	}
	b.delivering = true
	for {
		seq, _, ok := b.ready.Top()
		if !ok || seq != b.delivered+1 {
			b.delivering = false
			b.dlock.Unlock()
			return
		}
		_, next := b.ready.Pop()
		b.dlock.Unlock()

		b.subs.notify(next)
		b.enqueue(next)

		b.dlock.Lock()
		b.delivered = seq
		close(b.dchanged)
		b.dchanged = make(chan struct{})
	}
}

// waitDelivered blocks until every map up to seq reached the flusher.
func (b *Branch) waitDelivered(ctx context.Context, seq uint64) error {
	for {
		b.dlock.Lock()
		delivered, ch := b.delivered, b.dchanged
		b.dlock.Unlock()
		if delivered >= seq {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close flushes what is pending and stops the flusher.
func (b *Branch) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	b.cancel()
	<-b.done
	return b.err
}
