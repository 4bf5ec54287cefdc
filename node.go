package fabric

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/block"
	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/network"
	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/replication"
	"github.com/drpcorg/fabric/resolver"
	"github.com/drpcorg/fabric/schema"
	"github.com/drpcorg/fabric/store"
	"github.com/drpcorg/fabric/utils"
)

type Options struct {
	Peer   uuid.UUID
	Logger utils.Logger
	// Adapter keeps the blocks; nil keeps them in memory.
	Adapter  store.Adapter
	Store    store.Options
	Branch   BranchOptions
	Hub      replication.Options
	Resolver resolver.Options
	Classes  []*schema.Class
	Net      []network.NetOpt
}

func (o *Options) SetDefaults() {
	if o.Peer == uuid.Nil {
		o.Peer = uuid.New()
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.Adapter == nil {
		o.Adapter = store.NewMemory()
	}
	if o.Store.Logger == nil {
		o.Store.Logger = o.Logger
	}
	if o.Hub.Logger == nil {
		o.Hub.Logger = o.Logger
	}
	if o.Resolver.Logger == nil {
		o.Resolver.Logger = o.Logger
	}
}

// Node is a local site: one branch, its store and its peers. Commits
// flow out as blocks into the store and to every peer; blocks of other
// peers are fetched, stored and applied.
type Node struct {
	opts     Options
	log      utils.Logger
	peer     uuid.UUID
	store    *store.Store
	branch   *Branch
	resolver *resolver.Resolver
	hub      *replication.Hub
	net      *network.Net

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Open wires a node and restores its branch from the store.
func Open(ctx context.Context, opts Options) (*Node, error) {
	opts.SetDefaults()
	peers := clock.NewPeers()
	registry := schema.NewRegistry()
	for _, c := range opts.Classes {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	st, err := store.Open(opts.Adapter, opts.Store)
	if err != nil {
		return nil, err
	}

	nctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		opts:   opts,
		log:    opts.Logger,
		peer:   opts.Peer,
		store:  st,
		ctx:    nctx,
		cancel: cancel,
	}

	bopts := opts.Branch
	bopts.Peer = opts.Peer
	bopts.Peers = peers
	bopts.Clock = clock.NewClock(peers.Intern(opts.Peer))
	bopts.Registry = registry
	bopts.Sink = &nodeSink{n}
	if bopts.Logger == nil {
		bopts.Logger = opts.Logger
	}
	n.branch = NewBranch(bopts)

	ropts := opts.Resolver
	ropts.Remover = n
	ropts.Peers = peers
	n.resolver = resolver.New(n, ropts)
	hopts := opts.Hub
	hopts.Peers = peers
	n.hub = replication.NewHub(opts.Peer, st, n, hopts)
	n.net = network.NewNet(opts.Logger, n.install, n.destroy, opts.Net...)

	if err := n.Restore(ctx); err != nil {
		_ = n.Close()
		return nil, err
	}
	n.log.Info("node open", "peer", n.peer, "objects", len(n.branch.Objects()))
	return n, nil
}

func (n *Node) Peer() uuid.UUID {
	return n.peer
}

func (n *Node) Branch() *Branch {
	return n.branch
}

func (n *Node) Store() *store.Store {
	return n.store
}

func (n *Node) Hub() *replication.Hub {
	return n.hub
}

func (n *Node) Resolver() *resolver.Resolver {
	return n.resolver
}

func (n *Node) Net() *network.Net {
	return n.net
}

func (n *Node) Registry() *schema.Registry {
	return n.branch.registry
}

// Begin opens a transaction on the node's branch, see Begin.
func (n *Node) Begin(ctx context.Context) (context.Context, *Transaction, error) {
	return Begin(ctx, n.branch)
}

func (n *Node) Run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) error {
	return n.branch.Run(ctx, fn)
}

func (n *Node) Listen(addr string) error {
	return n.net.Listen(addr)
}

func (n *Node) Connect(addr string) error {
	return n.net.Connect(addr)
}

func (n *Node) Disconnect(name string) error {
	return n.net.Disconnect(name)
}

// Link makes a session for an in-process connection; the caller pumps it.
func (n *Node) Link(name string) *replication.Session {
	return n.hub.NewSession(name)
}

func (n *Node) install(name string) protocol.FeedDrainCloserTraced {
	return n.hub.NewSession(name)
}

func (n *Node) destroy(name string, p protocol.Traced) {
	n.log.Debug("connection gone", "name", name, "trace_id", p.GetTraceId())
}

// ApplyBlock takes a block fetched from a peer: apply, store and pass it
// on to the other peers.
func (n *Node) ApplyBlock(b *block.Block) error {
	data, err := block.Encode(b)
	if err != nil {
		return err
	}
	if err := n.branch.ApplyBlock(b); err != nil {
		return err
	}
	if err := n.store.Put(n.ctx, b.URI, b.Stamp, data, b.Removals); err != nil {
		return err
	}
	n.hub.Announce(n.ctx, b.URI, b.Stamp, b.Stamp.Peer)
	return nil
}

// Remove deletes blocks a newer block superseded.
func (n *Node) Remove(ctx context.Context, uri schema.URIHash, stamps []clock.Stamp) error {
	var result *multierror.Error
	for _, s := range stamps {
		result = multierror.Append(result, n.store.Delete(ctx, uri, s))
	}
	return result.ErrorOrNil()
}

// OnAnnounce handles a peer's live announcement. Blocks we have are
// acknowledged at once so the peer can trim its replay log.
func (n *Node) OnAnnounce(ctx context.Context, s *replication.Session, uri schema.URIHash, stamps []clock.Stamp) {
	var fresh []clock.Stamp
	for _, st := range stamps {
		if n.resolver.IsLoaded(uri, st) {
			_ = s.Ack(ctx, uri, st)
		} else {
			fresh = append(fresh, st)
		}
	}
	if len(fresh) == 0 {
		return
	}
	if err := n.resolver.OnKnown(ctx, uri, s, fresh); err != nil && ctx.Err() == nil {
		n.log.Warn("fetch after announcement failed", "session", s.Name(), "uri", uri, "err", err)
	}
}

func (n *Node) OnClose(s *replication.Session) {
	n.resolver.Cancel(s.Name())
}

// Pull lists the object at every connected peer and fetches what is
// missing. Announcements are the fast path; pulling is the backstop when
// one got lost.
func (n *Node) Pull(ctx context.Context, uri schema.URIHash) error {
	var result *multierror.Error
	for _, s := range n.hub.Sessions() {
		stamps, err := s.List(ctx, uri)
		if err == nil {
			err = n.resolver.OnKnown(ctx, uri, s, stamps)
		}
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "pull from %s", s.Name()))
		}
	}
	return result.ErrorOrNil()
}

// Restore applies every block in the store.
func (n *Node) Restore(ctx context.Context) error {
	uris, err := n.store.URIs(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, uri := range uris {
		stamps, err := n.store.List(ctx, uri)
		if err != nil {
			return err
		}
		for _, st := range stamps {
			data, err := n.store.Get(ctx, uri, st)
			if err != nil {
				return err
			}
			b, err := block.Decode(data)
			if err == nil {
				err = n.branch.ApplyBlock(b)
			}
			if err != nil {
				n.log.Warn("restore: skipping block", "uri", uri, "stamp", st, "err", err)
				continue
			}
			n.resolver.MarkLoaded(uri, st)
			restored++
		}
	}
	if restored > 0 {
		n.log.Info("restored", "blocks", restored)
	}
	return nil
}

// Flush writes every commit so far to the store and syncs it.
func (n *Node) Flush(ctx context.Context) error {
	if err := n.branch.Flush(ctx); err != nil {
		return err
	}
	return n.store.Sync(ctx)
}

// Persist makes sure obj is durable in st, which must be the node's store.
func (n *Node) Persist(ctx context.Context, st *store.Store, obj *Object) error {
	if obj.branch != n.branch {
		return errors.Wrapf(ErrWrongTrunk, "%s", obj)
	}
	if st == nil || st != n.store {
		return errors.Wrapf(ErrWrongStore, "%s is not stored by %s", obj, n.branch.Name())
	}
	return n.Flush(ctx)
}

func (n *Node) SetRoot(ctx context.Context, obj *Object) error {
	if obj.branch != n.branch {
		return errors.Wrapf(ErrWrongTrunk, "%s", obj)
	}
	return n.store.SetRoot(ctx, obj.id)
}

func (n *Node) Root(ctx context.Context) (*Object, error) {
	id, err := n.store.Root(ctx)
	if err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, nil
	}
	obj, ok := n.branch.Object(id)
	if !ok {
		return nil, errors.Wrapf(ErrObjectUnknown, "root %s", id)
	}
	return obj, nil
}

func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	var result *multierror.Error
	// the last flush still reaches connected peers
	if err := n.branch.Close(); !errors.Is(err, ErrClosed) {
		result = multierror.Append(result, err)
	}
	result = multierror.Append(result, n.net.Close())
	result = multierror.Append(result, n.hub.Close())
	n.resolver.Close()
	n.cancel()
	result = multierror.Append(result, n.store.Close())
	return result.ErrorOrNil()
}

type nodeSink struct {
	n *Node
}

// Flush stores the blocks of local commits, then announces them.
func (s *nodeSink) Flush(ctx context.Context, blocks []Outgoing) error {
	for _, out := range blocks {
		b := out.Block
		if err := s.n.store.Put(ctx, b.URI, b.Stamp, out.Data, b.Removals); err != nil {
			return err
		}
		s.n.resolver.MarkLoaded(b.URI, b.Stamp)
	}
	for _, out := range blocks {
		s.n.hub.Announce(ctx, out.Block.URI, out.Block.Stamp, uuid.Nil)
	}
	return nil
}
