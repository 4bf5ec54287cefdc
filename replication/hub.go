package replication

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/schema"
	"github.com/drpcorg/fabric/utils"
)

// Source serves the blocks this node has, usually a store.Store.
type Source interface {
	List(ctx context.Context, uri schema.URIHash) ([]clock.Stamp, error)
	Fetch(ctx context.Context, uri schema.URIHash, stamp clock.Stamp) ([]byte, error)
	URIs(ctx context.Context) ([]schema.URIHash, error)
}

// Handler gets the announcements peers push to us.
type Handler interface {
	OnAnnounce(ctx context.Context, s *Session, uri schema.URIHash, stamps []clock.Stamp)
	OnClose(s *Session)
}

type Options struct {
	Logger utils.Logger
	// Unacknowledged announcements kept per peer. A peer whose log
	// overflows gets the full inventory on its next hello.
	MaxLogLen    int
	QueueLimit   int
	QueueTimeout time.Duration
	BatchSize    int
	// Peers interns the stamps of hello watermarks.
	Peers *clock.Peers
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.MaxLogLen == 0 {
		o.MaxLogLen = 1 << 16
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 1 << 27
	}
	if o.QueueTimeout == 0 {
		o.QueueTimeout = time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 1 << 20
	}
	if o.Peers == nil {
		o.Peers = clock.NewPeers()
	}
}

type announcement struct {
	uri   schema.URIHash
	stamp clock.Stamp
}

// Hub keeps the sessions of a node, announces its new blocks to them
// and remembers what each peer has not acknowledged yet.
type Hub struct {
	self    uuid.UUID
	source  Source
	handler Handler
	opts    Options
	log     utils.Logger

	sessions *xsync.MapOf[uuid.UUID, *Session]
	pending  *xsync.MapOf[string, *Session]

	lock sync.Mutex
	logs map[uuid.UUID][]announcement
}

func NewHub(self uuid.UUID, source Source, handler Handler, opts Options) *Hub {
	opts.SetDefaults()
	return &Hub{
		self:     self,
		source:   source,
		handler:  handler,
		opts:     opts,
		log:      opts.Logger,
		sessions: xsync.NewMapOf[uuid.UUID, *Session](),
		pending:  xsync.NewMapOf[string, *Session](),
		logs:     make(map[uuid.UUID][]announcement),
	}
}

func (h *Hub) Self() uuid.UUID {
	return h.self
}

// NewSession makes a session for a fresh connection; it joins the hub
// once the peer says hello.
func (h *Hub) NewSession(name string) *Session {
	ctx, cancel := context.WithCancel(utils.WithDefaultArgs(context.Background(), "session", name))
	s := &Session{
		hub:    h,
		name:   name,
		log:    h.log,
		out:    utils.NewFDQueue[protocol.Records](h.opts.QueueLimit, h.opts.QueueTimeout, h.opts.BatchSize),
		ctx:    ctx,
		cancel: cancel,
		hello:  make(chan struct{}),
		reqs:   xsync.NewMapOf[uint64, *request](),
	}
	h.pending.Store(name, s)
	return s
}

// Session returns the live session of a peer, if any.
func (h *Hub) Session(peer uuid.UUID) *Session {
	s, _ := h.sessions.Load(peer)
	return s
}

func (h *Hub) Sessions() (ret []*Session) {
	h.sessions.Range(func(_ uuid.UUID, s *Session) bool {
		ret = append(ret, s)
		return true
	})
	return
}

// Pending is the number of announcements the peer has not acknowledged.
func (h *Hub) Pending(peer uuid.UUID) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.logs[peer])
}

// Announce tells every peer but except about a new block. Peers that are
// not connected get it from their replay log on reconnect.
func (h *Hub) Announce(ctx context.Context, uri schema.URIHash, stamp clock.Stamp, except uuid.UUID) {
	h.lock.Lock()
	var targets []uuid.UUID
	for peer, log := range h.logs {
		if peer == except {
			continue
		}
		if len(log) >= h.opts.MaxLogLen {
			h.log.Warn("hub: replay log overflow, peer needs full resync", "peer", peer)
			delete(h.logs, peer)
			ReplayLogLen.DeleteLabelValues(peer.String())
			continue
		}
		h.logs[peer] = append(log, announcement{uri, stamp})
		ReplayLogLen.WithLabelValues(peer.String()).Set(float64(len(log) + 1))
		targets = append(targets, peer)
	}
	h.lock.Unlock()

	msg := knownMsg(0, uri, []clock.Stamp{stamp})
	for _, peer := range targets {
		if s := h.Session(peer); s != nil {
			_ = s.send(ctx, msg)
		}
	}
}

func (h *Hub) attach(s *Session, seen clock.VV) {
	peer := s.Peer()
	h.pending.Delete(s.name)
	if old, loaded := h.sessions.LoadAndStore(peer, s); loaded && old != s {
		h.log.Info("hub: peer reconnected, dropping old session", "peer", peer, "old", old.name)
		go old.Close()
	}

	h.lock.Lock()
	log, known := h.logs[peer]
	replay := append([]announcement(nil), log...)
	if !known {
		h.logs[peer] = nil
	}
	h.lock.Unlock()

	if known {
		h.log.Debug("hub: replaying log", "peer", peer, "len", len(replay))
		go h.replay(s, replay)
	} else {
		h.log.Debug("hub: new peer, sending inventory", "peer", peer)
		go h.inventory(s, seen)
	}
}

func (h *Hub) replay(s *Session, log []announcement) {
	for _, a := range log {
		if err := s.send(s.ctx, knownMsg(0, a.uri, []clock.Stamp{a.stamp})); err != nil {
			return
		}
	}
}

// holdings lists everything the source has and its watermark, the newest
// stamp per peer.
func (h *Hub) holdings(ctx context.Context) (uris []schema.URIHash, held map[schema.URIHash][]clock.Stamp, mark clock.VV, err error) {
	mark = make(clock.VV)
	if uris, err = h.source.URIs(ctx); err != nil {
		return
	}
	held = make(map[schema.URIHash][]clock.Stamp, len(uris))
	for _, uri := range uris {
		stamps, err := h.source.List(ctx, uri)
		if err != nil {
			return nil, nil, mark, err
		}
		held[uri] = stamps
		for _, st := range stamps {
			mark.PutTick(h.opts.Peers.Tick(st))
		}
	}
	return
}

func (h *Hub) watermark(ctx context.Context) clock.VV {
	_, _, mark, err := h.holdings(ctx)
	if err != nil {
		// an empty watermark only costs the peer a full inventory
		h.log.Warn("hub: watermark listing failed", "err", err)
		return make(clock.VV)
	}
	return mark
}

// inventory announces to a new peer what we hold past its watermark.
// A peer missing something below its own watermark recovers it by Pull.
func (h *Hub) inventory(s *Session, seen clock.VV) {
	uris, held, mark, err := h.holdings(s.ctx)
	if err != nil {
		h.log.Warn("hub: inventory listing failed", "err", err)
		return
	}
	ahead := mark.ProgressedOver(seen)
	if len(ahead) == 0 {
		h.log.Debug("hub: peer is up to date", "peer", s.Peer())
		return
	}
	for _, uri := range uris {
		var fresh []clock.Stamp
		for _, st := range held[uri] {
			t := h.opts.Peers.Tick(st)
			if since, ok := ahead[t.Peer()]; ok && t.Time() > since {
				fresh = append(fresh, st)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		if err := s.send(s.ctx, knownMsg(0, uri, fresh)); err != nil {
			return
		}
	}
}

func (h *Hub) acked(peer uuid.UUID, uri schema.URIHash, stamp clock.Stamp) {
	h.lock.Lock()
	defer h.lock.Unlock()
	log, ok := h.logs[peer]
	if !ok {
		return
	}
	for i, a := range log {
		if a.uri == uri && a.stamp == stamp {
			log = append(log[:i], log[i+1:]...)
			break
		}
	}
	h.logs[peer] = log
	ReplayLogLen.WithLabelValues(peer.String()).Set(float64(len(log)))
}

func (h *Hub) detach(s *Session) {
	h.pending.Delete(s.name)
	if peer := s.Peer(); peer != uuid.Nil {
		h.sessions.Compute(peer, func(old *Session, loaded bool) (*Session, bool) {
			return old, !loaded || old == s
		})
	}
}

// Forget drops the replay log of a peer; it gets the full inventory
// next time.
func (h *Hub) Forget(peer uuid.UUID) {
	h.lock.Lock()
	delete(h.logs, peer)
	h.lock.Unlock()
	ReplayLogLen.DeleteLabelValues(peer.String())
}

func (h *Hub) Close() error {
	h.pending.Range(func(_ string, s *Session) bool {
		_ = s.Close()
		return true
	})
	for _, s := range h.Sessions() {
		_ = s.Close()
	}
	return nil
}
