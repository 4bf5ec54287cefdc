package replication

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/schema"
	"github.com/drpcorg/fabric/utils"
)

type SessionState int

const (
	SendHello SessionState = iota
	SendLive
	SendBye
	SendNone
)

func (s SessionState) String() string {
	return []string{"SendHello", "SendLive", "SendBye", "SendNone"}[s]
}

type request struct {
	done   chan struct{}
	stamps []clock.Stamp
	data   []byte
	err    error
}

// Session is one connection to a peer. The transport drives it through
// Feed and Drain; the resolver uses it as an Origin.
type Session struct {
	hub  *Hub
	name string
	log  utils.Logger
	out  *utils.FDQueue[protocol.Records]

	ctx    context.Context
	cancel context.CancelFunc

	lock      sync.Mutex
	feedState SessionState
	peer      uuid.UUID
	hello     chan struct{}
	reason    string

	reqs      *xsync.MapOf[uint64, *request]
	lastReq   atomic.Uint64
	closeOnce sync.Once
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) GetTraceId() string {
	return s.name
}

// Peer is the remote peer id, uuid.Nil before its hello.
func (s *Session) Peer() uuid.UUID {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.peer
}

// Hello is closed once the peer introduced itself.
func (s *Session) Hello() <-chan struct{} {
	return s.hello
}

func (s *Session) setFeedState(state SessionState) {
	s.log.DebugCtx(s.ctx, "session: feed state", "state", state.String())
	s.lock.Lock()
	s.feedState = state
	s.lock.Unlock()
}

func (s *Session) Feed(ctx context.Context) (recs protocol.Records, err error) {
	s.lock.Lock()
	state := s.feedState
	s.lock.Unlock()

	switch state {
	case SendHello:
		mark := s.hub.watermark(ctx)
		recs = protocol.Records{helloMsg(s.hub.self, mark.TLV(s.hub.opts.Peers))}
		s.setFeedState(SendLive)
	case SendLive:
		recs, err = s.out.Feed(ctx)
		if errors.Is(err, utils.ErrClosed) {
			s.setFeedState(SendBye)
			err = nil
		}
	case SendBye:
		recs = protocol.Records{byeMsg("closing")}
		s.setFeedState(SendNone)
	case SendNone:
		err = io.EOF
	}
	for _, rec := range recs {
		MessagesOut.WithLabelValues(string(protocol.Lit(rec))).Inc()
	}
	return
}

func (s *Session) send(ctx context.Context, msg []byte) error {
	err := s.out.Drain(ctx, protocol.Records{msg})
	if errors.Is(err, utils.ErrOverflow) {
		s.log.WarnCtx(s.ctx, "session: outbound queue overflow")
		go s.Close()
	}
	return err
}

func (s *Session) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		m, err := parseMessage(rec)
		if err != nil {
			s.log.WarnCtx(s.ctx, "session: bad message", "err", err)
			return err
		}
		MessagesIn.WithLabelValues(string(m.lit)).Inc()
		switch m.lit {
		case MsgHello:
			s.lock.Lock()
			known := s.peer != uuid.Nil
			if !known {
				s.peer = m.peer
			}
			s.lock.Unlock()
			if known {
				return errors.Wrap(fabric_errors.ErrBadHPacket, "second hello")
			}
			if m.peer == s.hub.self {
				return errors.Wrap(fabric_errors.ErrBadHPacket, "connected to self")
			}
			seen := make(clock.VV)
			if err := seen.PutTLV(s.hub.opts.Peers, m.seen); err != nil {
				return errors.Wrap(fabric_errors.ErrBadHPacket, err.Error())
			}
			s.hub.attach(s, seen)
			close(s.hello)
		case MsgList:
			go s.serveList(m.req, m.uri)
		case MsgGet:
			go s.serveGet(m.req, m.uri, m.stamps[0])
		case MsgKnown:
			if m.req != 0 {
				s.complete(m.req, &request{stamps: m.stamps})
			} else if s.hub.handler != nil {
				go s.hub.handler.OnAnnounce(s.ctx, s, m.uri, m.stamps)
			}
		case MsgBlock:
			s.complete(m.req, &request{data: m.data})
		case MsgMiss:
			s.complete(m.req, &request{err: errors.Wrap(fabric_errors.ErrBlockMissing, m.text)})
		case MsgAck:
			s.hub.acked(s.Peer(), m.uri, m.stamps[0])
		case MsgBye:
			s.lock.Lock()
			s.reason = m.text
			s.lock.Unlock()
			s.log.DebugCtx(s.ctx, "session: bye", "reason", m.text)
		default:
			s.log.WarnCtx(s.ctx, "session: unknown message", "type", string(m.lit))
		}
	}
	return nil
}

func (s *Session) serveList(req uint64, uri schema.URIHash) {
	stamps, err := s.hub.source.List(s.ctx, uri)
	if err != nil {
		_ = s.send(s.ctx, missMsg(req, err.Error()))
		return
	}
	_ = s.send(s.ctx, knownMsg(req, uri, stamps))
}

func (s *Session) serveGet(req uint64, uri schema.URIHash, stamp clock.Stamp) {
	data, err := s.hub.source.Fetch(s.ctx, uri, stamp)
	if err != nil {
		_ = s.send(s.ctx, missMsg(req, err.Error()))
		return
	}
	_ = s.send(s.ctx, blockMsg(req, data))
}

func (s *Session) complete(id uint64, reply *request) {
	r, ok := s.reqs.LoadAndDelete(id)
	if !ok {
		s.log.DebugCtx(s.ctx, "session: reply to unknown request", "req", id)
		return
	}
	r.stamps, r.data, r.err = reply.stamps, reply.data, reply.err
	close(r.done)
}

func (s *Session) request(ctx context.Context, msg func(id uint64) []byte) (*request, error) {
	id := s.lastReq.Add(1)
	r := &request{done: make(chan struct{})}
	s.reqs.Store(id, r)
	defer s.reqs.Delete(id)
	if err := s.send(ctx, msg(id)); err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, fabric_errors.ErrClosed
	}
}

// List asks the peer what it has of the object.
func (s *Session) List(ctx context.Context, uri schema.URIHash) ([]clock.Stamp, error) {
	r, err := s.request(ctx, func(id uint64) []byte { return listMsg(id, uri) })
	if err != nil {
		return nil, err
	}
	return r.stamps, nil
}

func (s *Session) Fetch(ctx context.Context, uri schema.URIHash, stamp clock.Stamp) ([]byte, error) {
	r, err := s.request(ctx, func(id uint64) []byte { return getMsg(id, uri, stamp) })
	if err != nil {
		return nil, err
	}
	return r.data, nil
}

func (s *Session) Ack(ctx context.Context, uri schema.URIHash, stamp clock.Stamp) error {
	return s.send(ctx, ackMsg(uri, stamp))
}

// Close fails pending requests and lets Feed send a bye.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.out.Close()
		s.hub.detach(s)
		if s.hub.handler != nil {
			s.hub.handler.OnClose(s)
		}
		s.log.DebugCtx(s.ctx, "session: closed")
	})
	return nil
}
