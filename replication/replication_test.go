package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/schema"
)

type memSource struct {
	lock   sync.Mutex
	blocks map[schema.URIHash]map[clock.Stamp][]byte
}

func newSource() *memSource {
	return &memSource{blocks: make(map[schema.URIHash]map[clock.Stamp][]byte)}
}

func (m *memSource) put(uri schema.URIHash, stamp clock.Stamp, data []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.blocks[uri] == nil {
		m.blocks[uri] = make(map[clock.Stamp][]byte)
	}
	m.blocks[uri][stamp] = data
}

func (m *memSource) List(ctx context.Context, uri schema.URIHash) (ret []clock.Stamp, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for s := range m.blocks[uri] {
		ret = append(ret, s)
	}
	return clock.SortStamps(ret), nil
}

func (m *memSource) Fetch(ctx context.Context, uri schema.URIHash, stamp clock.Stamp) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	data, ok := m.blocks[uri][stamp]
	if !ok {
		return nil, fabric_errors.ErrBlockMissing
	}
	return data, nil
}

func (m *memSource) URIs(ctx context.Context) (ret []schema.URIHash, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for uri := range m.blocks {
		ret = append(ret, uri)
	}
	return
}

type announced struct {
	uri    schema.URIHash
	stamps []clock.Stamp
}

type recorder struct {
	got    chan announced
	closed chan string
}

func newRecorder() *recorder {
	return &recorder{got: make(chan announced, 64), closed: make(chan string, 8)}
}

func (r *recorder) OnAnnounce(ctx context.Context, s *Session, uri schema.URIHash, stamps []clock.Stamp) {
	r.got <- announced{uri, stamps}
}

func (r *recorder) OnClose(s *Session) {
	r.closed <- s.Name()
}

func (r *recorder) next(t *testing.T) announced {
	select {
	case a := <-r.got:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no announcement")
	}
	return announced{}
}

func testOptions() Options {
	return Options{QueueTimeout: 50 * time.Millisecond}
}

type node struct {
	id     uuid.UUID
	source *memSource
	rec    *recorder
	hub    *Hub
}

func newNode() *node {
	n := &node{id: uuid.New(), source: newSource(), rec: newRecorder()}
	n.hub = NewHub(n.id, n.source, n.rec, testOptions())
	return n
}

// link connects two hubs in process and returns the session a holds to b
// and the one b holds to a.
func link(t *testing.T, a, b *node) (ab, ba *Session) {
	ab = a.hub.NewSession("to-b")
	ba = b.hub.NewSession("to-a")
	ctx := context.Background()
	go func() { _ = protocol.Pump(ctx, ab, ba) }()
	go func() { _ = protocol.Pump(ctx, ba, ab) }()
	for _, s := range []*Session{ab, ba} {
		select {
		case <-s.Hello():
		case <-time.After(5 * time.Second):
			t.Fatal("no hello")
		}
	}
	return
}

func sampleURI(n byte) schema.URIHash {
	return schema.ObjectID{Peer: uuid.New(), Local: uint64(n)}.URI()
}

func TestMessageParse(t *testing.T) {
	uri := sampleURI(1)
	stamp := clock.Stamp{Peer: uuid.New(), Time: 42}

	m, err := parseMessage(knownMsg(7, uri, []clock.Stamp{stamp, stamp}))
	require.NoError(t, err)
	assert.Equal(t, byte(MsgKnown), m.lit)
	assert.Equal(t, uint64(7), m.req)
	assert.Equal(t, uri, m.uri)
	assert.Equal(t, []clock.Stamp{stamp, stamp}, m.stamps)

	m, err = parseMessage(blockMsg(3, make([]byte, 1000)))
	require.NoError(t, err)
	assert.Len(t, m.data, 1000)

	_, err = parseMessage(protocol.Record(MsgGet, reqField(1), uriField(uri)))
	assert.ErrorIs(t, err, ErrBadMessage)
	_, err = parseMessage(protocol.Record(MsgHello))
	assert.ErrorIs(t, err, fabric_errors.ErrBadHPacket)

	peers := clock.NewPeers()
	mark := clock.VVFromStamps(peers, []clock.Stamp{stamp})
	uid := uuid.New()
	m, err = parseMessage(helloMsg(uid, mark.TLV(peers)))
	require.NoError(t, err)
	assert.Equal(t, uid, m.peer)
	seen := make(clock.VV)
	require.NoError(t, seen.PutTLV(peers, m.seen))
	assert.Equal(t, mark, seen)
	_, err = parseMessage([]byte{'K', 9, 0, 0, 0})
	assert.ErrorIs(t, err, protocol.ErrIncomplete)
}

func TestListAndFetch(t *testing.T) {
	a, b := newNode(), newNode()
	uri := sampleURI(1)
	stamp := clock.Stamp{Peer: a.id, Time: 1}
	a.source.put(uri, stamp, []byte("block"))

	_, ba := link(t, a, b)
	defer a.hub.Close()
	defer b.hub.Close()
	assert.Equal(t, a.id, ba.Peer())
	assert.Same(t, ba, b.hub.Session(a.id))

	ctx := context.Background()
	stamps, err := ba.List(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []clock.Stamp{stamp}, stamps)

	data, err := ba.Fetch(ctx, uri, stamp)
	require.NoError(t, err)
	assert.Equal(t, []byte("block"), data)

	_, err = ba.Fetch(ctx, uri, clock.Stamp{Peer: a.id, Time: 2})
	assert.ErrorIs(t, err, fabric_errors.ErrBlockMissing)

	stamps, err = ba.List(ctx, sampleURI(2))
	require.NoError(t, err)
	assert.Empty(t, stamps)
}

func TestInventoryOnHello(t *testing.T) {
	a, b := newNode(), newNode()
	uri := sampleURI(1)
	stamps := []clock.Stamp{{Peer: a.id, Time: 1}, {Peer: a.id, Time: 2}}
	for _, s := range stamps {
		a.source.put(uri, s, []byte{1})
	}
	link(t, a, b)
	defer a.hub.Close()
	defer b.hub.Close()

	got := b.rec.next(t)
	assert.Equal(t, uri, got.uri)
	assert.Equal(t, clock.SortStamps(stamps), got.stamps)
}

func TestInventorySkipsWhatPeerHas(t *testing.T) {
	a, b := newNode(), newNode()
	old, fresh := sampleURI(1), sampleURI(2)
	for _, s := range []clock.Stamp{{Peer: a.id, Time: 1}, {Peer: a.id, Time: 2}} {
		a.source.put(old, s, []byte{1})
		b.source.put(old, s, []byte{1})
	}
	a.source.put(fresh, clock.Stamp{Peer: a.id, Time: 3}, []byte{3})
	link(t, a, b)
	defer a.hub.Close()
	defer b.hub.Close()

	got := b.rec.next(t)
	assert.Equal(t, fresh, got.uri)
	assert.Equal(t, []clock.Stamp{{Peer: a.id, Time: 3}}, got.stamps)
	// b held nothing a lacks, a hears nothing
	select {
	case extra := <-b.rec.got:
		t.Fatalf("unexpected announcement %v", extra)
	case extra := <-a.rec.got:
		t.Fatalf("unexpected announcement %v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAnnounceAndAck(t *testing.T) {
	a, b := newNode(), newNode()
	_, ba := link(t, a, b)
	defer a.hub.Close()
	defer b.hub.Close()

	ctx := context.Background()
	uri := sampleURI(1)
	stamp := clock.Stamp{Peer: a.id, Time: 5}
	a.hub.Announce(ctx, uri, stamp, uuid.Nil)
	assert.Equal(t, 1, a.hub.Pending(b.id))

	got := b.rec.next(t)
	assert.Equal(t, []clock.Stamp{stamp}, got.stamps)

	require.NoError(t, ba.Ack(ctx, uri, stamp))
	assert.Eventually(t, func() bool { return a.hub.Pending(b.id) == 0 }, 5*time.Second, 10*time.Millisecond)

	// the origin of a block does not get it back
	a.hub.Announce(ctx, uri, clock.Stamp{Peer: b.id, Time: 6}, b.id)
	assert.Equal(t, 0, a.hub.Pending(b.id))
}

func TestReplayOnReconnect(t *testing.T) {
	a, b := newNode(), newNode()
	ab, ba := link(t, a, b)
	require.NoError(t, ab.Close())
	require.NoError(t, ba.Close())
	assert.Eventually(t, func() bool { return a.hub.Session(b.id) == nil }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "to-b", <-a.rec.closed)

	ctx := context.Background()
	uri := sampleURI(3)
	stamp := clock.Stamp{Peer: a.id, Time: 9}
	a.hub.Announce(ctx, uri, stamp, uuid.Nil)
	assert.Equal(t, 1, a.hub.Pending(b.id))

	link(t, a, b)
	defer a.hub.Close()
	defer b.hub.Close()
	got := b.rec.next(t)
	assert.Equal(t, uri, got.uri)
	assert.Equal(t, []clock.Stamp{stamp}, got.stamps)
}

func TestClosedSessionFailsRequests(t *testing.T) {
	a, b := newNode(), newNode()
	_, ba := link(t, a, b)
	defer a.hub.Close()
	require.NoError(t, ba.Close())
	_, err := ba.List(context.Background(), sampleURI(1))
	assert.Error(t, err)
}
