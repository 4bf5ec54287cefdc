package network

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/utils"
)

type chanSession struct {
	name string
	out  chan []byte
	in   chan []byte
	once sync.Once
	done chan struct{}
}

func newChanSession(name string) *chanSession {
	return &chanSession{name: name, out: make(chan []byte, 16), in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *chanSession) Feed(ctx context.Context) (protocol.Records, error) {
	select {
	case rec := <-c.out:
		return protocol.Records{rec}, nil
	case <-c.done:
		return nil, io.EOF
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (c *chanSession) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		c.in <- rec
	}
	return nil
}

func (c *chanSession) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *chanSession) GetTraceId() string { return c.name }

type sessions struct {
	installed chan *chanSession
	destroyed chan string
}

func newSessions() *sessions {
	return &sessions{installed: make(chan *chanSession, 8), destroyed: make(chan string, 8)}
}

func (s *sessions) install(name string) protocol.FeedDrainCloserTraced {
	c := newChanSession(name)
	s.installed <- c
	return c
}

func (s *sessions) destroy(name string, _ protocol.Traced) {
	s.destroyed <- name
}

func wait[T any](t *testing.T, ch <-chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	var zero T
	return zero
}

func TestParseAddr(t *testing.T) {
	kind, addr, err := parseAddr("tcp://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, TCP, kind)
	assert.Equal(t, "localhost:8080", addr)

	kind, addr, err = parseAddr("tls://example.com:443")
	require.NoError(t, err)
	assert.Equal(t, TLS, kind)
	assert.Equal(t, "example.com:443", addr)

	kind, addr, err = parseAddr("127.0.0.1:7000")
	require.NoError(t, err)
	assert.Equal(t, TCP, kind)
	assert.Equal(t, "127.0.0.1:7000", addr)

	_, _, err = parseAddr("quic://x:1")
	assert.ErrorIs(t, err, ErrAddressInvalid)
}

func TestExchange(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)
	server, client := newSessions(), newSessions()
	sn := NewNet(log, server.install, server.destroy)
	cn := NewNet(log, client.install, client.destroy, &NetRetryOpt{Min: 10 * time.Millisecond, Max: 100 * time.Millisecond})
	defer sn.Close()
	defer cn.Close()

	require.NoError(t, sn.Listen("tcp://127.0.0.1:0"))
	assert.ErrorIs(t, sn.Listen("tcp://127.0.0.1:0"), ErrAddressDuplicated)
	addr := "tcp://" + sn.Addr("tcp://127.0.0.1:0").String()
	require.NoError(t, cn.Connect(addr))
	assert.ErrorIs(t, cn.Connect(addr), ErrAddressDuplicated)

	cs := wait(t, client.installed)
	ss := wait(t, server.installed)

	big := protocol.Record('B', make([]byte, 100000))
	cs.out <- protocol.Record('H', []byte("hello"))
	cs.out <- big
	assert.Equal(t, protocol.Record('H', []byte("hello")), wait(t, ss.in))
	assert.Equal(t, big, wait(t, ss.in))

	ss.out <- protocol.Record('K', []byte{1, 2, 3})
	assert.Equal(t, protocol.Record('K', []byte{1, 2, 3}), wait(t, cs.in))
	assert.Eventually(t, func() bool { return len(cn.Connected()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// the server drops the connection, the client dials again
	require.NoError(t, ss.Close())
	assert.Equal(t, addr, wait(t, client.destroyed))
	cs2 := wait(t, client.installed)
	ss2 := wait(t, server.installed)
	cs2.out <- protocol.Record('A', nil)
	assert.Equal(t, protocol.Record('A', nil), wait(t, ss2.in))

	require.NoError(t, cn.Disconnect(addr))
	assert.ErrorIs(t, cn.Disconnect(addr), ErrAddressUnknown)
	wait(t, client.destroyed)
}
