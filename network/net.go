/*
Package network carries fabric sessions over TCP or TLS.

Net owns listeners and outgoing connections. Every connection becomes a
Peer that pumps one protocol.FeedDrainCloserTraced: the read loop cuts TLV
records off the socket and Drains them into the session, the write loop
Feeds the session and writes whatever it returns. Outgoing connections are
kept alive: when one breaks, Net dials again with exponential backoff.

	n := network.NewNet(log, hub.Install, hub.Destroy, &network.NetWriteTimeoutOpt{Timeout: time.Minute})
	_ = n.Listen("tcp://:7001")
	_ = n.Connect("tcp://replica:7001")
	defer n.Close()
*/
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/utils"
)

type ConnType = uint

var (
	ErrAddressInvalid    = errors.New("the address invalid")
	ErrAddressDuplicated = errors.New("the address already used")
	ErrAddressUnknown    = errors.New("address unknown")
)

const (
	TCP ConnType = iota + 1
	TLS
)

const (
	TYPICAL_MTU = 1500

	MAX_RETRY_PERIOD = time.Minute
	MIN_RETRY_PERIOD = time.Second / 2
)

type InstallCallback func(name string) protocol.FeedDrainCloserTraced
type DestroyCallback func(name string, p protocol.Traced)

type Net struct {
	wg        sync.WaitGroup
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback

	// a nil peer is a connection being dialed
	conns   *xsync.MapOf[string, *Peer]
	listens *xsync.MapOf[string, net.Listener]
	ctx     context.Context
	cancel  context.CancelFunc

	tlsConfig          *tls.Config
	readBufferTcpSize  int
	writeBufferTcpSize int
	readAccumTimeLimit time.Duration
	writeTimeout       time.Duration
	bufferMaxSize      int
	bufferMinToProcess int
	minRetry, maxRetry time.Duration
}

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type NetTlsConfigOpt struct {
	Config *tls.Config
}

func (opt *NetTlsConfigOpt) Apply(n *Net) {
	n.tlsConfig = opt.Config
}

type NetReadBatchOpt struct {
	ReadAccumTimeLimit time.Duration
	BufferMaxSize      int
	BufferMinToProcess int
}

func (opt *NetReadBatchOpt) Apply(n *Net) {
	n.readAccumTimeLimit = opt.ReadAccumTimeLimit
	n.bufferMaxSize = opt.BufferMaxSize
	n.bufferMinToProcess = opt.BufferMinToProcess
}

type TcpBufferSizeOpt struct {
	Read  int
	Write int
}

func (opt *TcpBufferSizeOpt) Apply(n *Net) {
	n.readBufferTcpSize = opt.Read
	n.writeBufferTcpSize = opt.Write
}

// NetRetryOpt bounds the redial backoff of outgoing connections.
type NetRetryOpt struct {
	Min, Max time.Duration
}

func (opt *NetRetryOpt) Apply(n *Net) {
	n.minRetry, n.maxRetry = opt.Min, opt.Max
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:                log,
		ctx:                ctx,
		cancel:             cancel,
		conns:              xsync.NewMapOf[string, *Peer](),
		listens:            xsync.NewMapOf[string, net.Listener](),
		onInstall:          install,
		onDestroy:          destroy,
		bufferMaxSize:      1 << 28,
		bufferMinToProcess: TYPICAL_MTU,
		minRetry:           MIN_RETRY_PERIOD,
		maxRetry:           MAX_RETRY_PERIOD,
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

type NetStats struct {
	ReadBuffers  map[string]int32
	WriteBatches map[string]int32
}

func (n *Net) GetStats() NetStats {
	stats := NetStats{
		ReadBuffers:  make(map[string]int32),
		WriteBatches: make(map[string]int32),
	}
	n.conns.Range(func(name string, peer *Peer) bool {
		if peer != nil {
			stats.ReadBuffers[name] = peer.GetIncomingPacketBufferSize()
			stats.WriteBatches[name] = int32(peer.writeBatchSize.Val())
		}
		return true
	})
	return stats
}

func (n *Net) Close() error {
	n.cancel()

	n.listens.Range(func(_ string, l net.Listener) bool {
		if l != nil {
			l.Close()
		}
		return true
	})
	n.listens.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		if p != nil {
			p.Close()
		}
		return true
	})
	n.conns.Clear()

	n.wg.Wait()
	return nil
}

func (n *Net) Connect(addr string) error {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool keeps one connection to any of addrs, redialing on failure.
func (n *Net) ConnectPool(name string, addrs []string) error {
	if _, loaded := n.conns.LoadOrStore(name, nil); loaded {
		return ErrAddressDuplicated
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepConnecting(name, addrs)
	}()
	return nil
}

func (n *Net) Disconnect(name string) error {
	peer, ok := n.conns.LoadAndDelete(name)
	if !ok {
		return ErrAddressUnknown
	}
	if peer != nil {
		peer.Close()
	}
	return nil
}

// Connected lists names of the connections with a live peer.
func (n *Net) Connected() (names []string) {
	n.conns.Range(func(name string, p *Peer) bool {
		if p != nil {
			names = append(names, name)
		}
		return true
	})
	return
}

func (n *Net) Listen(addr string) error {
	if _, loaded := n.listens.LoadOrStore(addr, nil); loaded {
		return ErrAddressDuplicated
	}
	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)
	n.log.Info("net: listening", "addr", addr)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepListening(addr, listener)
	}()
	return nil
}

// Addr is the bound address of a listener, useful with port 0.
func (n *Net) Addr(addr string) net.Addr {
	if l, ok := n.listens.Load(addr); ok && l != nil {
		return l.Addr()
	}
	return nil
}

func (n *Net) Unlisten(addr string) error {
	listener, ok := n.listens.LoadAndDelete(addr)
	if !ok || listener == nil {
		return ErrAddressUnknown
	}
	return listener.Close()
}

func (n *Net) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.minRetry
	b.MaxInterval = n.maxRetry
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, n.ctx)
}

func (n *Net) dialAny(addrs []string) (conn net.Conn, err error) {
	for _, addr := range addrs {
		if conn, err = n.createConn(addr); err == nil {
			return conn, nil
		}
		if errors.Is(err, ErrAddressInvalid) {
			return nil, backoff.Permanent(err)
		}
	}
	return nil, err
}

// KeepConnecting dials until Disconnect or Close, one peer at a time.
func (n *Net) KeepConnecting(name string, addrs []string) {
	for n.ctx.Err() == nil {
		if _, ok := n.conns.Load(name); !ok {
			return
		}
		conn, err := backoff.RetryNotifyWithData(
			func() (net.Conn, error) {
				if _, ok := n.conns.Load(name); !ok {
					return nil, backoff.Permanent(ErrAddressUnknown)
				}
				return n.dialAny(addrs)
			},
			n.retryPolicy(),
			func(err error, wait time.Duration) {
				n.log.Warn("net: couldn't connect", "name", name, "err", err, "retry", wait)
			})
		if err != nil {
			if n.ctx.Err() == nil && !errors.Is(err, ErrAddressUnknown) {
				n.log.Error("net: giving up", "name", name, "err", err)
				n.conns.Delete(name)
			}
			return
		}
		n.setTCPBuffersSize(name, conn)
		n.log.Info("net: connected", "name", name)
		n.keepPeer(name, conn, true)
	}
}

func (n *Net) setTCPBuffersSize(name string, conn net.Conn) {
	var tconn *net.TCPConn
	switch c := conn.(type) {
	case *tls.Conn:
		tconn, _ = c.NetConn().(*net.TCPConn)
	case *net.TCPConn:
		tconn = c
	}
	if tconn == nil {
		n.log.Warn("net: unable to set buffers, unknown connection type", "name", name)
		return
	}
	if n.readBufferTcpSize > 0 {
		_ = tconn.SetReadBuffer(n.readBufferTcpSize)
	}
	if n.writeBufferTcpSize > 0 {
		_ = tconn.SetWriteBuffer(n.writeBufferTcpSize)
	}
}

func (n *Net) KeepListening(addr string, listener net.Listener) {
	for n.ctx.Err() == nil {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// reconnects are the client's problem
			n.log.Error("net: couldn't accept", "addr", addr, "err", err)
			continue
		}
		remote := conn.RemoteAddr().String()
		name := fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()), remote)
		n.log.Info("net: accepted", "addr", addr, "remote", remote)
		n.setTCPBuffersSize(name, conn)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(name, conn, false)
		}()
	}
	n.listens.Compute(addr, func(old net.Listener, loaded bool) (net.Listener, bool) {
		return old, !loaded || old == listener
	})
	n.log.Info("net: listener closed", "addr", addr)
}

func (n *Net) keepPeer(name string, conn net.Conn, outgoing bool) {
	peer := &Peer{
		inout:              n.onInstall(name),
		conn:               conn,
		writeTimeout:       n.writeTimeout,
		readAccumTimeLimit: n.readAccumTimeLimit,
		bufferMaxSize:      n.bufferMaxSize,
		bufferMinToProcess: n.bufferMinToProcess,
		writeBatchSize:     utils.NewEWMA(0.2),
	}
	if outgoing {
		// Disconnect may have raced with the dial
		_, alive := n.conns.Compute(name, func(old *Peer, loaded bool) (*Peer, bool) {
			if !loaded {
				return nil, true
			}
			return peer, false
		})
		if !alive {
			peer.Close()
			n.onDestroy(name, peer)
			return
		}
	} else {
		n.conns.Store(name, peer)
	}
	Connections.Inc()

	rerr, werr, cerr := peer.Keep(n.ctx)
	for _, e := range []error{rerr, werr, cerr} {
		if e != nil {
			n.log.Warn("net: peer failed", "name", name, "err", e, "trace_id", peer.GetTraceId())
		}
	}

	if outgoing {
		n.conns.Compute(name, func(old *Peer, loaded bool) (*Peer, bool) {
			if !loaded {
				return nil, true
			}
			return nil, false
		})
	} else {
		n.conns.Delete(name)
	}
	Connections.Dec()
	peer.Close()
	n.onDestroy(name, peer)
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	config := net.ListenConfig{}
	listener, err := config.Listen(n.ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		listener = tls.NewListener(listener, n.tlsConfig)
	}
	return listener, nil
}

func (n *Net) createConn(addr string) (net.Conn, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		d := tls.Dialer{Config: n.tlsConfig}
		return d.DialContext(n.ctx, "tcp", address)
	}
	d := net.Dialer{Timeout: time.Minute}
	return d.DialContext(n.ctx, "tcp", address)
}

// parseAddr splits "tcp://host:port" or "tls://host:port"; no scheme
// means TCP.
func parseAddr(addr string) (ConnType, string, error) {
	if !strings.Contains(addr, "://") {
		return TCP, addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", err
	}
	var conn ConnType
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	default:
		return conn, addr, ErrAddressInvalid
	}
	return conn, u.Host, nil
}
