package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/utils"
)

// Peer pumps one connection. Reads are accumulated until a threshold or a
// time limit and then drained in a separate goroutine, so the socket keeps
// being read while the session processes the previous batch. Writes are
// vectored: one Feed batch, one WriteTo.
type Peer struct {
	closed         atomic.Bool
	wg             sync.WaitGroup
	writeBatchSize *utils.EWMA
	closeOnce      sync.Once

	conn               net.Conn
	inout              protocol.FeedDrainCloserTraced
	incomingBuffer     atomic.Int32
	readAccumTimeLimit time.Duration
	bufferMaxSize      int
	bufferMinToProcess int
	writeTimeout       time.Duration
}

func (p *Peer) readTimeLimit() time.Duration {
	if p.readAccumTimeLimit != 0 {
		return p.readAccumTimeLimit
	}
	return 50 * time.Millisecond
}

func (p *Peer) drainLoop(ctx context.Context, batches <-chan protocol.Records, errs chan<- error) {
	defer close(errs)
	for recs := range batches {
		if err := p.inout.Drain(ctx, recs); err != nil {
			errs <- err
			return
		}
	}
}

func (p *Peer) keepRead(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// one batch in flight, one being accumulated
	batches := make(chan protocol.Records, 1)
	errs := make(chan error, 1)
	defer close(batches)
	go p.drainLoop(ctx, batches, errs)

	var buf bytes.Buffer
	var deadline time.Time
	for !p.closed.Load() && ctx.Err() == nil {
		select {
		case err := <-errs:
			return err
		default:
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(p.readTimeLimit())
		}
		if buf.Len() < p.bufferMaxSize {
			buf.Grow(TYPICAL_MTU)
			idle := buf.AvailableBuffer()[:buf.Available()]
			_ = p.conn.SetReadDeadline(deadline)
			n, err := p.conn.Read(idle)
			if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
				return err
			}
			buf.Write(idle[:n])
			BytesRead.Add(float64(n))
		}
		p.incomingBuffer.Store(int32(buf.Len()))

		due := time.Now().After(deadline)
		if !due && buf.Len() < p.bufferMinToProcess {
			continue
		}
		recs, err := protocol.Split(&buf)
		switch {
		case errors.Is(err, protocol.ErrIncomplete):
			if buf.Len() >= p.bufferMaxSize {
				return fmt.Errorf("record does not fit the read buffer: %w", err)
			}
		case err != nil:
			return err
		}
		if len(recs) > 0 {
			select {
			case batches <- recs:
			case err := <-errs:
				return err
			case <-ctx.Done():
				return nil
			}
		}
		deadline = time.Time{}
	}
	return nil
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) GetIncomingPacketBufferSize() int32 {
	return p.incomingBuffer.Load()
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() && ctx.Err() == nil {
		recs, err := p.inout.Feed(ctx)
		if len(recs) > 0 {
			size := protocol.TotalLen(recs)
			p.writeBatchSize.Add(float64(size))
			if p.writeTimeout != 0 {
				_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			}
			b := net.Buffers(recs)
			if _, werr := b.WriteTo(p.conn); werr != nil {
				return werr
			}
			BytesWritten.Add(float64(size))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Keep runs both loops until either ends. The connection is closed only
// after the writer is done, so a bye gets out.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	if p.closed.Load() {
		return
	}
	p.wg.Add(1)
	defer p.wg.Done()

	readErr, writeErr := make(chan error, 1), make(chan error, 1)
	go func() { readErr <- p.keepRead(ctx) }()
	go func() { writeErr <- p.keepWrite(ctx) }()

	for range 2 {
		select {
		case rerr = <-readErr:
			if errors.Is(rerr, net.ErrClosed) || errors.Is(rerr, io.EOF) {
				rerr = nil
			}
			// the session stops feeding once closed
			_ = p.inout.Close()
		case werr = <-writeErr:
			cerr = p.conn.Close()
			if errors.Is(cerr, net.ErrClosed) {
				cerr = nil
			}
		}
		p.closed.Store(true)
	}
	return
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		_ = p.inout.Close()
		p.wg.Wait()
		_ = p.conn.Close()
	})
}
