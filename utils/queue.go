package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("[fabric] feed/drain queue is closed")
var ErrOverflow = errors.New("[fabric] feed/drain queue is overflowed")

// FDQueue is a bounded record queue: producers Drain into it, one consumer
// Feeds from it. The bound is in bytes. A producer that can not place its
// records within timelimit overflows the queue for good; a slow consumer
// is a broken consumer.
type FDQueue[T ~[][]byte] struct {
	lock       sync.Mutex
	data       T
	size       int
	maxSize    int
	batchSize  int
	timelimit  time.Duration
	closed     bool
	overflowed bool
	// changed is closed and replaced on every state change
	changed chan struct{}
}

// NewFDQueue makes a queue holding up to limit bytes. Feed returns at most
// batchSize bytes (at least one record) and waits up to timelimit for data.
func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	return &FDQueue[T]{
		maxSize:   limit,
		batchSize: batchSize,
		timelimit: timelimit,
		changed:   make(chan struct{}),
	}
}

func (q *FDQueue[T]) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *FDQueue[T]) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		q.data = nil
		q.size = 0
		q.signal()
	}
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func (q *FDQueue[T]) state() error {
	switch {
	case q.closed:
		return ErrClosed
	case q.overflowed:
		return ErrOverflow
	}
	return nil
}

// Drain enqueues records in order, waiting for room if needed.
func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	q.lock.Lock()
	for len(recs) > 0 {
		if err := q.state(); err != nil {
			q.lock.Unlock()
			return err
		}
		free, n, written := q.maxSize-q.size, 0, 0
		for n < len(recs) && len(recs[n]) <= free {
			free -= len(recs[n])
			written += len(recs[n])
			n++
		}
		if n > 0 {
			q.data = append(q.data, recs[:n]...)
			q.size += written
			recs = recs[n:]
			q.signal()
			continue
		}
		wait := q.changed
		q.lock.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			q.lock.Lock()
			q.overflowed = true
			q.signal()
			q.lock.Unlock()
			return ErrOverflow
		}
		q.lock.Lock()
	}
	q.lock.Unlock()
	return nil
}

// Feed dequeues the next batch. It returns nothing, and no error, if no
// records arrived within timelimit.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	q.lock.Lock()
	for {
		if err = q.state(); err != nil {
			q.lock.Unlock()
			return nil, err
		}
		if len(q.data) > 0 {
			n, total := 0, 0
			for n < len(q.data) && (n == 0 || total+len(q.data[n]) <= q.batchSize) {
				total += len(q.data[n])
				n++
			}
			recs = q.data[:n:n]
			q.data = q.data[n:]
			q.size -= total
			q.signal()
			q.lock.Unlock()
			return recs, nil
		}
		wait := q.changed
		q.lock.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil
		case <-timer.C:
			return nil, nil
		}
		q.lock.Lock()
	}
}
