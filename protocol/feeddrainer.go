package protocol

import (
	"context"
	"io"
)

// Feeder produces records. The EOF convention follows io.Reader:
// either `records, EOF` or `records, nil` followed by `nil, EOF`.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

type FeedCloser interface {
	Feeder
	io.Closer
}

// Drainer consumes records.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type DrainCloser interface {
	Drainer
	io.Closer
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Traced objects expose an id for log correlation.
type Traced interface {
	GetTraceId() string
}

// FeedDrainCloserTraced is what a network.Peer drives: one per connection.
type FeedDrainCloserTraced interface {
	FeedDrainCloser
	Traced
}

// Relay moves one batch from feeder to drainer.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if len(recs) > 0 {
		if derr := drainer.Drain(ctx, recs); err == nil {
			err = derr
		}
	}
	return err
}

// Pump relays until an error (typically io.EOF) or ctx cancellation.
func Pump(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}

// PumpN relays exactly n batches unless an error comes first.
func PumpN(ctx context.Context, feeder Feeder, drainer Drainer, n int) (err error) {
	for err == nil && n > 0 {
		err = Relay(ctx, feeder, drainer)
		n--
	}
	return
}
