package testutils

import (
	"context"
	"fmt"
	"time"

	"github.com/drpcorg/fabric"
	"github.com/drpcorg/fabric/protocol"
)

// Link connects two nodes in-process, the way a socket would, and waits
// for both handshakes. Cancel ctx or call the returned func to cut it.
func Link(ctx context.Context, a, b *fabric.Node) (func(), error) {
	ab := a.Link("to-" + b.Peer().String())
	ba := b.Link("to-" + a.Peer().String())
	ctx, cancel := context.WithCancel(ctx)
	go func() { _ = protocol.Pump(ctx, ab, ba) }()
	go func() { _ = protocol.Pump(ctx, ba, ab) }()
	cut := func() {
		cancel()
		_ = ab.Close()
		_ = ba.Close()
	}
	for _, s := range []interface{ Hello() <-chan struct{} }{ab, ba} {
		select {
		case <-s.Hello():
		case <-time.After(5 * time.Second):
			cut()
			return nil, fmt.Errorf("link %s: no hello", a.Peer())
		case <-ctx.Done():
			cut()
			return nil, ctx.Err()
		}
	}
	return cut, nil
}
