package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric/block"
	"github.com/drpcorg/fabric/schema"
)

var accountClass = schema.MustClass("Account",
	schema.Field{Name: "Owner", Kind: schema.KindString},
	schema.Field{Name: "Balance", Kind: schema.KindLong},
	schema.Field{Name: "Tags", Kind: schema.KindCollection, Elem: schema.KindString},
)

var (
	owner   = FieldOf[string]{Index: 0}
	balance = FieldOf[int64]{Index: 1}
	tags    = ListOf[string]{Index: 2}
)

// memSink records flushed blocks and fails while fail is set.
type memSink struct {
	lock   sync.Mutex
	blocks []Outgoing
	fail   error
}

func (s *memSink) Flush(_ context.Context, blocks []Outgoing) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.blocks = append(s.blocks, blocks...)
	return nil
}

func (s *memSink) setFail(err error) {
	s.lock.Lock()
	s.fail = err
	s.lock.Unlock()
}

func (s *memSink) taken() []*block.Block {
	s.lock.Lock()
	defer s.lock.Unlock()
	ret := make([]*block.Block, 0, len(s.blocks))
	for _, o := range s.blocks {
		ret = append(ret, o.Block)
	}
	return ret
}

var errSinkDown = errors.New("sink down")

func testBranch(t *testing.T, opts BranchOptions) *Branch {
	t.Helper()
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour
	}
	if opts.SoftLimit == 0 {
		opts.SoftLimit = 1 << 20
	}
	b := NewBranch(opts)
	require.NoError(t, b.Registry().Register(accountClass))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newAccount(t *testing.T, b *Branch, name string, sum int64) *Object {
	t.Helper()
	tx := b.Start()
	obj, err := tx.New(accountClass)
	require.NoError(t, err)
	require.NoError(t, owner.Set(tx, obj, name))
	require.NoError(t, balance.Set(tx, obj, sum))
	require.NoError(t, tx.Commit())
	return obj
}

func readBalance(t *testing.T, b *Branch, obj *Object) int64 {
	t.Helper()
	n, err := balance.Get(b.Start(), obj)
	require.NoError(t, err)
	return n
}

func setBalance(b *Branch, obj *Object, sum int64) error {
	tx := b.Start()
	if err := balance.Set(tx, obj, sum); err != nil {
		return err
	}
	return tx.Commit()
}

// pair is two branches on distinct peers sharing a peer table layout.
func pair(t *testing.T, opts BranchOptions) (a, b *Branch, sa, sb *memSink) {
	sa, sb = &memSink{}, &memSink{}
	oa, ob := opts, opts
	oa.Peer, oa.Sink = uuid.New(), sa
	ob.Peer, ob.Sink = uuid.New(), sb
	return testBranch(t, oa), testBranch(t, ob), sa, sb
}
