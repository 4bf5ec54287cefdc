package fabric_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric"
	"github.com/drpcorg/fabric/schema"
	"github.com/drpcorg/fabric/store"
	testutils "github.com/drpcorg/fabric/test_utils"
)

var itemClass = schema.MustClass("Item",
	schema.Field{Name: "Title", Kind: schema.KindString},
	schema.Field{Name: "Count", Kind: schema.KindLong},
)

var (
	title = fabric.FieldOf[string]{Index: 0}
	count = fabric.FieldOf[int64]{Index: 1}
)

func openNode(t *testing.T, adapter store.Adapter) *fabric.Node {
	t.Helper()
	n, err := fabric.Open(context.Background(), fabric.Options{
		Adapter: adapter,
		Classes: []*schema.Class{itemClass},
		Branch:  fabric.BranchOptions{FlushInterval: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func createItem(t *testing.T, n *fabric.Node, name string, c int64) *fabric.Object {
	t.Helper()
	var obj *fabric.Object
	err := n.Run(context.Background(), func(ctx context.Context, tx *fabric.Transaction) (err error) {
		if obj, err = tx.New(itemClass); err != nil {
			return err
		}
		if err = title.Set(tx, obj, name); err != nil {
			return err
		}
		return count.Set(tx, obj, c)
	})
	require.NoError(t, err)
	return obj
}

func countAt(n *fabric.Node, id schema.ObjectID) (int64, bool) {
	obj, ok := n.Branch().Object(id)
	if !ok {
		return 0, false
	}
	c, err := count.Get(n.Branch().Start(), obj)
	return c, err == nil
}

func TestReplicationBetweenNodes(t *testing.T) {
	ctx := context.Background()
	a := openNode(t, nil)
	b := openNode(t, nil)
	cut, err := testutils.Link(ctx, a, b)
	require.NoError(t, err)
	defer cut()

	obj := createItem(t, a, "apple", 3)
	require.NoError(t, a.Flush(ctx))
	assert.Eventually(t, func() bool {
		c, ok := countAt(b, obj.ID())
		return ok && c == 3
	}, 5*time.Second, 5*time.Millisecond)
	// b acknowledged, a trimmed its replay log
	assert.Eventually(t, func() bool {
		return a.Hub().Pending(b.Peer()) == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, a.Resolver().Loaded(obj.URI()), b.Resolver().Loaded(obj.URI()))

	remote, _ := b.Branch().Object(obj.ID())
	require.NoError(t, b.Run(ctx, func(ctx context.Context, tx *fabric.Transaction) error {
		return count.Set(tx, remote, 7)
	}))
	require.NoError(t, b.Flush(ctx))
	assert.Eventually(t, func() bool {
		c, _ := countAt(a, obj.ID())
		return c == 7
	}, 5*time.Second, 5*time.Millisecond)

	name, err := title.Get(b.Branch().Start(), remote)
	require.NoError(t, err)
	assert.Equal(t, "apple", name)
}

func TestLateJoinerGetsInventory(t *testing.T) {
	ctx := context.Background()
	a := openNode(t, nil)
	first := createItem(t, a, "first", 1)
	second := createItem(t, a, "second", 2)
	require.NoError(t, a.Flush(ctx))

	b := openNode(t, nil)
	cut, err := testutils.Link(ctx, a, b)
	require.NoError(t, err)
	defer cut()

	assert.Eventually(t, func() bool {
		c1, ok1 := countAt(b, first.ID())
		c2, ok2 := countAt(b, second.ID())
		return ok1 && ok2 && c1 == 1 && c2 == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRelayThroughMiddleNode(t *testing.T) {
	ctx := context.Background()
	a := openNode(t, nil)
	b := openNode(t, nil)
	c := openNode(t, nil)
	cutAB, err := testutils.Link(ctx, a, b)
	require.NoError(t, err)
	defer cutAB()
	cutBC, err := testutils.Link(ctx, b, c)
	require.NoError(t, err)
	defer cutBC()

	obj := createItem(t, a, "relayed", 5)
	require.NoError(t, a.Flush(ctx))
	assert.Eventually(t, func() bool {
		v, ok := countAt(c, obj.ID())
		return ok && v == 5
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPullAfterReconnect(t *testing.T) {
	ctx := context.Background()
	a := openNode(t, nil)
	b := openNode(t, nil)
	cut, err := testutils.Link(ctx, a, b)
	require.NoError(t, err)
	obj := createItem(t, a, "pulled", 1)
	require.NoError(t, a.Flush(ctx))
	assert.Eventually(t, func() bool {
		_, ok := countAt(b, obj.ID())
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	cut()

	local, _ := a.Branch().Object(obj.ID())
	require.NoError(t, a.Run(ctx, func(ctx context.Context, tx *fabric.Transaction) error {
		return count.Set(tx, local, 9)
	}))
	require.NoError(t, a.Flush(ctx))

	cut, err = testutils.Link(ctx, a, b)
	require.NoError(t, err)
	defer cut()
	require.NoError(t, b.Pull(ctx, obj.URI()))
	assert.Eventually(t, func() bool {
		v, _ := countAt(b, obj.ID())
		return v == 9
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRestoreFromPebble(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	adapter, err := store.OpenPebble(dir, true)
	require.NoError(t, err)
	n, err := fabric.Open(ctx, fabric.Options{Adapter: adapter, Classes: []*schema.Class{itemClass}})
	require.NoError(t, err)
	peer := n.Peer()
	obj := createItem(t, n, "kept", 4)
	require.NoError(t, n.Run(ctx, func(ctx context.Context, tx *fabric.Transaction) error {
		return count.Set(tx, obj, 5)
	}))
	require.NoError(t, n.Persist(ctx, n.Store(), obj))
	require.NoError(t, n.SetRoot(ctx, obj))
	require.NoError(t, n.Close())

	adapter, err = store.OpenPebble(dir, true)
	require.NoError(t, err)
	n, err = fabric.Open(ctx, fabric.Options{Peer: peer, Adapter: adapter, Classes: []*schema.Class{itemClass}})
	require.NoError(t, err)
	defer n.Close()

	root, err := n.Root(ctx)
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, obj.ID(), root.ID())
	c, ok := countAt(n, obj.ID())
	require.True(t, ok)
	assert.Equal(t, int64(5), c)

	// new local ids continue after the restored ones
	next := createItem(t, n, "next", 1)
	assert.Greater(t, next.ID().Local, obj.ID().Local)
}

func TestPersistChecksOwnership(t *testing.T) {
	ctx := context.Background()
	a := openNode(t, nil)
	b := openNode(t, nil)
	obj := createItem(t, a, "mine", 1)

	assert.ErrorIs(t, b.Persist(ctx, b.Store(), obj), fabric.ErrWrongTrunk)
	assert.ErrorIs(t, a.Persist(ctx, b.Store(), obj), fabric.ErrWrongStore)
	assert.NoError(t, a.Persist(ctx, a.Store(), obj))

	root, err := a.Root(ctx)
	require.NoError(t, err)
	assert.Nil(t, root)
}

// garbleAdapter hands out garbage instead of records while garble is set.
type garbleAdapter struct {
	store.Adapter
	garble atomic.Bool
	served atomic.Int32
}

func (g *garbleAdapter) Fetch(id store.RecordID) ([]byte, error) {
	data, err := g.Adapter.Fetch(id)
	if err == nil && data != nil && g.garble.Load() {
		g.served.Add(1)
		return []byte("garbage"), nil
	}
	return data, err
}

func TestPullRecoversFailedFetch(t *testing.T) {
	ctx := context.Background()
	adapter := &garbleAdapter{Adapter: store.NewMemory()}
	a, err := fabric.Open(ctx, fabric.Options{
		Adapter: adapter,
		Classes: []*schema.Class{itemClass},
		Branch:  fabric.BranchOptions{FlushInterval: time.Millisecond},
		// only the newest block stays cached, older ones are read back
		Store: store.Options{CacheSize: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b := openNode(t, nil)

	first := createItem(t, a, "first", 1)
	require.NoError(t, a.Flush(ctx))
	second := createItem(t, a, "second", 2)
	require.NoError(t, a.Flush(ctx))

	adapter.garble.Store(true)
	cut, err := testutils.Link(ctx, a, b)
	require.NoError(t, err)
	defer cut()

	assert.Eventually(t, func() bool {
		_, ok := countAt(b, second.ID())
		return ok && adapter.served.Load() > 0
	}, 5*time.Second, 5*time.Millisecond)
	_, ok := countAt(b, first.ID())
	assert.False(t, ok)

	// the announcement is long gone, pulling asks for the block again
	adapter.garble.Store(false)
	assert.Eventually(t, func() bool {
		_ = b.Pull(ctx, first.URI())
		c, ok := countAt(b, first.ID())
		return ok && c == 1
	}, 5*time.Second, 10*time.Millisecond)
}
