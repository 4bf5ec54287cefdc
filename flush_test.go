package fabric

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric/block"
	"github.com/drpcorg/fabric/clock"
)

func TestListenersSeeCommitOrder(t *testing.T) {
	b := testBranch(t, BranchOptions{})
	var lock sync.Mutex
	var seqs []uint64
	unsubscribe := b.SubscribeAll(func(c Change) {
		lock.Lock()
		seqs = append(seqs, c.Seq)
		lock.Unlock()
	})

	const writers = 8
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := b.Start()
			obj, err := tx.New(accountClass)
			if assert.NoError(t, err) {
				assert.NoError(t, balance.Set(tx, obj, 1))
				assert.NoError(t, tx.Commit())
			}
		}()
	}
	wg.Wait()
	unsubscribe()
	require.NoError(t, setBalance(b, b.Objects()[0], 2))

	lock.Lock()
	defer lock.Unlock()
	require.Len(t, seqs, writers)
	assert.True(t, sort.SliceIsSorted(seqs, func(i, j int) bool { return seqs[i] < seqs[j] }))
	assert.Equal(t, uint64(1), seqs[0])
	assert.Equal(t, uint64(writers), seqs[writers-1])
}

func TestListenerCommits(t *testing.T) {
	b := testBranch(t, BranchOptions{})
	a := newAccount(t, b, "a", 0)
	c := newAccount(t, b, "c", 0)

	var order []string
	b.Subscribe(a, func(ch Change) {
		order = append(order, "a")
		assert.True(t, ch.Fields.Has(balance.Index))
		assert.False(t, ch.Remote)
		assert.NoError(t, setBalance(b, c, 1))
		order = append(order, "a done")
	})
	b.Subscribe(c, func(ch Change) {
		order = append(order, "c")
	})
	require.NoError(t, setBalance(b, a, 5))
	assert.Equal(t, []string{"a", "a done", "c"}, order)
	assert.Equal(t, int64(1), readBalance(t, b, c))
}

func TestCoalesce(t *testing.T) {
	for _, g := range []Granularity{Coalesce, All} {
		t.Run(g.String(), func(t *testing.T) {
			sink := &memSink{}
			b := testBranch(t, BranchOptions{Sink: sink, Granularity: g})
			obj := newAccount(t, b, "alice", 1)
			require.NoError(t, setBalance(b, obj, 2))
			require.NoError(t, setBalance(b, obj, 3))
			require.NoError(t, b.Flush(context.Background()))
			assert.Zero(t, b.Pending())

			blocks := sink.taken()
			if g == All {
				require.Len(t, blocks, 3)
			} else {
				require.Len(t, blocks, 2)
			}
			last := blocks[len(blocks)-1]
			v, ok := last.Get(balance.Index)
			require.True(t, ok)
			assert.Equal(t, int64(3), v)
			assert.Equal(t, obj.ID(), last.Object)
			assert.Equal(t, accountClass.FieldCount(), last.Count)
			for i := 1; i < len(blocks); i++ {
				assert.True(t, blocks[i-1].Stamp.Less(blocks[i].Stamp))
			}
		})
	}
}

func TestRemovals(t *testing.T) {
	sink := &memSink{}
	b := testBranch(t, BranchOptions{Sink: sink, Granularity: All})
	ctx := context.Background()
	obj := newAccount(t, b, "alice", 1)
	require.NoError(t, setBalance(b, obj, 2))
	require.NoError(t, b.Flush(ctx))
	first := sink.taken()
	require.Len(t, first, 2)
	assert.Empty(t, first[1].Removals, "owner of the first block is still live")

	tx := b.Start()
	require.NoError(t, owner.Set(tx, obj, "bob"))
	require.NoError(t, balance.Set(tx, obj, 3))
	require.NoError(t, tx.Commit())
	require.NoError(t, b.Flush(ctx))

	blocks := sink.taken()
	require.Len(t, blocks, 3)
	assert.Equal(t, clock.SortStamps([]clock.Stamp{first[0].Stamp, first[1].Stamp}), blocks[2].Removals)
}

func TestSinkFailureKeepsPending(t *testing.T) {
	sink := &memSink{}
	sink.setFail(errSinkDown)
	b := testBranch(t, BranchOptions{Sink: sink})
	ctx := context.Background()
	newAccount(t, b, "alice", 1)
	assert.ErrorIs(t, b.Flush(ctx), errSinkDown)
	assert.Equal(t, 1, b.Pending())

	sink.setFail(nil)
	require.NoError(t, b.Flush(ctx))
	assert.Zero(t, b.Pending())
	assert.Len(t, sink.taken(), 1)
}

func TestHardLimit(t *testing.T) {
	sink := &memSink{}
	sink.setFail(errSinkDown)
	b := testBranch(t, BranchOptions{Sink: sink, SoftLimit: 2, HardLimit: 2, NonBlocking: true})
	obj := newAccount(t, b, "alice", 1)
	require.NoError(t, setBalance(b, obj, 2))
	assert.ErrorIs(t, setBalance(b, obj, 3), ErrOverload)

	sink.setFail(nil)
	require.NoError(t, b.Flush(context.Background()))
	assert.NoError(t, setBalance(b, obj, 3))
}

func TestHardLimitBlocks(t *testing.T) {
	sink := &memSink{}
	sink.setFail(errSinkDown)
	b := testBranch(t, BranchOptions{Sink: sink, SoftLimit: 1, HardLimit: 1})
	obj := newAccount(t, b, "alice", 1)

	done := make(chan error, 1)
	go func() { done <- setBalance(b, obj, 2) }()
	select {
	case err := <-done:
		t.Fatalf("commit passed the hard limit: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	sink.setFail(nil)
	require.NoError(t, b.Flush(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("commit still blocked after flush")
	}
}

func TestSoftLimitCallsOnOverload(t *testing.T) {
	sink := &memSink{}
	sink.setFail(errSinkDown)
	var calls []int
	b := testBranch(t, BranchOptions{
		Sink:       sink,
		SoftLimit:  1,
		HardLimit:  100,
		OnOverload: func(pending int) { calls = append(calls, pending) },
	})
	obj := newAccount(t, b, "alice", 1)
	require.NoError(t, setBalance(b, obj, 2))
	assert.Equal(t, []int{1}, calls)
}

func TestFold(t *testing.T) {
	sink := &memSink{}
	b := testBranch(t, BranchOptions{Sink: sink, MaxTail: 4})
	ctx := context.Background()
	obj := newAccount(t, b, "alice", 0)
	other := newAccount(t, b, "bob", 0)

	reader := b.Start()
	_, err := balance.Get(reader, obj)
	require.NoError(t, err)
	require.NoError(t, owner.Set(reader, other, "carol"))

	for i := 1; i <= 20; i++ {
		require.NoError(t, setBalance(b, obj, int64(i)))
	}
	for i := 1; i <= 10; i++ {
		require.NoError(t, setBalance(b, other, int64(i)))
	}
	require.NoError(t, b.Flush(ctx))

	snap := b.Snapshot()
	assert.LessOrEqual(t, snap.Len(), 4)
	assert.Greater(t, snap.Base(), reader.Snapshot().Tip())
	assert.Equal(t, uint64(32), snap.Tip())
	assert.Equal(t, int64(20), readBalance(t, b, obj))
	assert.Equal(t, int64(10), readBalance(t, b, other))

	// the write the reader raced is folded into the base by now
	assert.ErrorIs(t, reader.Commit(), ErrConflict)
}

func TestApplyBlockConverges(t *testing.T) {
	a, b, sa, sb := pair(t, BranchOptions{})
	ctx := context.Background()

	var seen []Change
	b.SubscribeAll(func(c Change) { seen = append(seen, c) })

	objA := newAccount(t, a, "alice", 10)
	require.NoError(t, a.Flush(ctx))
	created := sa.taken()
	require.Len(t, created, 1)
	require.NoError(t, b.ApplyBlock(created[0]))

	objB, ok := b.Object(objA.ID())
	require.True(t, ok)
	assert.Equal(t, int64(10), readBalance(t, b, objB))
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Remote)
	assert.Same(t, objB, seen[0].Object)

	require.NoError(t, setBalance(a, objA, 1))
	require.NoError(t, setBalance(b, objB, 2))
	require.NoError(t, a.Flush(ctx))
	require.NoError(t, b.Flush(ctx))
	fromA := sa.taken()[1]
	fromB := sb.taken()[0]

	require.NoError(t, a.ApplyBlock(fromB))
	require.NoError(t, b.ApplyBlock(fromA))
	want := int64(2)
	if fromA.Stamp.Compare(fromB.Stamp) > 0 {
		want = 1
	}
	assert.Equal(t, want, readBalance(t, a, objA))
	assert.Equal(t, want, readBalance(t, b, objB))

	// blocks come again and out of order
	tip := a.Snapshot().Tip()
	require.NoError(t, a.ApplyBlock(fromB))
	require.NoError(t, a.ApplyBlock(created[0]))
	assert.Equal(t, tip, a.Snapshot().Tip())
	assert.Equal(t, want, readBalance(t, a, objA))
}

func TestApplyBlockRejects(t *testing.T) {
	a, b, sa, _ := pair(t, BranchOptions{})
	newAccount(t, a, "alice", 10)
	require.NoError(t, a.Flush(context.Background()))
	blk := *sa.taken()[0]

	bad := blk
	bad.Count = 1
	assert.ErrorIs(t, b.ApplyBlock(&bad), ErrCorruptedBlock)

	bad = blk
	bad.Class = 12345
	assert.ErrorIs(t, b.ApplyBlock(&bad), ErrTypeUnknown)

	bad = blk
	bad.Fields = []block.FieldValue{{Index: 1, Value: "ten"}}
	assert.ErrorIs(t, b.ApplyBlock(&bad), ErrCorruptedBlock)
	assert.Empty(t, b.Objects())
}
