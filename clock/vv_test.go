package clock

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestVVBasics(t *testing.T) {
	vv := make(VV)
	assert.True(t, vv.Put(1, 5))
	assert.False(t, vv.Put(1, 3))
	assert.True(t, vv.PutTick(NewTick(2, 7)))

	other := VV{1: 8, 3: 1}
	vv.Merge(other)
	assert.Equal(t, VV{1: 8, 2: 7, 3: 1}, vv)
	assert.True(t, vv.Covers(other))
	assert.False(t, other.Covers(vv))

	clone := vv.Clone()
	clone.Put(4, 1)
	assert.NotEqual(t, clone, vv)

	assert.Equal(t, VV{2: 0}, vv.ProgressedOver(other))
	assert.Equal(t, "1-8,2-7,3-1", vv.String())
}

func TestHappenedBefore(t *testing.T) {
	a := NewTick(1, 3)
	b := NewTick(2, 9)
	assert.True(t, HappenedBefore(a, b, VV{1: 3}))
	assert.False(t, HappenedBefore(a, b, VV{1: 2}))
	assert.False(t, HappenedBefore(b, a, VV{}))
}

func TestVVTLV(t *testing.T) {
	peers := NewPeers()
	ia := peers.Intern(uuid.New())
	ib := peers.Intern(uuid.New())
	vv := VV{ia: 100, ib: 0x10000}
	rec := vv.TLV(peers)

	back := make(VV)
	assert.NoError(t, back.PutTLV(peers, rec))
	assert.Equal(t, vv, back)

	// another process interns the same UIDs under other indexes
	remote := NewPeers()
	remote.Intern(uuid.New())
	rvv := make(VV)
	assert.NoError(t, rvv.PutTLV(remote, rec))
	assert.Equal(t, vv.Stamps(peers), rvv.Stamps(remote))

	assert.Error(t, back.PutTLV(peers, []byte{'v', 3, 1, 2, 3}))
}
