package schema

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric/fabric_errors"
)

func TestKindCheck(t *testing.T) {
	for k := KindBool; k < kindEnd; k++ {
		assert.NoError(t, k.Check(k.Zero()), k.String())
		assert.Equal(t, k, Of(k.Zero()))
	}
	assert.ErrorIs(t, KindInt.Check(int64(1)), fabric_errors.ErrTypeUnknown)
	assert.ErrorIs(t, KindBignum.Check((*big.Int)(nil)), fabric_errors.ErrTypeUnknown)
	assert.Equal(t, KindNone, Of(struct{}{}))

	k, ok := ParseKind("decimal")
	assert.True(t, ok)
	assert.Equal(t, KindDecimal, k)
	_, ok = ParseKind("none")
	assert.False(t, ok)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal([]byte{1}, []byte{1}))
	assert.True(t, Equal(big.NewInt(7), big.NewInt(7)))
	now := time.Now()
	assert.True(t, Equal(now, now.UTC()))
	assert.True(t, Equal(NewDecimal(150, 2), NewDecimal(15, 1)))
	assert.False(t, Equal(int32(1), int64(1)))
	assert.True(t, Equal(NewList(KindString, "a", "b"), NewList(KindString, "a", "b")))
	assert.False(t, Equal(NewList(KindString, "a"), NewSet(KindString, "a")))
}

func TestDecimal(t *testing.T) {
	d, err := ParseDecimal("-12.050")
	require.NoError(t, err)
	assert.Equal(t, int32(3), d.Scale)
	assert.Equal(t, "-12.050", d.String())
	assert.Equal(t, "0.05", NewDecimal(5, 2).String())
	assert.Equal(t, "0", Decimal{}.String())
	_, err = ParseDecimal("1.2.3")
	assert.ErrorIs(t, err, ErrBadDecimal)
	assert.Error(t, Decimal{Scale: -1}.Validate())
}

func TestObjectID(t *testing.T) {
	id := ObjectID{Peer: uuid.New(), Local: 0xbeef}
	back, err := ParseObjectID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, back)

	back, err = ObjectIDFromBytes(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, back)

	assert.Equal(t, id.URI(), back.URI())
	assert.NotEqual(t, id.URI(), ObjectID{Peer: id.Peer, Local: 1}.URI())

	h, err := ParseURIHash(id.URI().String())
	require.NoError(t, err)
	assert.Equal(t, id.URI(), h)

	assert.Equal(t, ContentID([]byte("k")), ContentID([]byte("k")))
	assert.NotEqual(t, ContentID([]byte("k")), ContentID([]byte("l")))
}

func TestCollections(t *testing.T) {
	s := NewSet(KindInt, int32(1), int32(2), int32(1))
	assert.Equal(t, 2, s.Len())
	assert.NoError(t, s.Validate())

	l := NewList(KindString, "a")
	l2 := l.Add("b")
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 2, l2.Len())

	a := NewArray(KindDouble, 3)
	a2 := a.With(1, 2.5)
	assert.Equal(t, 0.0, a.Items[1])
	assert.Equal(t, 2.5, a2.Items[1])

	m := NewMap(KindString, KindLong).Put("x", int64(1)).Put("y", int64(2)).Put("x", int64(3))
	assert.Equal(t, 2, m.Len())
	v, ok := m.Get("x")
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)
	assert.NoError(t, m.Validate())

	bad := NewList(KindString, int32(1))
	assert.ErrorIs(t, bad.Validate(), fabric_errors.ErrTypeUnknown)
}

func TestClassRegistry(t *testing.T) {
	note := MustClass("note",
		Field{Name: "title", Kind: KindString},
		Field{Name: "tags", Kind: KindCollection, Elem: KindString},
	)
	assert.Equal(t, ClassID("note"), note.ID)
	assert.Equal(t, 1, note.FieldIndex("tags"))
	assert.NoError(t, note.Check(0, "hi"))
	assert.Error(t, note.Check(0, int32(1)))
	assert.Error(t, note.Check(5, "hi"))
	assert.Error(t, note.Check(1, NewList(KindInt)))
	assert.NoError(t, note.Check(1, NewList(KindString, "x")))

	_, err := NewClass("bad", Field{Name: "", Kind: KindInt})
	assert.Error(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(note))
	require.NoError(t, reg.Register(note))
	c, ok := reg.Lookup(note.ID)
	assert.True(t, ok)
	assert.Same(t, note, c)
	_, ok = reg.ByName("nope")
	assert.False(t, ok)
	assert.Len(t, reg.Classes(), 1)
}

type point struct {
	X, Y int
}

func TestExtension(t *testing.T) {
	ext, err := PackExtension(7, point{1, 2})
	require.NoError(t, err)
	var p point
	require.NoError(t, ext.Unpack(&p))
	assert.Equal(t, point{1, 2}, p)

	RegisterExtension(9, upperCodec{})
	ext, err = PackExtension(9, "abc")
	require.NoError(t, err)
	v, err := ext.Value()
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
	assert.Equal(t, []byte("ABC"), ext.Raw)
}

type upperCodec struct{}

func (upperCodec) Encode(v any) ([]byte, error) {
	s := []byte(v.(string))
	for i := range s {
		s[i] -= 'a' - 'A'
	}
	return s, nil
}

func (upperCodec) Decode(raw []byte) (any, error) {
	s := make([]byte, len(raw))
	for i := range raw {
		s[i] = raw[i] + 'a' - 'A'
	}
	return string(s), nil
}
