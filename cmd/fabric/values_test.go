package main

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric"
	"github.com/drpcorg/fabric/schema"
)

func TestParseClass(t *testing.T) {
	c, err := parseClass("Item title:string count:long tags:list<string>")
	require.NoError(t, err)
	assert.Equal(t, "Item", c.Name)
	assert.Equal(t, 3, c.FieldCount())
	assert.Equal(t, schema.KindCollection, c.FieldKind(2))
	assert.Equal(t, "Item title:string count:long tags:list<string>", formatClass(c))

	_, err = parseClass("Item title")
	assert.ErrorIs(t, err, ErrUsage)
	_, err = parseClass("Item title:nope")
	assert.Error(t, err)
}

func TestParseValue(t *testing.T) {
	c := schema.MustClass("All",
		schema.Field{Name: "b", Kind: schema.KindBool},
		schema.Field{Name: "n", Kind: schema.KindLong},
		schema.Field{Name: "s", Kind: schema.KindString},
		schema.Field{Name: "big", Kind: schema.KindBignum},
		schema.Field{Name: "l", Kind: schema.KindCollection, Elem: schema.KindInt},
	)
	cases := []struct {
		field int
		raw   string
		want  any
	}{
		{0, "true", true},
		{1, "-42", int64(-42)},
		{2, `"two words"`, "two words"},
		{2, "plain", "plain"},
		{3, "123456789012345678901234567890", func() *big.Int {
			n, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
			return n
		}()},
		{4, "1,2", schema.NewList(schema.KindInt, int32(1), int32(2))},
	}
	for _, tc := range cases {
		v, err := parseValue(c.Fields[tc.field], tc.raw)
		require.NoError(t, err, tc.raw)
		assert.True(t, schema.Equal(tc.want, v), "%s: %v", tc.raw, v)
		assert.NoError(t, c.Check(tc.field, v))
	}
	_, err := parseValue(c.Fields[1], "x")
	assert.Error(t, err)
}

func TestParseConflict(t *testing.T) {
	c, err := parseConflict("write_write")
	require.NoError(t, err)
	assert.Equal(t, fabric.WriteWrite, c)
	_, err = parseConflict("sometimes")
	assert.Error(t, err)
}
