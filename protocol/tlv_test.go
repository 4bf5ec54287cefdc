package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf, "basic TLV fail")

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8('C'), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, buf, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, _, err2 := TakeWary('B', buf)
	assert.Nil(t, err2)
	assert.Equal(t, []byte{'B', 'B'}, body2)
}

func TestFeedHeader(t *testing.T) {
	buf := []byte{}
	l, buf := OpenHeader(buf, 'A')
	text := "some text"
	buf = append(buf, text...)
	CloseHeader(buf, l)
	lit, body, rest, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, text, string(body))
	assert.Equal(t, 0, len(rest))
}

func TestTinyRecord(t *testing.T) {
	tiny := TinyRecord('X', []byte("12"))
	assert.Equal(t, "212", string(tiny))
}

func TestSplit(t *testing.T) {
	stream := Concat(
		Record('K', TinyRecord('Q', Uint64(7)), Record('O', bytes.Repeat([]byte{1}, 20))),
		Record('A', []byte("ack")),
	)
	var buf bytes.Buffer
	buf.Write(stream[:len(stream)-2])
	recs, err := Split(&buf)
	assert.True(t, errors.Is(err, ErrIncomplete))
	assert.Len(t, recs, 1)
	assert.Equal(t, byte('K'), Lit(recs[0]))

	buf.Write(stream[len(stream)-2:])
	recs, err = Split(&buf)
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, byte('A'), Lit(recs[0]))
	assert.Equal(t, 0, buf.Len())

	buf.WriteString("\x01garbage")
	_, err = Split(&buf)
	assert.Equal(t, ErrBadRecord, err)
}

func TestUint64Body(t *testing.T) {
	for _, n := range []uint64{0, 1, 0xff, 0x100, 1 << 40, ^uint64(0)} {
		assert.Equal(t, n, ParseUint64(Uint64(n)))
	}
	assert.Len(t, Uint64(0), 0)
	assert.Len(t, Uint64(0x1ff), 2)
}
