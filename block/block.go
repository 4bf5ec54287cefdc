/*
Package block serializes committed object versions.

A block is the change one commit made to one object, tagged with the commit
stamp. Layout, fixed ints little-endian, counts as unsigned varints:

	[uriHash:20][tickPeerUID:16][tickTime:8]
	[objPeer:16][objLocal:8][classID:4]
	[fieldCount:varint][bitmap:ceil(fieldCount/8)]
	[kind:1 value] for every set bit, ascending
	[removalCount:varint][uid:16 time:8]...
	[depCount:varint][uid:16 time:8]...

Removals are older stamps of the same object this block fully supersedes.
Deps is the causal summary the producer had when it committed.

Writer and Reader are resumable: either can stop at any buffer boundary
and continue from the exact value it was at on the next call.
*/
package block

import (
	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/schema"
)

const (
	// MinBuffer is the largest value written in one piece.
	MinBuffer = schema.URIHashLen

	MaxPayload = 1 << 26
	MaxItems   = 1 << 20
	MaxStamps  = 1 << 16
)

var ErrShortBuffer = errors.New("block: buffer shorter than MinBuffer")

type FieldValue struct {
	Index int
	Value any
}

type Block struct {
	URI    schema.URIHash
	Stamp  clock.Stamp
	Object schema.ObjectID
	Class  uint32
	// Count is the field count of the class, the bitmap length in bits.
	Count    int
	Fields   []FieldValue
	Removals []clock.Stamp
	Deps     []clock.Stamp
}

func (b *Block) Get(i int) (any, bool) {
	for _, f := range b.Fields {
		if f.Index == i {
			return f.Value, true
		}
	}
	return nil, false
}

func (b *Block) Validate() error {
	if b.Count < 0 || b.Count > schema.MaxFields {
		return errors.Errorf("block: field count %d", b.Count)
	}
	prev := -1
	for _, f := range b.Fields {
		if f.Index <= prev || f.Index >= b.Count {
			return errors.Errorf("block: field index %d out of order", f.Index)
		}
		prev = f.Index
		kind := schema.Of(f.Value)
		if kind == schema.KindNone {
			return errors.Wrapf(fabric_errors.ErrTypeUnknown, "block: field %d holds %T", f.Index, f.Value)
		}
		if err := kind.Check(f.Value); err != nil {
			return err
		}
	}
	if len(b.Removals) > MaxStamps || len(b.Deps) > MaxStamps {
		return errors.New("block: too many stamps")
	}
	return nil
}

// Encode serializes a block into a fresh byte slice.
func Encode(b *Block) ([]byte, error) {
	w := NewWriter(b)
	chunk := make([]byte, 4096)
	var out []byte
	for {
		n, done, err := w.Write(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk[:n]...)
		if done {
			return out, nil
		}
	}
}

// Decode parses one complete block. Truncated or trailing bytes are
// corruption as well.
func Decode(data []byte) (*Block, error) {
	r := NewReader()
	n, done, err := r.Read(data)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, errors.Wrap(fabric_errors.ErrCorruptedBlock, "truncated")
	}
	if n != len(data) {
		return nil, errors.Wrapf(fabric_errors.ErrCorruptedBlock, "%d trailing bytes", len(data)-n)
	}
	return r.Block(), nil
}

func bitmapLen(count int) int {
	return (count + 7) / 8
}
