package block

import (
	"encoding/binary"
	"math"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/schema"
)

const (
	phaseHeader = iota
	phaseBitmap
	phaseFields
	phaseRemovals
	phaseDeps
	phaseDone
)

// token is a piece of output. A whole token goes out in one Write or not at
// all, so a fixed-size value never straddles two buffers; payload bytes may.
type token struct {
	whole bool
	data  []byte
}

// Writer produces the bytes of one block over any number of Write calls.
// Output is generated one field at a time.
type Writer struct {
	b       *Block
	phase   int
	next    int
	pending []token
	off     int
	err     error
}

func NewWriter(b *Block) *Writer {
	return &Writer{b: b, err: b.Validate()}
}

// Write fills dst as far as possible. done is set once the block is
// complete. A zero-progress call on a buffer shorter than MinBuffer returns
// ErrShortBuffer and leaves the writer where it was.
func (w *Writer) Write(dst []byte) (n int, done bool, err error) {
	if w.err != nil {
		return 0, false, w.err
	}
	for {
		for len(w.pending) == 0 {
			if w.phase == phaseDone {
				return n, true, nil
			}
			if err = w.refill(); err != nil {
				w.err = err
				return n, false, err
			}
		}
		tok := &w.pending[0]
		if tok.whole {
			if len(dst)-n < len(tok.data) {
				if n == 0 && len(dst) < MinBuffer {
					return 0, false, ErrShortBuffer
				}
				return n, false, nil
			}
			n += copy(dst[n:], tok.data)
		} else {
			c := copy(dst[n:], tok.data[w.off:])
			n += c
			w.off += c
			if w.off < len(tok.data) {
				return n, false, nil
			}
			w.off = 0
		}
		w.pending = w.pending[1:]
	}
}

func (w *Writer) refill() (err error) {
	b := w.b
	switch w.phase {
	case phaseHeader:
		uri := b.URI
		w.pending = appendStamp(append(w.pending, token{true, uri[:]}), b.Stamp)
		obj := b.Object
		w.pending = append(w.pending,
			token{true, obj.Peer[:]},
			token{true, binary.LittleEndian.AppendUint64(nil, obj.Local)},
			token{true, binary.LittleEndian.AppendUint32(nil, b.Class)},
		)
		w.phase = phaseBitmap
	case phaseBitmap:
		bitmap := make([]byte, bitmapLen(b.Count))
		for _, f := range b.Fields {
			bitmap[f.Index/8] |= 1 << (f.Index % 8)
		}
		w.pending = append(w.pending, varint(uint64(b.Count)), token{false, bitmap})
		w.phase = phaseFields
	case phaseFields:
		if w.next == len(b.Fields) {
			w.phase = phaseRemovals
			return nil
		}
		v := b.Fields[w.next].Value
		w.pending = append(w.pending, token{true, []byte{byte(schema.Of(v))}})
		w.pending, err = appendValue(w.pending, v)
		w.next++
	case phaseRemovals:
		w.pending = appendStamps(w.pending, b.Removals)
		w.phase = phaseDeps
	case phaseDeps:
		w.pending = appendStamps(w.pending, b.Deps)
		w.phase = phaseDone
	}
	return err
}

func varint(n uint64) token {
	return token{true, binary.AppendUvarint(nil, n)}
}

func appendStamp(toks []token, s clock.Stamp) []token {
	return append(toks,
		token{true, s.Peer[:]},
		token{true, binary.LittleEndian.AppendUint64(nil, s.Time)},
	)
}

func appendStamps(toks []token, stamps []clock.Stamp) []token {
	toks = append(toks, varint(uint64(len(stamps))))
	for _, s := range stamps {
		toks = appendStamp(toks, s)
	}
	return toks
}

func appendBytes(toks []token, b []byte) []token {
	return append(toks, varint(uint64(len(b))), token{false, b})
}

func appendBignum(toks []token, x *big.Int) []token {
	var sign byte
	if x.Sign() < 0 {
		sign = 1
	}
	return appendBytes(append(toks, token{true, []byte{sign}}), x.Bytes())
}

func appendValue(toks []token, v any) ([]token, error) {
	le := binary.LittleEndian
	switch val := v.(type) {
	case bool:
		var b byte
		if val {
			b = 1
		}
		return append(toks, token{true, []byte{b}}), nil
	case int8:
		return append(toks, token{true, []byte{byte(val)}}), nil
	case uint16:
		return append(toks, token{true, le.AppendUint16(nil, val)}), nil
	case int16:
		return append(toks, token{true, le.AppendUint16(nil, uint16(val))}), nil
	case int32:
		return append(toks, token{true, le.AppendUint32(nil, uint32(val))}), nil
	case int64:
		return append(toks, token{true, le.AppendUint64(nil, uint64(val))}), nil
	case float32:
		return append(toks, token{true, le.AppendUint32(nil, math.Float32bits(val))}), nil
	case float64:
		return append(toks, token{true, le.AppendUint64(nil, math.Float64bits(val))}), nil
	case string:
		return appendBytes(toks, []byte(val)), nil
	case time.Time:
		return append(toks,
			token{true, le.AppendUint64(nil, uint64(val.Unix()))},
			token{true, le.AppendUint32(nil, uint32(val.Nanosecond()))},
		), nil
	case *big.Int:
		return appendBignum(toks, val), nil
	case schema.Decimal:
		unscaled := val.Unscaled
		if unscaled == nil {
			unscaled = new(big.Int)
		}
		toks = append(toks, token{true, le.AppendUint32(nil, uint32(val.Scale))})
		return appendBignum(toks, unscaled), nil
	case []byte:
		return appendBytes(toks, val), nil
	case schema.ObjectID:
		return append(toks,
			token{true, val.Peer[:]},
			token{true, le.AppendUint64(nil, val.Local)},
		), nil
	case schema.Collection:
		toks = append(toks,
			token{true, []byte{byte(val.Shape), byte(val.Elem), byte(val.Key)}},
			varint(uint64(val.Len())),
		)
		var err error
		for _, item := range val.Items {
			if toks, err = appendValue(toks, item); err != nil {
				return nil, err
			}
		}
		return toks, nil
	case schema.Extension:
		toks = append(toks, token{true, le.AppendUint16(nil, val.Tag)})
		return appendBytes(toks, val.Raw), nil
	}
	return nil, errors.Wrapf(fabric_errors.ErrTypeUnknown, "block: can not write %T", v)
}
