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

// step consumes the next value. It either takes what it needs and reports
// ok, or reports !ok having kept any partial payload in its own state.
type step func(src []byte) (n int, ok bool, err error)

// Reader parses a block from any number of Read calls. Bytes a call does
// not consume must be passed again, followed by more data.
type Reader struct {
	b           *Block
	steps       []step
	err         error
	done        bool
	interrupted bool
}

func NewReader() *Reader {
	r := &Reader{b: &Block{}}
	b := r.b
	le := binary.LittleEndian
	r.then(
		fixed(schema.URIHashLen, func(p []byte) error {
			copy(b.URI[:], p)
			return nil
		}),
		r.stamp(func(s clock.Stamp) error {
			b.Stamp = s
			return nil
		}),
		fixed(16, func(p []byte) error {
			copy(b.Object.Peer[:], p)
			return nil
		}),
		fixed(8, func(p []byte) error {
			b.Object.Local = le.Uint64(p)
			return nil
		}),
		fixed(4, func(p []byte) error {
			b.Class = le.Uint32(p)
			return nil
		}),
		uvarint(func(n uint64) error {
			if n > schema.MaxFields {
				return corrupt("field count %d", n)
			}
			b.Count = int(n)
			r.then(payload(bitmapLen(b.Count), r.bitmap))
			return nil
		}),
		r.stamps(func(s []clock.Stamp) { b.Removals = s }),
		r.stamps(func(s []clock.Stamp) { b.Deps = s }),
	)
	return r
}

// Read consumes as much of src as makes progress. Once done, the rest of
// src is left alone.
func (r *Reader) Read(src []byte) (consumed int, done bool, err error) {
	if r.err != nil {
		return 0, false, r.err
	}
	r.interrupted = false
	for len(r.steps) > 0 {
		top := r.steps[len(r.steps)-1]
		r.steps = r.steps[:len(r.steps)-1]
		n, ok, err := top(src[consumed:])
		consumed += n
		if err != nil {
			if !errors.Is(err, fabric_errors.ErrCorruptedBlock) {
				err = errors.Wrap(fabric_errors.ErrCorruptedBlock, err.Error())
			}
			r.err = err
			return consumed, false, err
		}
		if !ok {
			r.steps = append(r.steps, top)
			r.interrupted = true
			return consumed, false, nil
		}
	}
	r.done = true
	return consumed, true, nil
}

// Interrupted says the last Read ran out of bytes mid-block.
func (r *Reader) Interrupted() bool {
	return r.interrupted
}

func (r *Reader) Done() bool {
	return r.done
}

func (r *Reader) Block() *Block {
	if !r.done {
		return nil
	}
	return r.b
}

// then schedules steps to run next, in the given order.
func (r *Reader) then(steps ...step) {
	for i := len(steps) - 1; i >= 0; i-- {
		r.steps = append(r.steps, steps[i])
	}
}

func corrupt(format string, args ...any) error {
	return errors.Wrapf(fabric_errors.ErrCorruptedBlock, format, args...)
}

func fixed(size int, fn func(p []byte) error) step {
	return func(src []byte) (int, bool, error) {
		if len(src) < size {
			return 0, false, nil
		}
		return size, true, fn(src[:size])
	}
}

func uvarint(fn func(n uint64) error) step {
	return func(src []byte) (int, bool, error) {
		v, n := binary.Uvarint(src)
		switch {
		case n > 0:
			return n, true, fn(v)
		case n < 0 || len(src) >= binary.MaxVarintLen64:
			return 0, false, corrupt("bad varint")
		}
		return 0, false, nil
	}
}

func payload(size int, fn func(p []byte) error) step {
	buf := make([]byte, 0, min(size, 4096))
	return func(src []byte) (int, bool, error) {
		c := min(size-len(buf), len(src))
		buf = append(buf, src[:c]...)
		if len(buf) < size {
			return c, false, nil
		}
		return c, true, fn(buf)
	}
}

// sized reads a varint length and then that many bytes.
func (r *Reader) sized(fn func(p []byte) error) step {
	return uvarint(func(n uint64) error {
		if n > MaxPayload {
			return corrupt("payload of %d bytes", n)
		}
		r.then(payload(int(n), fn))
		return nil
	})
}

func done(fn func() error) step {
	return func([]byte) (int, bool, error) {
		return 0, true, fn()
	}
}

func (r *Reader) stamp(fn func(s clock.Stamp) error) step {
	var s clock.Stamp
	return fixed(16, func(p []byte) error {
		copy(s.Peer[:], p)
		r.then(fixed(8, func(p []byte) error {
			s.Time = binary.LittleEndian.Uint64(p)
			return fn(s)
		}))
		return nil
	})
}

func (r *Reader) stamps(fn func(s []clock.Stamp)) step {
	return uvarint(func(n uint64) error {
		if n > MaxStamps {
			return corrupt("%d stamps", n)
		}
		if n == 0 {
			return nil
		}
		list := make([]clock.Stamp, n)
		steps := make([]step, 0, n+1)
		for i := range list {
			steps = append(steps, r.stamp(func(s clock.Stamp) error {
				list[i] = s
				return nil
			}))
		}
		steps = append(steps, done(func() error {
			fn(list)
			return nil
		}))
		r.then(steps...)
		return nil
	})
}

func (r *Reader) bitmap(bits []byte) error {
	b := r.b
	var set []int
	for i := 0; i < len(bits)*8; i++ {
		if bits[i/8]&(1<<(i%8)) == 0 {
			continue
		}
		if i >= b.Count {
			return corrupt("bit %d past field count %d", i, b.Count)
		}
		set = append(set, i)
	}
	if len(set) == 0 {
		return nil
	}
	b.Fields = make([]FieldValue, len(set))
	steps := make([]step, 0, len(set))
	for j, idx := range set {
		steps = append(steps, fixed(1, func(p []byte) error {
			kind := schema.Kind(p[0])
			if !kind.Valid() {
				return corrupt("field %d kind %d", idx, p[0])
			}
			r.then(r.value(kind, func(v any) error {
				b.Fields[j] = FieldValue{Index: idx, Value: v}
				return nil
			}))
			return nil
		}))
	}
	r.then(steps...)
	return nil
}

func (r *Reader) bignum(set func(x *big.Int) error) step {
	return fixed(1, func(p []byte) error {
		sign := p[0]
		if sign > 1 {
			return corrupt("bignum sign %d", sign)
		}
		r.then(r.sized(func(mag []byte) error {
			x := new(big.Int).SetBytes(mag)
			if sign == 1 {
				x.Neg(x)
			}
			return set(x)
		}))
		return nil
	})
}

// value reads one value of a known kind.
func (r *Reader) value(kind schema.Kind, set func(v any) error) step {
	le := binary.LittleEndian
	switch kind {
	case schema.KindBool:
		return fixed(1, func(p []byte) error {
			if p[0] > 1 {
				return corrupt("bool %d", p[0])
			}
			return set(p[0] == 1)
		})
	case schema.KindByte:
		return fixed(1, func(p []byte) error { return set(int8(p[0])) })
	case schema.KindChar:
		return fixed(2, func(p []byte) error { return set(le.Uint16(p)) })
	case schema.KindShort:
		return fixed(2, func(p []byte) error { return set(int16(le.Uint16(p))) })
	case schema.KindInt:
		return fixed(4, func(p []byte) error { return set(int32(le.Uint32(p))) })
	case schema.KindLong:
		return fixed(8, func(p []byte) error { return set(int64(le.Uint64(p))) })
	case schema.KindFloat:
		return fixed(4, func(p []byte) error { return set(math.Float32frombits(le.Uint32(p))) })
	case schema.KindDouble:
		return fixed(8, func(p []byte) error { return set(math.Float64frombits(le.Uint64(p))) })
	case schema.KindString:
		return r.sized(func(p []byte) error { return set(string(p)) })
	case schema.KindDate:
		return fixed(8, func(p []byte) error {
			sec := int64(le.Uint64(p))
			r.then(fixed(4, func(p []byte) error {
				nsec := le.Uint32(p)
				if nsec >= 1e9 {
					return corrupt("date nanos %d", nsec)
				}
				if sec == zeroUnix && nsec == 0 {
					return set(time.Time{})
				}
				return set(time.Unix(sec, int64(nsec)).UTC())
			}))
			return nil
		})
	case schema.KindBignum:
		return r.bignum(func(x *big.Int) error { return set(x) })
	case schema.KindDecimal:
		return fixed(4, func(p []byte) error {
			scale := int32(le.Uint32(p))
			if scale < 0 {
				return corrupt("decimal scale %d", scale)
			}
			r.then(r.bignum(func(x *big.Int) error {
				return set(schema.Decimal{Unscaled: x, Scale: scale})
			}))
			return nil
		})
	case schema.KindBinary:
		return r.sized(func(p []byte) error { return set(p) })
	case schema.KindRef:
		var id schema.ObjectID
		return fixed(16, func(p []byte) error {
			copy(id.Peer[:], p)
			r.then(fixed(8, func(p []byte) error {
				id.Local = le.Uint64(p)
				return set(id)
			}))
			return nil
		})
	case schema.KindCollection:
		return fixed(3, func(p []byte) error {
			col := schema.Collection{Shape: schema.Shape(p[0]), Elem: schema.Kind(p[1]), Key: schema.Kind(p[2])}
			r.then(uvarint(func(n uint64) error {
				return r.collection(col, n, set)
			}))
			return nil
		})
	case schema.KindExtension:
		return fixed(2, func(p []byte) error {
			tag := le.Uint16(p)
			r.then(r.sized(func(raw []byte) error {
				return set(schema.Extension{Tag: tag, Raw: raw})
			}))
			return nil
		})
	}
	return func([]byte) (int, bool, error) {
		return 0, false, corrupt("kind %s", kind)
	}
}

func (r *Reader) collection(col schema.Collection, n uint64, set func(v any) error) error {
	if n > MaxItems {
		return corrupt("collection of %d items", n)
	}
	total := int(n)
	switch col.Shape {
	case schema.List, schema.Set, schema.Array:
	case schema.Map:
		total *= 2
		if !col.Key.Valid() {
			return corrupt("map key kind %d", col.Key)
		}
	default:
		if col.Shape != 0 || n != 0 {
			return corrupt("collection shape %d", col.Shape)
		}
	}
	if total > 0 && !col.Elem.Valid() {
		return corrupt("collection element kind %d", col.Elem)
	}
	if total == 0 {
		return set(col)
	}
	items := make([]any, total)
	steps := make([]step, 0, total+1)
	for i := range items {
		kind := col.Elem
		if col.Shape == schema.Map && i%2 == 0 {
			kind = col.Key
		}
		steps = append(steps, r.value(kind, func(v any) error {
			items[i] = v
			return nil
		}))
	}
	steps = append(steps, done(func() error {
		col.Items = items
		return set(col)
	}))
	r.then(steps...)
	return nil
}

var zeroUnix = time.Time{}.Unix()
