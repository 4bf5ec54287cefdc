package fabric

import (
	"math/bits"
	"strings"
	"strconv"

	"github.com/drpcorg/fabric/schema"
)

// Bitmap is a set of field indexes, up to schema.MaxFields.
type Bitmap [schema.MaxFields / 64]uint64

func (b *Bitmap) Set(i int) {
	b[i>>6] |= 1 << (i & 63)
}

func (b *Bitmap) Clear(i int) {
	b[i>>6] &^= 1 << (i & 63)
}

func (b Bitmap) Has(i int) bool {
	return b[i>>6]&(1<<(i&63)) != 0
}

func (b Bitmap) IsEmpty() bool {
	return b == Bitmap{}
}

func (b Bitmap) Len() (n int) {
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return
}

func (b Bitmap) Or(o Bitmap) (r Bitmap) {
	for i := range b {
		r[i] = b[i] | o[i]
	}
	return
}

func (b Bitmap) And(o Bitmap) (r Bitmap) {
	for i := range b {
		r[i] = b[i] & o[i]
	}
	return
}

func (b Bitmap) AndNot(o Bitmap) (r Bitmap) {
	for i := range b {
		r[i] = b[i] &^ o[i]
	}
	return
}

func (b Bitmap) Intersects(o Bitmap) bool {
	for i := range b {
		if b[i]&o[i] != 0 {
			return true
		}
	}
	return false
}

// Covers is true if every index of o is in b.
func (b Bitmap) Covers(o Bitmap) bool {
	return o.AndNot(b).IsEmpty()
}

// Indexes lists set indexes in ascending order.
func (b Bitmap) Indexes() (ret []int) {
	for wi, w := range b {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			ret = append(ret, wi*64+bit)
			w &= w - 1
		}
	}
	return
}

func (b Bitmap) String() string {
	idx := b.Indexes()
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = strconv.Itoa(n)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
