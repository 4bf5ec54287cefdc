// Package schema describes shared objects without reflection: a class is a
// list of typed fields, every field type is drawn from a closed set of kinds.
package schema

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/drpcorg/fabric/fabric_errors"
)

type Kind byte

const (
	KindNone Kind = iota
	KindBool
	KindByte
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindString
	// KindDate is a time.Time instant. Values are kept in UTC without a
	// monotonic reading, the form every replica decodes.
	KindDate
	KindBignum
	KindDecimal
	KindBinary
	KindRef
	KindCollection
	KindExtension
	kindEnd
)

var kindNames = [...]string{
	KindNone:       "none",
	KindBool:       "bool",
	KindByte:       "byte",
	KindChar:       "char",
	KindShort:      "short",
	KindInt:        "int",
	KindLong:       "long",
	KindFloat:      "float",
	KindDouble:     "double",
	KindString:     "string",
	KindDate:       "date",
	KindBignum:     "bignum",
	KindDecimal:    "decimal",
	KindBinary:     "binary",
	KindRef:        "ref",
	KindCollection: "collection",
	KindExtension:  "extension",
}

func (k Kind) Valid() bool {
	return k > KindNone && k < kindEnd
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name && Kind(k).Valid() {
			return Kind(k), true
		}
	}
	return KindNone, false
}

// Zero is the value a field holds before anything was written to it.
func (k Kind) Zero() any {
	switch k {
	case KindBool:
		return false
	case KindByte:
		return int8(0)
	case KindChar:
		return uint16(0)
	case KindShort:
		return int16(0)
	case KindInt:
		return int32(0)
	case KindLong:
		return int64(0)
	case KindFloat:
		return float32(0)
	case KindDouble:
		return float64(0)
	case KindString:
		return ""
	case KindDate:
		return time.Time{}
	case KindBignum:
		return new(big.Int)
	case KindDecimal:
		return Decimal{}
	case KindBinary:
		return []byte{}
	case KindRef:
		return ObjectID{}
	case KindCollection:
		return Collection{}
	case KindExtension:
		return Extension{}
	}
	return nil
}

// Of reports the kind of a Go value, KindNone for unsupported types.
func Of(v any) Kind {
	switch v.(type) {
	case bool:
		return KindBool
	case int8:
		return KindByte
	case uint16:
		return KindChar
	case int16:
		return KindShort
	case int32:
		return KindInt
	case int64:
		return KindLong
	case float32:
		return KindFloat
	case float64:
		return KindDouble
	case string:
		return KindString
	case time.Time:
		return KindDate
	case *big.Int:
		return KindBignum
	case Decimal:
		return KindDecimal
	case []byte:
		return KindBinary
	case ObjectID:
		return KindRef
	case Collection:
		return KindCollection
	case Extension:
		return KindExtension
	}
	return KindNone
}

// Check verifies v can be stored in a field of this kind.
func (k Kind) Check(v any) error {
	if got := Of(v); got != k {
		return fmt.Errorf("%w: want %s, got %T", fabric_errors.ErrTypeUnknown, k, v)
	}
	switch val := v.(type) {
	case *big.Int:
		if val == nil {
			return fmt.Errorf("%w: nil bignum", fabric_errors.ErrTypeUnknown)
		}
	case Decimal:
		return val.Validate()
	case Collection:
		return val.Validate()
	}
	return nil
}

// Equal compares two field values of the same kind.
func Equal(a, b any) bool {
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case *big.Int:
		y, ok := b.(*big.Int)
		return ok && x != nil && y != nil && x.Cmp(y) == 0
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case Decimal:
		y, ok := b.(Decimal)
		return ok && x.Equal(y)
	case Extension:
		y, ok := b.(Extension)
		return ok && x.Tag == y.Tag && bytes.Equal(x.Raw, y.Raw)
	case Collection:
		y, ok := b.(Collection)
		if !ok || x.Shape != y.Shape || x.Elem != y.Elem || x.Key != y.Key || len(x.Items) != len(y.Items) {
			return false
		}
		for i := range x.Items {
			if !Equal(x.Items[i], y.Items[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}
