package schema

import (
	"errors"
	"math/big"
	"strings"
)

var ErrBadDecimal = errors.New("bad decimal")

// Decimal is Unscaled * 10^-Scale. The zero value is 0.
type Decimal struct {
	Unscaled *big.Int
	Scale    int32
}

func NewDecimal(unscaled int64, scale int32) Decimal {
	return Decimal{Unscaled: big.NewInt(unscaled), Scale: scale}
}

func ParseDecimal(s string) (Decimal, error) {
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(digits, ".")
	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || whole+frac == "" {
		return Decimal{}, ErrBadDecimal
	}
	if neg {
		n.Neg(n)
	}
	return Decimal{Unscaled: n, Scale: int32(len(frac))}, nil
}

func (d Decimal) unscaled() *big.Int {
	if d.Unscaled == nil {
		return new(big.Int)
	}
	return d.Unscaled
}

func (d Decimal) Validate() error {
	if d.Scale < 0 {
		return ErrBadDecimal
	}
	return nil
}

// Equal is value equality: 1.50 equals 1.5.
func (d Decimal) Equal(o Decimal) bool {
	a, b := d.unscaled(), o.unscaled()
	switch {
	case d.Scale < o.Scale:
		a = new(big.Int).Mul(a, pow10(o.Scale-d.Scale))
	case d.Scale > o.Scale:
		b = new(big.Int).Mul(b, pow10(d.Scale-o.Scale))
	}
	return a.Cmp(b) == 0
}

func (d Decimal) String() string {
	u := d.unscaled()
	s := new(big.Int).Abs(u).String()
	if d.Scale > 0 {
		for len(s) <= int(d.Scale) {
			s = "0" + s
		}
		s = s[:len(s)-int(d.Scale)] + "." + s[len(s)-int(d.Scale):]
	}
	if u.Sign() < 0 {
		s = "-" + s
	}
	return s
}

func pow10(n int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
