package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/drpcorg/fabric"
	"github.com/drpcorg/fabric/schema"
)

// parseClass reads "Name field:kind field:list<kind> ...".
func parseClass(def string) (*schema.Class, error) {
	words := strings.Fields(def)
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: empty class definition", ErrUsage)
	}
	fields := make([]schema.Field, 0, len(words)-1)
	for _, w := range words[1:] {
		name, kind, ok := strings.Cut(w, ":")
		if !ok {
			return nil, fmt.Errorf("%w: field:kind, not %q", ErrUsage, w)
		}
		f := schema.Field{Name: name}
		if elem, isList := strings.CutPrefix(kind, "list<"); isList {
			f.Kind = schema.KindCollection
			k, ok := schema.ParseKind(strings.TrimSuffix(elem, ">"))
			if !ok {
				return nil, fmt.Errorf("unknown kind %q", elem)
			}
			f.Elem = k
		} else {
			k, ok := schema.ParseKind(kind)
			if !ok {
				return nil, fmt.Errorf("unknown kind %q", kind)
			}
			f.Kind = k
		}
		fields = append(fields, f)
	}
	return schema.NewClass(words[0], fields...)
}

func formatClass(c *schema.Class) string {
	parts := []string{c.Name}
	for _, f := range c.Fields {
		kind := f.Kind.String()
		if f.Kind == schema.KindCollection {
			kind = "list<" + f.Elem.String() + ">"
		}
		parts = append(parts, f.Name+":"+kind)
	}
	return strings.Join(parts, " ")
}

func parseConflict(s string) (fabric.ConflictDetection, error) {
	for _, c := range []fabric.ConflictDetection{fabric.ReadWrite, fabric.WriteWrite, fabric.LastWriteWins} {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown conflict detection %q", s)
}

func parseValue(f schema.Field, raw string) (any, error) {
	if f.Kind == schema.KindCollection {
		list := schema.NewList(f.Elem)
		if raw == "" {
			return list, nil
		}
		for _, item := range strings.Split(raw, ",") {
			v, err := parseScalar(f.Elem, item)
			if err != nil {
				return nil, err
			}
			list = list.Add(v)
		}
		return list, nil
	}
	return parseScalar(f.Kind, raw)
}

func parseScalar(k schema.Kind, raw string) (any, error) {
	switch k {
	case schema.KindBool:
		return strconv.ParseBool(raw)
	case schema.KindByte:
		n, err := strconv.ParseInt(raw, 10, 8)
		return int8(n), err
	case schema.KindChar:
		r, size := utf8.DecodeRuneInString(raw)
		if size != len(raw) || r > 0xffff {
			return nil, fmt.Errorf("not a char: %q", raw)
		}
		return uint16(r), nil
	case schema.KindShort:
		n, err := strconv.ParseInt(raw, 10, 16)
		return int16(n), err
	case schema.KindInt:
		n, err := strconv.ParseInt(raw, 10, 32)
		return int32(n), err
	case schema.KindLong:
		return strconv.ParseInt(raw, 10, 64)
	case schema.KindFloat:
		n, err := strconv.ParseFloat(raw, 32)
		return float32(n), err
	case schema.KindDouble:
		return strconv.ParseFloat(raw, 64)
	case schema.KindString:
		if unq, err := strconv.Unquote(raw); err == nil {
			return unq, nil
		}
		return raw, nil
	case schema.KindDate:
		return time.Parse(time.RFC3339Nano, raw)
	case schema.KindBignum:
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("not a bignum: %q", raw)
		}
		return n, nil
	case schema.KindDecimal:
		return schema.ParseDecimal(raw)
	case schema.KindBinary:
		return hex.DecodeString(raw)
	case schema.KindRef:
		return schema.ParseObjectID(raw)
	}
	return nil, fmt.Errorf("%s fields can not be set from the shell", k)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val)
	case []byte:
		return hex.EncodeToString(val)
	case uint16:
		return string(rune(val))
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case schema.Collection:
		items := make([]string, 0, len(val.Items))
		for _, it := range val.Items {
			items = append(items, formatValue(it))
		}
		return "[" + strings.Join(items, ",") + "]"
	}
	return fmt.Sprint(v)
}
