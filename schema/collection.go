package schema

import (
	"fmt"

	"github.com/drpcorg/fabric/fabric_errors"
)

type Shape byte

const (
	List Shape = iota + 1
	Set
	Map
	Array
)

func (s Shape) String() string {
	switch s {
	case List:
		return "list"
	case Set:
		return "set"
	case Map:
		return "map"
	case Array:
		return "array"
	}
	return fmt.Sprintf("shape(%d)", byte(s))
}

// Collection is a nested container value. Maps keep Items as alternating
// key, value pairs; Key is the kind of the keys, unused by other shapes.
// Collections are values: writing one replaces the whole field.
type Collection struct {
	Shape Shape
	Elem  Kind
	Key   Kind
	Items []any
}

func NewList(elem Kind, items ...any) Collection {
	return Collection{Shape: List, Elem: elem, Items: items}
}

func NewSet(elem Kind, items ...any) Collection {
	c := Collection{Shape: Set, Elem: elem}
	for _, it := range items {
		c = c.Add(it)
	}
	return c
}

func NewArray(elem Kind, n int) Collection {
	items := make([]any, n)
	for i := range items {
		items[i] = elem.Zero()
	}
	return Collection{Shape: Array, Elem: elem, Items: items}
}

func NewMap(key, elem Kind) Collection {
	return Collection{Shape: Map, Elem: elem, Key: key}
}

func (c Collection) Len() int {
	if c.Shape == Map {
		return len(c.Items) / 2
	}
	return len(c.Items)
}

func (c Collection) Contains(v any) bool {
	for _, it := range c.Items {
		if Equal(it, v) {
			return true
		}
	}
	return false
}

// Add returns a copy with v added; a set keeps elements unique.
func (c Collection) Add(v any) Collection {
	if c.Shape == Set && c.Contains(v) {
		return c
	}
	c.Items = append(c.Items[:len(c.Items):len(c.Items)], v)
	return c
}

// With returns a copy with slot i of a list or array set to v.
func (c Collection) With(i int, v any) Collection {
	items := make([]any, len(c.Items))
	copy(items, c.Items)
	items[i] = v
	c.Items = items
	return c
}

func (c Collection) Get(key any) (any, bool) {
	for i := 0; i+1 < len(c.Items); i += 2 {
		if Equal(c.Items[i], key) {
			return c.Items[i+1], true
		}
	}
	return nil, false
}

// Put returns a copy of a map with key set to v.
func (c Collection) Put(key, v any) Collection {
	items := make([]any, len(c.Items), len(c.Items)+2)
	copy(items, c.Items)
	c.Items = items
	for i := 0; i+1 < len(c.Items); i += 2 {
		if Equal(c.Items[i], key) {
			c.Items[i+1] = v
			return c
		}
	}
	c.Items = append(c.Items, key, v)
	return c
}

func (c Collection) Validate() error {
	switch c.Shape {
	case List, Set, Array:
		for _, it := range c.Items {
			if err := c.Elem.Check(it); err != nil {
				return err
			}
		}
	case Map:
		if len(c.Items)%2 != 0 {
			return fmt.Errorf("%w: odd map items", fabric_errors.ErrTypeUnknown)
		}
		for i := 0; i < len(c.Items); i += 2 {
			if err := c.Key.Check(c.Items[i]); err != nil {
				return err
			}
			if err := c.Elem.Check(c.Items[i+1]); err != nil {
				return err
			}
		}
	case 0:
		if len(c.Items) != 0 {
			return fmt.Errorf("%w: items without a shape", fabric_errors.ErrTypeUnknown)
		}
	default:
		return fmt.Errorf("%w: %s", fabric_errors.ErrTypeUnknown, c.Shape)
	}
	return nil
}
