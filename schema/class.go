package schema

import (
	"fmt"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/fabric/fabric_errors"
)

// MaxFields bounds the field bitmap of a version.
const MaxFields = 256

type Field struct {
	Name string
	Kind Kind
	// Elem is the element kind of a collection field.
	Elem Kind
}

func (f Field) Valid() bool {
	for _, l := range f.Name {
		if l < ' ' {
			return false
		}
	}
	if f.Kind == KindCollection && !f.Elem.Valid() {
		return false
	}
	return f.Kind.Valid() && len(f.Name) > 0 && utf8.ValidString(f.Name)
}

// Class describes an object type. A class is identified by the hash of its
// name, so peers agree on ids without coordination.
type Class struct {
	ID     uint32
	Name   string
	Fields []Field
}

func ClassID(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

func NewClass(name string, fields ...Field) (*Class, error) {
	if len(fields) > MaxFields {
		return nil, fmt.Errorf("class %s: too many fields", name)
	}
	for _, f := range fields {
		if !f.Valid() {
			return nil, fmt.Errorf("class %s: invalid field %q", name, f.Name)
		}
	}
	return &Class{ID: ClassID(name), Name: name, Fields: fields}, nil
}

func MustClass(name string, fields ...Field) *Class {
	c, err := NewClass(name, fields...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Class) FieldCount() int {
	return len(c.Fields)
}

func (c *Class) FieldKind(i int) Kind {
	if i < 0 || i >= len(c.Fields) {
		return KindNone
	}
	return c.Fields[i].Kind
}

func (c *Class) FieldIndex(name string) int {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// Check verifies v can be written to field i.
func (c *Class) Check(i int, v any) error {
	if i < 0 || i >= len(c.Fields) {
		return fmt.Errorf("%w: %s has no field %d", fabric_errors.ErrTypeUnknown, c.Name, i)
	}
	f := c.Fields[i]
	if err := f.Kind.Check(v); err != nil {
		return err
	}
	if f.Kind == KindCollection {
		if col := v.(Collection); col.Shape != 0 && col.Elem != f.Elem {
			return fmt.Errorf("%w: %s.%s holds %s", fabric_errors.ErrTypeUnknown, c.Name, f.Name, f.Elem)
		}
	}
	return nil
}

// Zero returns fresh zero values for all fields.
func (c *Class) Zero() []any {
	vals := make([]any, len(c.Fields))
	for i, f := range c.Fields {
		vals[i] = f.Kind.Zero()
		if f.Kind == KindCollection {
			vals[i] = Collection{Shape: List, Elem: f.Elem}
		}
	}
	return vals
}

// Registry resolves class ids seen in blocks.
type Registry struct {
	classes *xsync.MapOf[uint32, *Class]
}

func NewRegistry() *Registry {
	return &Registry{classes: xsync.NewMapOf[uint32, *Class]()}
}

func (r *Registry) Register(c *Class) error {
	prev, loaded := r.classes.LoadOrStore(c.ID, c)
	if loaded && prev.Name != c.Name {
		return fmt.Errorf("class id collision: %s vs %s", prev.Name, c.Name)
	}
	return nil
}

func (r *Registry) Lookup(id uint32) (*Class, bool) {
	return r.classes.Load(id)
}

func (r *Registry) ByName(name string) (*Class, bool) {
	return r.classes.Load(ClassID(name))
}

func (r *Registry) Classes() (all []*Class) {
	r.classes.Range(func(_ uint32, c *Class) bool {
		all = append(all, c)
		return true
	})
	return
}
