package fabric

import (
	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/schema"
)

// FieldOf is a typed accessor of one field:
//
//	var Balance = fabric.FieldOf[int64]{Index: 1}
//	n, err := Balance.Get(tx, account)
type FieldOf[T any] struct {
	Index int
}

func (f FieldOf[T]) Get(tx *Transaction, obj *Object) (val T, err error) {
	v, err := tx.Get(obj, f.Index)
	if err != nil {
		return val, err
	}
	val, ok := v.(T)
	if !ok && v != nil {
		return val, errors.Wrapf(ErrTypeUnknown, "field %d holds %T", f.Index, v)
	}
	return val, nil
}

func (f FieldOf[T]) Set(tx *Transaction, obj *Object, val T) error {
	return tx.Set(obj, f.Index, val)
}

// ListOf accesses a list collection field as a slice of T.
type ListOf[T any] struct {
	Index int
}

func (l ListOf[T]) collection(tx *Transaction, obj *Object) (schema.Collection, error) {
	v, err := tx.Get(obj, l.Index)
	if err != nil {
		return schema.Collection{}, err
	}
	c, ok := v.(schema.Collection)
	if !ok || c.Shape != schema.List {
		return schema.Collection{}, errors.Wrapf(ErrTypeUnknown, "field %d is not a list", l.Index)
	}
	return c, nil
}

func (l ListOf[T]) Items(tx *Transaction, obj *Object) ([]T, error) {
	c, err := l.collection(tx, obj)
	if err != nil {
		return nil, err
	}
	items := make([]T, 0, len(c.Items))
	for _, it := range c.Items {
		v, ok := it.(T)
		if !ok {
			return nil, errors.Wrapf(ErrTypeUnknown, "list item %T", it)
		}
		items = append(items, v)
	}
	return items, nil
}

func (l ListOf[T]) Append(tx *Transaction, obj *Object, item T) error {
	c, err := l.collection(tx, obj)
	if err != nil {
		return err
	}
	return tx.Set(obj, l.Index, c.Add(item))
}

func (l ListOf[T]) Len(tx *Transaction, obj *Object) (int, error) {
	c, err := l.collection(tx, obj)
	if err != nil {
		return 0, err
	}
	return c.Len(), nil
}
