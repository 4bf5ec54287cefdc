// Package store keeps blocks on disk. An Adapter is a plain record store
// addressed by numeric ids; a Store is the single goroutine that owns one
// adapter and maps (object, stamp) pairs onto its records.
package store

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/fabric_errors"
)

type RecordID uint64

// Adapter is a key to blob record store. Insert, Update and Delete are
// staged until Commit; Fetch sees staged changes. Adapters are not safe for
// concurrent use, one goroutine owns each.
type Adapter interface {
	Insert(data []byte) (RecordID, error)
	Update(id RecordID, data []byte) error
	// Fetch returns nil for a missing record.
	Fetch(id RecordID) ([]byte, error)
	Delete(id RecordID) error
	Commit() error
	Rollback() error
	// Root is the one well-known record, 0 if unset.
	Root() (RecordID, error)
	SetRoot(id RecordID) error
	Close() error
}

// IOError is a failure of the storage underneath an adapter.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{fabric_errors.ErrStoreIO, e.Err}
}

func ioFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&IOError{Op: op, Err: err})
}
