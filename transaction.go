package fabric

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/schema"
)

type txState int

const (
	txActive txState = iota
	txCommitted
	txAborted
)

// Transaction reads one snapshot and stages writes privately until
// Commit. It belongs to one goroutine.
type Transaction struct {
	branch *Branch
	ctx    context.Context
	snap   *Snapshot
	staged []*Version
	index  map[*Object]*Version
	reads  map[*Object]Bitmap
	// joined Begin calls still to be closed
	depth int
	state txState
}

// Start opens a transaction on the current snapshot.
func (b *Branch) Start() *Transaction {
	return b.start(context.Background())
}

func (b *Branch) start(ctx context.Context) *Transaction {
	return &Transaction{
		branch: b,
		ctx:    ctx,
		snap:   b.snap.Load(),
		index:  make(map[*Object]*Version),
		reads:  make(map[*Object]Bitmap),
	}
}

func (tx *Transaction) Branch() *Branch {
	return tx.branch
}

func (tx *Transaction) Snapshot() *Snapshot {
	return tx.snap
}

func (tx *Transaction) check(obj *Object, i int) error {
	switch tx.state {
	case txCommitted:
		return ErrFinished
	case txAborted:
		return ErrAborted
	}
	if obj.branch != tx.branch {
		return errors.Wrapf(ErrWrongTrunk, "%s belongs to %s, transaction to %s", obj, obj.branch.Name(), tx.branch.Name())
	}
	if i < 0 || i >= obj.class.FieldCount() {
		return errors.Wrapf(ErrTypeUnknown, "%s has no field %d", obj, i)
	}
	return nil
}

func (tx *Transaction) Get(obj *Object, i int) (any, error) {
	if err := tx.check(obj, i); err != nil {
		return nil, err
	}
	if v := tx.index[obj]; v != nil && v.changed.Has(i) {
		return v.values[i], nil
	}
	read := tx.reads[obj]
	read.Set(i)
	tx.reads[obj] = read
	return tx.snap.Lookup(obj, i), nil
}

func (tx *Transaction) Set(obj *Object, i int, val any) error {
	if err := tx.check(obj, i); err != nil {
		return err
	}
	if err := obj.class.Check(i, val); err != nil {
		return err
	}
	switch v := val.(type) {
	case []byte:
		val = bytes.Clone(v)
	case time.Time:
		// what replicas decode
		val = v.UTC()
	}
	tx.version(obj).set(i, val)
	return nil
}

func (tx *Transaction) version(obj *Object) *Version {
	v := tx.index[obj]
	if v == nil {
		v = newVersion(obj)
		tx.index[obj] = v
		tx.staged = append(tx.staged, v)
	}
	return v
}

// New creates an object of the class. It becomes visible to others when
// the transaction commits.
func (tx *Transaction) New(class *schema.Class) (*Object, error) {
	switch tx.state {
	case txCommitted:
		return nil, ErrFinished
	case txAborted:
		return nil, ErrAborted
	}
	obj, err := tx.branch.newLocalObject(class)
	if err != nil {
		return nil, err
	}
	tx.version(obj)
	return obj, nil
}

// Commit publishes the staged writes. A conflict is ErrConflict; the
// body may be run again on a new transaction. Commit of a joined
// transaction only closes the inner Begin.
func (tx *Transaction) Commit() error {
	switch tx.state {
	case txCommitted:
		return ErrFinished
	case txAborted:
		return ErrAborted
	}
	if tx.depth > 0 {
		tx.depth--
		return nil
	}
	tx.state = txCommitted
	if len(tx.staged) == 0 {
		return nil
	}
	err := tx.branch.commit(tx)
	if err != nil {
		tx.staged, tx.index, tx.reads = nil, nil, nil
	}
	return err
}

// Abort discards the staged writes, for joined callers too.
func (tx *Transaction) Abort() {
	if tx.state == txActive {
		tx.state = txAborted
		tx.staged, tx.index, tx.reads = nil, nil, nil
	}
	if tx.depth > 0 {
		tx.depth--
	}
}
