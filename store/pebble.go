package store

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pebbleSeqKey  = []byte("Mseq")
	pebbleRootKey = []byte("Mroot")
)

// PebbleAdapter keeps records in a pebble database, one indexed batch per
// unit of commit.
type PebbleAdapter struct {
	db      *pebble.DB
	batch   *pebble.Batch
	seq     uint64
	durable bool
}

// OpenPebble opens or creates a database. A non-durable adapter skips the
// WAL and fsync, for bulk loads that can be redone.
func OpenPebble(dir string, durable bool) (*PebbleAdapter, error) {
	db, err := pebble.Open(dir, &pebble.Options{DisableWAL: !durable})
	if err != nil {
		return nil, ioFailure("open", err)
	}
	a := &PebbleAdapter{db: db, durable: durable}
	if err = a.reset(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func recordKey(id RecordID) []byte {
	return binary.BigEndian.AppendUint64([]byte{'R'}, uint64(id))
}

func (a *PebbleAdapter) reset() error {
	if a.batch != nil {
		_ = a.batch.Close()
	}
	a.batch = a.db.NewIndexedBatch()
	seq, err := a.getUint(pebbleSeqKey)
	a.seq = seq
	return err
}

func (a *PebbleAdapter) get(key []byte) ([]byte, error) {
	val, closer, err := a.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ioFailure("get", err)
	}
	ret := append([]byte{}, val...)
	_ = closer.Close()
	return ret, nil
}

func (a *PebbleAdapter) getUint(key []byte) (uint64, error) {
	val, err := a.get(key)
	if err != nil || len(val) != 8 {
		return 0, err
	}
	return binary.LittleEndian.Uint64(val), nil
}

func (a *PebbleAdapter) setUint(key []byte, n uint64) error {
	return ioFailure("set", a.batch.Set(key, binary.LittleEndian.AppendUint64(nil, n), nil))
}

func (a *PebbleAdapter) Insert(data []byte) (RecordID, error) {
	a.seq++
	if err := a.setUint(pebbleSeqKey, a.seq); err != nil {
		return 0, err
	}
	id := RecordID(a.seq)
	return id, ioFailure("insert", a.batch.Set(recordKey(id), data, nil))
}

func (a *PebbleAdapter) Update(id RecordID, data []byte) error {
	return ioFailure("update", a.batch.Set(recordKey(id), data, nil))
}

func (a *PebbleAdapter) Fetch(id RecordID) ([]byte, error) {
	return a.get(recordKey(id))
}

func (a *PebbleAdapter) Delete(id RecordID) error {
	return ioFailure("delete", a.batch.Delete(recordKey(id), nil))
}

func (a *PebbleAdapter) Commit() error {
	if a.batch.Empty() {
		return nil
	}
	opts := pebble.NoSync
	if a.durable {
		opts = pebble.Sync
	}
	if err := a.batch.Commit(opts); err != nil {
		return ioFailure("commit", err)
	}
	return a.reset()
}

func (a *PebbleAdapter) Rollback() error {
	return a.reset()
}

func (a *PebbleAdapter) Root() (RecordID, error) {
	id, err := a.getUint(pebbleRootKey)
	return RecordID(id), err
}

func (a *PebbleAdapter) SetRoot(id RecordID) error {
	return a.setUint(pebbleRootKey, uint64(id))
}

// Collector exports the database internals to prometheus.
func (a *PebbleAdapter) Collector() prometheus.Collector {
	return NewPebbleCollector(a.db)
}

func (a *PebbleAdapter) Close() error {
	_ = a.batch.Close()
	if !a.durable {
		// nothing else survives a reopen without the WAL
		if err := a.db.Flush(); err != nil {
			_ = a.db.Close()
			return ioFailure("flush", err)
		}
	}
	return ioFailure("close", a.db.Close())
}
