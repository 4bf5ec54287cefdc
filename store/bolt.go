package store

import (
	"encoding/binary"
	"time"

	"go.etcd.io/bbolt"
)

var (
	boltRecords = []byte("records")
	boltMeta    = []byte("meta")
	boltRootKey = []byte("root")
)

// BoltAdapter keeps records in a bbolt file. The write transaction opens
// on first use and spans everything up to Commit or Rollback.
type BoltAdapter struct {
	db *bbolt.DB
	tx *bbolt.Tx
}

func OpenBolt(path string, durable bool) (*BoltAdapter, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second, NoSync: !durable})
	if err != nil {
		return nil, ioFailure("open", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, ioFailure("open", err)
	}
	return &BoltAdapter{db: db}, nil
}

func boltKey(id RecordID) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id))
}

func (a *BoltAdapter) writeTx() (*bbolt.Tx, error) {
	if a.tx == nil {
		tx, err := a.db.Begin(true)
		if err != nil {
			return nil, ioFailure("begin", err)
		}
		a.tx = tx
	}
	return a.tx, nil
}

func (a *BoltAdapter) read(bucket, key []byte) (val []byte, err error) {
	get := func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucket).Get(key); v != nil {
			val = append([]byte{}, v...)
		}
		return nil
	}
	if a.tx != nil {
		err = get(a.tx)
	} else {
		err = a.db.View(get)
	}
	return val, ioFailure("read", err)
}

func (a *BoltAdapter) put(op string, bucket, key, val []byte) error {
	tx, err := a.writeTx()
	if err != nil {
		return err
	}
	return ioFailure(op, tx.Bucket(bucket).Put(key, val))
}

func (a *BoltAdapter) Insert(data []byte) (RecordID, error) {
	tx, err := a.writeTx()
	if err != nil {
		return 0, err
	}
	seq, err := tx.Bucket(boltRecords).NextSequence()
	if err != nil {
		return 0, ioFailure("insert", err)
	}
	id := RecordID(seq)
	return id, a.put("insert", boltRecords, boltKey(id), data)
}

func (a *BoltAdapter) Update(id RecordID, data []byte) error {
	return a.put("update", boltRecords, boltKey(id), data)
}

func (a *BoltAdapter) Fetch(id RecordID) ([]byte, error) {
	return a.read(boltRecords, boltKey(id))
}

func (a *BoltAdapter) Delete(id RecordID) error {
	tx, err := a.writeTx()
	if err != nil {
		return err
	}
	return ioFailure("delete", tx.Bucket(boltRecords).Delete(boltKey(id)))
}

func (a *BoltAdapter) Commit() error {
	if a.tx == nil {
		return nil
	}
	tx := a.tx
	a.tx = nil
	return ioFailure("commit", tx.Commit())
}

func (a *BoltAdapter) Rollback() error {
	if a.tx == nil {
		return nil
	}
	tx := a.tx
	a.tx = nil
	return ioFailure("rollback", tx.Rollback())
}

func (a *BoltAdapter) Root() (RecordID, error) {
	val, err := a.read(boltMeta, boltRootKey)
	if err != nil || len(val) != 8 {
		return 0, err
	}
	return RecordID(binary.BigEndian.Uint64(val)), nil
}

func (a *BoltAdapter) SetRoot(id RecordID) error {
	return a.put("root", boltMeta, boltRootKey, boltKey(id))
}

func (a *BoltAdapter) Close() error {
	_ = a.Rollback()
	return ioFailure("close", a.db.Close())
}
