package fabric

import "fmt"

type ConflictDetection int

const (
	// ReadWrite aborts a commit if a field it read was written concurrently.
	ReadWrite ConflictDetection = iota
	// WriteWrite aborts a commit if a field it wrote was written concurrently.
	WriteWrite
	// LastWriteWins never aborts; later commits overwrite earlier ones.
	LastWriteWins
)

func (c ConflictDetection) String() string {
	switch c {
	case ReadWrite:
		return "READ_WRITE"
	case WriteWrite:
		return "WRITE_WRITE"
	case LastWriteWins:
		return "LAST_WRITE_WINS"
	}
	return fmt.Sprintf("ConflictDetection(%d)", int(c))
}

type Granularity int

const (
	// Coalesce drops versions that a later unflushed version of the same
	// object fully overwrites.
	Coalesce Granularity = iota
	// All keeps one block per commit and object.
	All
)

func (g Granularity) String() string {
	if g == All {
		return "ALL"
	}
	return "COALESCE"
}

// conflicts checks a transaction that captured tip against the snapshot
// it is about to commit on.
func (c ConflictDetection) conflicts(cur *Snapshot, tip uint64, tx *Transaction) *Object {
	if c == LastWriteWins || cur.Tip() == tip {
		return nil
	}
	switch c {
	case ReadWrite:
		for obj, read := range tx.reads {
			if cur.writtenSince(obj, read, tip) {
				return obj
			}
		}
	case WriteWrite:
		for _, v := range tx.staged {
			if cur.writtenSince(v.obj, v.changed, tip) {
				return v.obj
			}
		}
	}
	return nil
}
