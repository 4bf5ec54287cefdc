package schema

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	ObjectIDLen = 16 + 8
	URIHashLen  = sha1.Size
)

var ErrBadObjectID = errors.New("bad object id")

// contentSpace namespaces content-derived object ids.
var contentSpace = uuid.MustParse("6ba7b814-9dad-11d1-80b4-00c04fd430c8")

// ObjectID names a shared object: the peer that created it and a number
// local to that peer. Immutable-keyed objects use ContentID instead.
type ObjectID struct {
	Peer  uuid.UUID
	Local uint64
}

func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}

func ContentID(data []byte) ObjectID {
	return ObjectID{Peer: uuid.NewSHA1(contentSpace, data)}
}

func AppendObjectID(into []byte, id ObjectID) []byte {
	into = append(into, id.Peer[:]...)
	return binary.LittleEndian.AppendUint64(into, id.Local)
}

func (id ObjectID) Bytes() []byte {
	return AppendObjectID(make([]byte, 0, ObjectIDLen), id)
}

func ObjectIDFromBytes(b []byte) (id ObjectID, err error) {
	if len(b) != ObjectIDLen {
		return id, ErrBadObjectID
	}
	copy(id.Peer[:], b[:16])
	id.Local = binary.LittleEndian.Uint64(b[16:])
	return
}

func (id ObjectID) String() string {
	return id.Peer.String() + "/" + strconv.FormatUint(id.Local, 16)
}

func ParseObjectID(s string) (ObjectID, error) {
	peer, local, ok := strings.Cut(s, "/")
	if !ok {
		return ObjectID{}, ErrBadObjectID
	}
	uid, err := uuid.Parse(peer)
	if err != nil {
		return ObjectID{}, ErrBadObjectID
	}
	n, err := strconv.ParseUint(local, 16, 64)
	if err != nil {
		return ObjectID{}, ErrBadObjectID
	}
	return ObjectID{uid, n}, nil
}

// URIHash is the fixed-length key blocks, stores and views use for an object.
type URIHash [URIHashLen]byte

func (id ObjectID) URI() URIHash {
	return sha1.Sum(id.Bytes())
}

func (h URIHash) String() string {
	return hex.EncodeToString(h[:])
}

func ParseURIHash(s string) (h URIHash, err error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != URIHashLen {
		return h, ErrBadObjectID
	}
	copy(h[:], b)
	return h, nil
}
