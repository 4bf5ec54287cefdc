package clock

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/google/uuid"
)

/*
Tick is a logical timestamp as seen inside one process.

	+----------------+--------------------------------+
	| peer (32 bits) |          time (64 bits)        |
	+----------------+--------------------------------+

The peer index is local: Peers interns 16-byte peer UIDs into small ints.
On the wire and in blocks a tick travels as a Stamp, UID included.
*/
type Tick struct {
	peer uint32
	time uint64
}

var Tick0 = Tick{}

var BadTick = Tick{^uint32(0), ^uint64(0)}

var ErrBadTick = errors.New("bad tick")

func NewTick(peer uint32, time uint64) Tick {
	return Tick{peer, time}
}

func (t Tick) Peer() uint32 {
	return t.peer
}

func (t Tick) Time() uint64 {
	return t.time
}

func (t Tick) IsZero() bool {
	return t == Tick0
}

// Less orders by time, then by peer index. The order is local to the
// process; use Stamp.Compare for anything peers must agree on.
func (t Tick) Less(o Tick) bool {
	if t.time != o.time {
		return t.time < o.time
	}
	return t.peer < o.peer
}

func (t Tick) String() string {
	var buf [32]byte
	b := strconv.AppendUint(buf[:0], uint64(t.peer), 16)
	b = append(b, '-')
	b = strconv.AppendUint(b, t.time, 16)
	return string(b)
}

const StampLen = 16 + 8

// Stamp is the global form of a tick.
type Stamp struct {
	Peer uuid.UUID
	Time uint64
}

var Stamp0 = Stamp{}

func (s Stamp) IsZero() bool {
	return s == Stamp0
}

// Compare is the total order all peers agree on: time first, then the
// peer UID bytes. Two distinct commits never compare equal.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Time < o.Time:
		return -1
	case s.Time > o.Time:
		return 1
	}
	return bytes.Compare(s.Peer[:], o.Peer[:])
}

func (s Stamp) Less(o Stamp) bool {
	return s.Compare(o) < 0
}

func AppendStamp(into []byte, s Stamp) []byte {
	into = append(into, s.Peer[:]...)
	return binary.LittleEndian.AppendUint64(into, s.Time)
}

func (s Stamp) Bytes() []byte {
	return AppendStamp(make([]byte, 0, StampLen), s)
}

func StampFromBytes(b []byte) (s Stamp, err error) {
	if len(b) != StampLen {
		return Stamp0, ErrBadTick
	}
	copy(s.Peer[:], b[:16])
	s.Time = binary.LittleEndian.Uint64(b[16:])
	return
}

func (s Stamp) String() string {
	return s.Peer.String() + "@" + strconv.FormatUint(s.Time, 16)
}

// SortStamps sorts in Stamp.Compare order and drops duplicates.
func SortStamps(stamps []Stamp) []Stamp {
	if len(stamps) < 2 {
		return stamps
	}
	sortStamps(stamps)
	j := 1
	for i := 1; i < len(stamps); i++ {
		if stamps[i] != stamps[j-1] {
			stamps[j] = stamps[i]
			j++
		}
	}
	return stamps[:j]
}
