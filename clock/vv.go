package clock

import (
	"cmp"
	"slices"
	"strings"

	"github.com/drpcorg/fabric/protocol"
)

// VV is a version vector: the highest time seen per peer index.
type VV map[uint32]uint64

func (vv VV) Get(peer uint32) uint64 {
	return vv[peer]
}

// Put records the peer time, returns whether it made any difference.
func (vv VV) Put(peer uint32, time uint64) bool {
	pre, ok := vv[peer]
	if ok && pre >= time {
		return false
	}
	vv[peer] = time
	return true
}

func (vv VV) PutTick(t Tick) bool {
	return vv.Put(t.peer, t.time)
}

func (vv VV) Merge(b VV) {
	for peer, time := range b {
		vv.Put(peer, time)
	}
}

func (vv VV) Clone() VV {
	c := make(VV, len(vv))
	for peer, time := range vv {
		c[peer] = time
	}
	return c
}

// Covers says whether every entry of b is at or below ours.
func (vv VV) Covers(b VV) bool {
	for peer, time := range b {
		if vv[peer] < time {
			return false
		}
	}
	return true
}

// Seen says whether the tick is inside the summary.
func (vv VV) Seen(t Tick) bool {
	return vv[t.peer] >= t.time
}

// ProgressedOver lists, for every peer where we are ahead of b, b's time.
func (vv VV) ProgressedOver(b VV) VV {
	ahead := make(VV)
	for peer, time := range vv {
		if btime := b[peer]; time > btime {
			ahead[peer] = btime
		}
	}
	return ahead
}

func (vv VV) Ticks() (ticks []Tick) {
	for peer, time := range vv {
		ticks = append(ticks, Tick{peer, time})
	}
	slices.SortFunc(ticks, func(a, b Tick) int {
		return cmp.Compare(a.peer, b.peer)
	})
	return
}

func (vv VV) String() string {
	ticks := vv.Ticks()
	parts := make([]string, 0, len(ticks))
	for _, t := range ticks {
		parts = append(parts, t.String())
	}
	return strings.Join(parts, ",")
}

// HappenedBefore says whether a is in the causal past of b, given the
// dependency summary b was committed with. A commit's summary is taken
// before its own tick is drawn, so a tick never precedes itself.
func HappenedBefore(a, b Tick, bDeps VV) bool {
	if a == b {
		return false
	}
	return bDeps.Seen(a)
}

func (vv VV) Stamps(peers *Peers) []Stamp {
	stamps := make([]Stamp, 0, len(vv))
	for peer, time := range vv {
		stamps = append(stamps, peers.Stamp(Tick{peer, time}))
	}
	return SortStamps(stamps)
}

func VVFromStamps(peers *Peers, stamps []Stamp) VV {
	vv := make(VV, len(stamps))
	for _, s := range stamps {
		vv.PutTick(peers.Tick(s))
	}
	return vv
}

// TLV encodes the summary as a run of V records, one stamp each.
func (vv VV) TLV(peers *Peers) (ret []byte) {
	for _, s := range vv.Stamps(peers) {
		ret = protocol.Append(ret, 'V', s.Bytes())
	}
	return
}

func (vv VV) PutTLV(peers *Peers, rec []byte) error {
	rest := rec
	for len(rest) > 0 {
		body, r, err := protocol.TakeWary('V', rest)
		if err != nil {
			return err
		}
		s, err := StampFromBytes(body)
		if err != nil {
			return err
		}
		vv.PutTick(peers.Tick(s))
		rest = r
	}
	return nil
}
