package replication

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/clock"
	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/schema"
)

/*
Session messages, each one TLV record with nested fields:

	H( I(peer uid) V(stamp)... )          hello, first thing either side sends;
	                                      V is the newest stored stamp per peer
	L( Q(req) O(uri) )                    list the stamps of an object
	K( Q(req) O(uri) T(stamp)... )        known stamps; Q=0 is a live announcement
	G( Q(req) O(uri) T(stamp) )           get one block
	B( Q(req) D(block) )                  block, the reply to G
	X( Q(req) S(reason) )                 miss, the reply to L or G that failed
	A( O(uri) T(stamp) )                  ack, the block was applied
	Y( S(reason) )                        bye
*/
const (
	MsgHello = 'H'
	MsgList  = 'L'
	MsgKnown = 'K'
	MsgGet   = 'G'
	MsgBlock = 'B'
	MsgMiss  = 'X'
	MsgAck   = 'A'
	MsgBye   = 'Y'
)

type message struct {
	lit    byte
	req    uint64
	peer   uuid.UUID
	uri    schema.URIHash
	hasURI bool
	stamps []clock.Stamp
	data   []byte
	text   string
	seen   []byte
}

func reqField(req uint64) []byte {
	return protocol.Record('Q', protocol.Uint64(req))
}

func uriField(uri schema.URIHash) []byte {
	return protocol.Record('O', uri[:])
}

func stampField(s clock.Stamp) []byte {
	return protocol.Record('T', s.Bytes())
}

func helloMsg(uid uuid.UUID, seen []byte) []byte {
	return protocol.Record(MsgHello, protocol.Record('I', uid[:]), seen)
}

func listMsg(req uint64, uri schema.URIHash) []byte {
	return protocol.Record(MsgList, reqField(req), uriField(uri))
}

func knownMsg(req uint64, uri schema.URIHash, stamps []clock.Stamp) []byte {
	body := [][]byte{reqField(req), uriField(uri)}
	for _, s := range stamps {
		body = append(body, stampField(s))
	}
	return protocol.Record(MsgKnown, body...)
}

func getMsg(req uint64, uri schema.URIHash, stamp clock.Stamp) []byte {
	return protocol.Record(MsgGet, reqField(req), uriField(uri), stampField(stamp))
}

func blockMsg(req uint64, data []byte) []byte {
	return protocol.Record(MsgBlock, reqField(req), protocol.Record('D', data))
}

func missMsg(req uint64, reason string) []byte {
	return protocol.Record(MsgMiss, reqField(req), protocol.Record('S', []byte(reason)))
}

func ackMsg(uri schema.URIHash, stamp clock.Stamp) []byte {
	return protocol.Record(MsgAck, uriField(uri), stampField(stamp))
}

func byeMsg(reason string) []byte {
	return protocol.Record(MsgBye, protocol.Record('S', []byte(reason)))
}

var ErrBadMessage = errors.New("replication: bad message")

func badMessage(format string, args ...any) error {
	return errors.Wrapf(ErrBadMessage, format, args...)
}

func parseMessage(rec []byte) (m message, err error) {
	lit, body, rest, err := protocol.TakeAnyWary(rec)
	if err != nil {
		return m, err
	}
	if len(rest) != 0 {
		return m, badMessage("trailing bytes")
	}
	m.lit = lit
	for len(body) > 0 {
		var flit byte
		var field []byte
		if flit, field, body, err = protocol.TakeAnyWary(body); err != nil {
			return m, err
		}
		switch flit {
		case 'Q':
			m.req = protocol.ParseUint64(field)
		case 'I':
			if len(field) != 16 {
				return m, badMessage("peer id")
			}
			copy(m.peer[:], field)
		case 'O':
			if len(field) != schema.URIHashLen {
				return m, badMessage("uri")
			}
			copy(m.uri[:], field)
			m.hasURI = true
		case 'T':
			s, err := clock.StampFromBytes(field)
			if err != nil {
				return m, err
			}
			m.stamps = append(m.stamps, s)
		case 'V':
			m.seen = protocol.Append(m.seen, 'V', field)
		case 'D':
			m.data = field
		case 'S':
			m.text = string(field)
		}
	}
	switch lit {
	case MsgList, MsgKnown, MsgAck:
		if !m.hasURI {
			return m, badMessage("%c without uri", lit)
		}
	case MsgGet:
		if !m.hasURI || len(m.stamps) != 1 {
			return m, badMessage("bad get")
		}
	}
	if lit == MsgAck && len(m.stamps) != 1 {
		return m, badMessage("bad ack")
	}
	if lit == MsgHello && m.peer == uuid.Nil {
		return m, fabric_errors.ErrBadHPacket
	}
	return m, nil
}
