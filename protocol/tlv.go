// Framing is based on ToyTLV (MIT licence) written by Victor Grishchenko in 2024
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol frames fabric peer messages as TLV records.

A record is a one-letter type, a length and a body. Three header sizes exist:

  - tiny, 1 byte: '0'+len, bodies of 0..9 bytes written with a lowercase type
  - short, 2 bytes: lowercase type, 1-byte length, bodies up to 255 bytes
  - long, 5 bytes: uppercase type, 4-byte little-endian length

Records nest: a message body is itself a sequence of records, so a block
announcement looks like

	K( q(reqid) o(urihash) T(stamp) T(stamp) ... )

Take and TakeAny are for bodies we produced or already validated; the Wary
variants return explicit errors and are used on bytes read from a socket.
Split cuts complete records off a stream buffer and leaves a partial tail
in place for the next read.
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

// ProbeHeader reads a record header.
// lit is 'A'-'Z', '0' for tiny records, '-' for garbage and 0 when the
// header itself is not complete yet.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	dlit := data[0]
	switch {
	case dlit >= '0' && dlit <= '9':
		return '0', 1, int(dlit - '0')
	case dlit >= 'a' && dlit <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return dlit - CaseBit, 2, int(data[1])
	case dlit >= 'A' && dlit <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			return '-', 0, 0
		}
		return dlit, 5, int(bl)
	default:
		return '-', 0, 0
	}
}

// Split cuts all complete records off the buffer. A partial record stays
// in the buffer and ErrIncomplete is joined into err.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			if len(recs) == 0 {
				err = ErrBadRecord
			}
			return
		}
		if lit == 0 {
			return
		}
		if hlen+blen > data.Len() {
			err = errors.Join(ErrIncomplete, fmt.Errorf("packet size %d, len %d", hlen+blen, data.Len()))
			return
		}
		record := make([]byte, hlen+blen)
		if _, err = data.Read(record); err != nil {
			return
		}
		recs = append(recs, record)
	}
	return
}

// AppendHeader appends a header for a body of the given length.
// A lowercase lit allows the tiny form.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("TLV record type is A..Z")
	}
	switch {
	case bodylen < 10 && (lit&CaseBit) != 0:
		return append(into, byte('0'+bodylen))
	case bodylen > 0xff:
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		into = append(into, biglit)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	default:
		return append(into, biglit|CaseBit, byte(bodylen))
	}
}

// Take returns the body of a record of the given type.
// Incomplete data gives (nil, data), a type mismatch gives (nil, nil).
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data
	}
	if flit != lit && flit != '0' {
		return nil, nil
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:]
}

func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = data[0] & ^CaseBit
	body, rest = Take(lit, data)
	return
}

func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit, hdrlen, bodylen := ProbeHeader(data)
	switch {
	case lit == '-':
		return 0, nil, nil, ErrBadRecord
	case lit == 0 || hdrlen+bodylen > len(data):
		return 0, nil, data, ErrIncomplete
	}
	return lit, data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// Lit is the canonical type of a record: 'A'-'Z', '0' or '-'.
func Lit(rec []byte) byte {
	if len(rec) == 0 {
		return '-'
	}
	b := rec[0]
	switch {
	case b >= 'a' && b <= 'z':
		return b - CaseBit
	case b >= 'A' && b <= 'Z':
		return b
	case b >= '0' && b <= '9':
		return '0'
	}
	return '-'
}

func TotalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, TotalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

func Record(lit byte, body ...[]byte) []byte {
	total := TotalLen(body)
	return Append(make([]byte, 0, total+5), lit, body...)
}

// TinyRecord is Record with the tiny form enabled.
func TinyRecord(lit byte, body []byte) []byte {
	return Record((lit&^CaseBit)|CaseBit, body)
}

func Concat(msg ...[]byte) []byte {
	ret := make([]byte, 0, TotalLen(msg))
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

// OpenHeader starts a long-form record whose length is filled in later
// by CloseHeader.
//
//	bookmark, buf := OpenHeader(buf, 'K')
//	buf = append(buf, body...)
//	CloseHeader(buf, bookmark)
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &= ^CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV liters are uppercase A-Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("CloseHeader: bad bookmark")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}

// Uint64 bodies: little-endian with trailing zero bytes dropped.
func Uint64(n uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	l := 8
	for l > 0 && b[l-1] == 0 {
		l--
	}
	return b[:l]
}

func ParseUint64(body []byte) (n uint64) {
	if len(body) > 8 {
		return 0
	}
	var b [8]byte
	copy(b[:], body)
	return binary.LittleEndian.Uint64(b[:])
}
