package protocol

// Records is a batch of TLV records. Batches go to the socket with a single
// vectored write (net.Buffers) and sit in a session's outbound queue as
// one unit.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// WholeRecordPrefix returns the longest prefix that fits into limit bytes.
func (recs Records) WholeRecordPrefix(limit int64) (prefix Records, remainder int64) {
	n := 0
	for n < len(recs) && int64(len(recs[n])) <= limit {
		limit -= int64(len(recs[n]))
		n++
	}
	return recs[:n], limit
}
