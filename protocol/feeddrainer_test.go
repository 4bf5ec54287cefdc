package protocol

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type sliceFeedDrainer struct {
	data []byte
}

func (fd *sliceFeedDrainer) Drain(ctx context.Context, recs Records) error {
	for _, rec := range recs {
		fd.data = append(fd.data, rec...)
	}
	return nil
}

func (fd *sliceFeedDrainer) Feed(ctx context.Context) (recs Records, err error) {
	for i := 0; i < 3 && len(fd.data) > 0; i++ {
		recs = append(recs, fd.data[0:1])
		fd.data = fd.data[1:]
	}
	if len(fd.data) == 0 {
		err = io.EOF
	}
	return
}

func TestPump(t *testing.T) {
	ctx := context.Background()
	sfd := sliceFeedDrainer{data: []byte("Hello world")}
	err := PumpN(ctx, &sfd, &sfd, 2)
	assert.Nil(t, err)
	assert.Equal(t, []byte("worldHello "), sfd.data)

	fro := sliceFeedDrainer{data: []byte("Hello world")}
	to := sliceFeedDrainer{}
	err = Pump(ctx, &fro, &to)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, []byte("Hello world"), to.data)
}

func TestWholeRecordPrefix(t *testing.T) {
	recs := Records{[]byte("abc"), []byte("de"), []byte("fghi")}
	prefix, rem := recs.WholeRecordPrefix(6)
	assert.Len(t, prefix, 2)
	assert.EqualValues(t, 1, rem)
	assert.EqualValues(t, 9, recs.TotalLen())
}
