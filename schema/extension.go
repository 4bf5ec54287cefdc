package schema

import (
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/vmihailenco/msgpack/v5"
)

// Extension carries a value of a type the core does not know: a tag and
// opaque bytes. Peers that do not know the tag store and forward it as is.
type Extension struct {
	Tag uint16
	Raw []byte
}

type ExtensionCodec interface {
	Encode(v any) ([]byte, error)
	Decode(raw []byte) (any, error)
}

var extensions = xsync.NewMapOf[uint16, ExtensionCodec]()

func RegisterExtension(tag uint16, codec ExtensionCodec) {
	extensions.Store(tag, codec)
}

// PackExtension encodes v with the codec registered for tag, msgpack if none.
func PackExtension(tag uint16, v any) (Extension, error) {
	var raw []byte
	var err error
	if codec, ok := extensions.Load(tag); ok {
		raw, err = codec.Encode(v)
	} else {
		raw, err = msgpack.Marshal(v)
	}
	if err != nil {
		return Extension{}, err
	}
	return Extension{Tag: tag, Raw: raw}, nil
}

// Value decodes with the registered codec; without one, msgpack decodes
// into generic maps and slices.
func (e Extension) Value() (any, error) {
	if codec, ok := extensions.Load(e.Tag); ok {
		return codec.Decode(e.Raw)
	}
	var v any
	err := msgpack.Unmarshal(e.Raw, &v)
	return v, err
}

// Unpack decodes msgpack bytes into a caller-provided value.
func (e Extension) Unpack(into any) error {
	return msgpack.Unmarshal(e.Raw, into)
}
