// Provides common fabric errors definitions.
package fabric_errors

import "errors"

var (
	ErrConflict       = errors.New("fabric: transaction conflict")
	ErrWrongTrunk     = errors.New("fabric: object belongs to another branch")
	ErrWrongStore     = errors.New("fabric: branch has no such store")
	ErrCorruptedBlock = errors.New("fabric: corrupted block")
	ErrStoreIO        = errors.New("fabric: store i/o failure")
	ErrOverload       = errors.New("fabric: pending queue overloaded")
	ErrClosed         = errors.New("fabric: closed")
	ErrTypeUnknown    = errors.New("fabric: unknown object type")
	ErrObjectUnknown  = errors.New("fabric: unknown object")
	ErrBlockMissing   = errors.New("fabric: block missing")
	ErrBadHPacket     = errors.New("fabric: bad handshake packet")
)
