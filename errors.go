package fabric

import (
	"errors"

	"github.com/drpcorg/fabric/fabric_errors"
)

var (
	ErrConflict       = fabric_errors.ErrConflict
	ErrWrongTrunk     = fabric_errors.ErrWrongTrunk
	ErrWrongStore     = fabric_errors.ErrWrongStore
	ErrCorruptedBlock = fabric_errors.ErrCorruptedBlock
	ErrStoreIO        = fabric_errors.ErrStoreIO
	ErrOverload       = fabric_errors.ErrOverload
	ErrClosed         = fabric_errors.ErrClosed
	ErrTypeUnknown    = fabric_errors.ErrTypeUnknown
	ErrObjectUnknown  = fabric_errors.ErrObjectUnknown
)

var (
	ErrFinished = errors.New("fabric: transaction already committed")
	ErrAborted  = errors.New("fabric: transaction aborted")
)
