package errcode

const (
	ErrUnknown = 10000000 + iota
	ErrNotFound
	ErrInvalid
	ErrConflict
	ErrInternal
	ErrMutabilityViolation
	ErrStateConflict
	ErrUnsupportedType
	ErrEmptyBatch
	ErrJobStopped
	ErrImportFailed
)
