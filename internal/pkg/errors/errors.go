package errors

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalid             = errors.New("invalid")
	ErrConflict            = errors.New("conflict")
	ErrInternal            = errors.New("internal")
	ErrMutabilityViolation = errors.New("published version is immutable")
	ErrStateConflict       = errors.New("state transition conflict")
	ErrStopped             = errors.New("job stopped by request")
	ErrUnsupportedType     = errors.New("unsupported module type")
	ErrEmptyBatch          = errors.New("batch has no resources")
	ErrArchiveFailed       = errors.New("archive preparation failed")
	ErrDuplicateLeaf       = errors.New("module appears more than once in tree")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

type transientError struct {
	err error
}

func (e transientError) Error() string {
	return e.err.Error()
}

func (e transientError) Unwrap() error {
	return e.err
}

// Transient marks an error as retryable: the queue re-invokes the task with
// backoff instead of stopping the job.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
