package gbus

import "errors"

var (
	ErrNoTransaction       = errors.New("no transaction found in the context")
	ErrUnknownSchema       = errors.New("schema not registered")
	ErrInvalidSchema       = errors.New("invalid schema")
	ErrDuplicateSchema     = errors.New("schema already registered")
	ErrMissingEventID      = errors.New("integration event without id")
	ErrUnmappedDomainEvent = errors.New("unmapped domain event")
	ErrDuplicateBinding    = errors.New("topic already bound to a consumer")
	ErrNilDomainEvent      = errors.New("nil domain event")
	ErrHandlerPanic        = errors.New("consumer panicked")
)

// permanentError marks errors that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func (p *permanentError) Unwrap() error {
	return p.err
}

// Permanent wraps err so consumers skip the retry policy and send the message
// straight to the dead-letter path. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
