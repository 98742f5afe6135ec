// Package apperr holds the error kinds shared by the scheduling, billing and
// payment services. Domain packages build their sentinels from these kinds so
// the transport layer can classify any error with errors.Is.
package apperr

import "errors"

var (
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("conflict")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrGatewayDeclined  = errors.New("payment declined")
	ErrGatewayTransient = errors.New("payment gateway unavailable")
)

// Error is a message tagged with one of the kinds above.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func Validation(msg string) error { return &Error{Kind: ErrValidation, Msg: msg} }

func Conflict(msg string) error { return &Error{Kind: ErrConflict, Msg: msg} }

func Forbidden(msg string) error { return &Error{Kind: ErrForbidden, Msg: msg} }

func NotFound(msg string) error { return &Error{Kind: ErrNotFound, Msg: msg} }

func Declined(msg string) error { return &Error{Kind: ErrGatewayDeclined, Msg: msg} }

func Transient(msg string) error { return &Error{Kind: ErrGatewayTransient, Msg: msg} }

// KindOf returns the kind sentinel of err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrConflict, ErrForbidden, ErrNotFound, ErrGatewayDeclined, ErrGatewayTransient} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
