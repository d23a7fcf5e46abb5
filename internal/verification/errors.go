// errors.go - Failure taxonomy for a verification run

package verification

import (
	"errors"
	"fmt"
)

// ErrDonationNotFound means there is no donation to verify or decline.
var ErrDonationNotFound = errors.New("donation not found")

// Kind classifies why a run declined a donation.
type Kind string

const (
	KindImageFetch     Kind = "image_fetch"
	KindExtraction     Kind = "extraction"
	KindLookupNotFound Kind = "lookup_not_found"
	KindValidation     Kind = "validation"
	KindTimeout        Kind = "timeout"
	KindUnexpected     Kind = "unexpected"
)

// Error is a failed step. Reason is the note written on the donation.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}
