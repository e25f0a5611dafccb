package protocol

import "github.com/juju/errors"

var (
	// ErrIncomplete means more bytes are needed before a frame can be decoded.
	ErrIncomplete = errors.New("frame incomplete")
	// ErrMalformed means a frame or its field list cannot be decoded.
	ErrMalformed = errors.New("frame malformed")
)

// IsIncomplete reports whether err was caused by ErrIncomplete.
func IsIncomplete(err error) bool {
	return err != nil && errors.Cause(err) == ErrIncomplete
}

// IsMalformed reports whether err was caused by ErrMalformed.
func IsMalformed(err error) bool {
	return err != nil && errors.Cause(err) == ErrMalformed
}
