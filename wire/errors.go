package wire

import (
	"errors"
	"fmt"
)

// ErrMissingData marks a known message type that arrived without its
// required data payload.
var ErrMissingData = errors.New("wire: missing data payload")

// ParseError indicates a failure to decode a control message field. It
// wraps the underlying format error and records which field was being
// decoded when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
