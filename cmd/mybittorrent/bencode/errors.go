package bencode

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedInteger = errors.New("malformed integer")
	ErrMalformedString  = errors.New("malformed string")
	ErrUnterminatedList = errors.New("unterminated list")
	ErrUnterminatedMap  = errors.New("unterminated map")
	ErrInvalidMapKey    = errors.New("invalid map key")
	ErrUnrecognizedTag  = errors.New("unrecognized tag")
	ErrNestingTooDeep   = errors.New("nesting too deep")

	ErrUnsupportedValue = errors.New("unsupported value")
	ErrInvalidUTF8      = errors.New("string is not valid utf-8")
	ErrInvalidMetainfo  = errors.New("invalid metainfo")
)

// DecodeError reports where in the input a decode failed.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bencode: %v at offset %d", e.Err, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
