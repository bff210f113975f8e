package types

import (
	"errors"
	"fmt"
)

// Validation error codes.
const (
	CodeInvalidMediaType = "invalid_media_type"
	CodePayloadTooLarge  = "payload_too_large"
	CodeMissingFile      = "missing_file"
	CodeInvalidField     = "invalid_field"
)

// ErrUnauthorized indicates the request carried no valid identity.
var ErrUnauthorized = errors.New("unauthorized")

// ErrValidation indicates a request was rejected before any state was created.
type ErrValidation struct {
	Code    string
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrNotFound indicates an unknown video or a missing blob.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrRangeNotSatisfiable indicates a malformed or out-of-bounds Range header.
type ErrRangeNotSatisfiable struct {
	Range string
	Size  int64
}

func (e *ErrRangeNotSatisfiable) Error() string {
	return fmt.Sprintf("range not satisfiable: %q for %d bytes", e.Range, e.Size)
}

// IsNotFound reports whether err wraps an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
