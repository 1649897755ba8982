package scout

import (
	"errors"
	"fmt"
)

// ValidationError marks malformed or incomplete input. It is never retried
// automatically: a malformed submission fails terminally on first sight.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrPostingNotFound is returned by PostingStore lookups for unknown ids.
var ErrPostingNotFound = errors.New("posting not found")
