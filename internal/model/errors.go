package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrValidation marks operator input problems that are caught before any
// write happens.
var ErrValidation = eris.New("validation failed")

// Validationf returns an error wrapping ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return eris.Wrap(ErrValidation, fmt.Sprintf(format, args...))
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
