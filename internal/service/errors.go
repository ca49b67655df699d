package service

import (
	"errors"
	"fmt"
)

// Error taxonomy of the ledger core. Callers match with errors.Is; the
// transport layer maps each sentinel to one HTTP status.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInsufficientFunds  = fmt.Errorf("%w: insufficient funds", ErrPreconditionFailed)
	ErrForbidden          = errors.New("forbidden")
	ErrExternalService    = errors.New("external service unavailable, please try again")
	ErrConflict           = errors.New("conflict")
)

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
