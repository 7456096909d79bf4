package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired = sterrors.New("knightbus: configuration is required")
	ErrLoggerRequired = sterrors.New("knightbus: logger is required")
)

// ConfigValidationError marks errors raised while validating a Config or the
// settings of a registration. Start and the registration helpers return it so
// callers can tell configuration faults from runtime failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("knightbus: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
