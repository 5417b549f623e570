package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrConfiguration marks a batch that must not start. Errors matching it
	// also match ErrValidation.
	ErrConfiguration = errors.New("configuration error")
)

type configError struct {
	msg string
}

func (e *configError) Error() string {
	return ErrConfiguration.Error() + ": " + e.msg
}

func (e *configError) Is(target error) bool {
	return target == ErrConfiguration || target == ErrValidation
}

func configurationError(msg string) error {
	return &configError{msg: msg}
}

// ConfigurationErrorf builds an error matching both ErrConfiguration and
// ErrValidation.
func ConfigurationErrorf(format string, args ...any) error {
	return configurationError(fmt.Sprintf(format, args...))
}
