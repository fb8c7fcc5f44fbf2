package apperrors

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrUnsupported = errors.New("operation not supported")
	ErrReadOnly    = errors.New("read-only heuristics version")
)
