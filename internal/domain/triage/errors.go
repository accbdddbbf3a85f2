package triage

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("case not found")
	ErrConflict     = errors.New("action not allowed in current status")
	ErrForbidden    = errors.New("forbidden")
)
