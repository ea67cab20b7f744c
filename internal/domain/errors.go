package domain

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrVersionConflict   = errors.New("template version conflict")
	ErrInvalidTransition = errors.New("invalid review status transition")
	ErrNoStrategies      = errors.New("no strategies configured for required field")
	ErrMaxAttempts       = errors.New("max processing attempts exceeded")
)
