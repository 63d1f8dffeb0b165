package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorNoTemplate is returned by the resolver when no workflow binding matches
// a (school, sub-account) pair.
var ErrorNoTemplate = errors.New("no workflow template bound")

var ErrorForbidden = errors.New("forbidden")

// ErrorReadinessViolation guards coordinator decisions on items whose
// workflow is not done yet.
var ErrorReadinessViolation = errors.New("item workflow is not done")

var ErrorTransientBackend = errors.New("transient backend failure")

type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string { return e.Message }

func NewBadRequest(format string, args ...interface{}) error {
	return &BadRequestError{Message: fmt.Sprintf(format, args...)}
}

func IsBadRequest(err error) bool {
	var target *BadRequestError
	return errors.As(err, &target)
}

// ConflictError carries the id of the already-existing row where known, so
// clients can jump to it (duplicate "new" budget per school+period).
type ConflictError struct {
	Message    string
	ExistingId int
}

func (e *ConflictError) Error() string {
	if e.ExistingId > 0 {
		return fmt.Sprintf("%s (existing_id=%d)", e.Message, e.ExistingId)
	}
	return e.Message
}

func NewConflict(message string) error {
	return &ConflictError{Message: message}
}

func NewConflictExisting(existingId int, message string) error {
	return &ConflictError{Message: message, ExistingId: existingId}
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}
