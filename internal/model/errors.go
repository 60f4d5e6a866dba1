package model

import (
	"errors"
	"fmt"
)

// Outcome classes of a purchase attempt. Components wrap these with
// context; callers branch with errors.Is.
var (
	ErrClientRejection       = errors.New("request rejected")
	ErrDuplicateRequest      = fmt.Errorf("%w: duplicate request", ErrClientRejection)
	ErrInsufficientInventory = errors.New("no seats available for the requested class/route")
	ErrServiceBusy           = errors.New("system busy, please retry")
	ErrUnsupportedTrainType  = errors.New("unsupported train type")
	ErrDependencyFailure     = errors.New("dependency failure")
)

// Reject wraps a validation message as a client rejection.
func Reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrClientRejection, fmt.Sprintf(format, args...))
}

// Dependency marks err as a failure of an external collaborator.
func Dependency(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDependencyFailure, err)
}
