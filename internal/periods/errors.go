package periods

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("periods: validation failed")
	// ErrPermissionDenied indicates the actor lacks a managing role in the room.
	ErrPermissionDenied = errors.New("periods: permission denied")
	// ErrConflict indicates an invariant violation such as a second active period.
	ErrConflict = errors.New("periods: conflict")
	// ErrNotFound indicates a missing period or a cross-room lookup.
	ErrNotFound = errors.New("periods: not found")
	// ErrPeriodLocked indicates child writes are not allowed for the period.
	ErrPeriodLocked = fmt.Errorf("%w: period is locked", ErrConflict)
)
