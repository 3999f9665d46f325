package shared

import (
	"errors"
	"fmt"
)

// Error is a structured failure carrying the status a caller should surface.
// It is the single error currency between the overlay, resolution, and API
// layers.
type Error struct {
	Message string
	Status  Status
}

// NewError builds an Error with the given status.
func NewError(status Status, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Status: status}
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// StatusOf extracts the Status from err. Plain errors are classified as an
// internal error so callers always have something to map.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusInternalError
}
