package compose

import (
	"fmt"
)

// SurfaceError is returned when a compose surface operation fails
type SurfaceError struct {
	Op       string
	Selector string
	Err      error
}

func (e *SurfaceError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("compose %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("compose %s (%s): %v", e.Op, e.Selector, e.Err)
}

func (e *SurfaceError) Unwrap() error {
	return e.Err
}

// SendResult is the outcome of one send attempt. Rejected is set when
// the host showed an error indicator.
type SendResult struct {
	Success  bool   `json:"success"`
	Rejected bool   `json:"rejected,omitempty"`
	Message  string `json:"message,omitempty"`
}
