package dispatch

import (
	"fmt"
	"strings"

	"parcel/internal/faults"
)

// DispatchError reports a message the relay did not accept.
type DispatchError struct {
	Subject     string
	Attachments []string
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %q [%s]: %v", e.Subject, strings.Join(e.Attachments, ", "), e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Is matches faults.ErrDispatch.
func (e *DispatchError) Is(target error) bool {
	return target == faults.ErrDispatch
}
