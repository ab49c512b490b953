package retention

import (
	"fmt"

	"parcel/internal/faults"
)

// ReclaimError pairs a path with the reason it was not deleted.
type ReclaimError struct {
	Path string
	Err  error
}

func (e *ReclaimError) Error() string {
	return fmt.Sprintf("reclaim %s: %v", e.Path, e.Err)
}

func (e *ReclaimError) Unwrap() error { return e.Err }

// Is matches faults.ErrReclaim.
func (e *ReclaimError) Is(target error) bool {
	return target == faults.ErrReclaim
}
