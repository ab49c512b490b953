package split

import (
	"errors"
	"fmt"

	"parcel/internal/faults"
)

// ErrInsufficientSpace reports that the output filesystem cannot hold the parts.
var ErrInsufficientSpace = errors.New("insufficient free space")

// SplitError reports a failed split. Part is the 1-based part being written
// when the failure happened, or 0 before any part was started.
type SplitError struct {
	Archive string
	Part    int
	Err     error
}

func (e *SplitError) Error() string {
	if e.Part > 0 {
		return fmt.Sprintf("split %s part %d: %v", e.Archive, e.Part, e.Err)
	}
	return fmt.Sprintf("split %s: %v", e.Archive, e.Err)
}

func (e *SplitError) Unwrap() error { return e.Err }

// Is matches faults.ErrSplit.
func (e *SplitError) Is(target error) bool {
	return target == faults.ErrSplit
}
