package archive

import (
	"fmt"

	"parcel/internal/faults"
)

// SourceNotFoundError reports a capture directory that does not exist or is
// not a directory.
type SourceNotFoundError struct {
	Path string
	Err  error
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("capture directory %s: %v", e.Path, e.Err)
}

func (e *SourceNotFoundError) Unwrap() error { return e.Err }

// Is matches faults.ErrSourceNotFound.
func (e *SourceNotFoundError) Is(target error) bool {
	return target == faults.ErrSourceNotFound
}
