package lock

import (
	"errors"
	"fmt"
)

// ErrLockAcquisitionFailed is matched by every AcquireError.
var ErrLockAcquisitionFailed = errors.New("lock acquisition failed")

// errContended marks a claim attempt that found a live marker.
var errContended = errors.New("resource is locked")

// AcquireError reports a resource that could not be locked within the retry
// budget.
type AcquireError struct {
	Resource string
	Marker   string
	Attempts int
	Err      error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("lock %q: acquisition failed after %d attempt(s): %v", e.Resource, e.Attempts, e.Err)
}

func (e *AcquireError) Is(target error) bool { return target == ErrLockAcquisitionFailed }

func (e *AcquireError) Unwrap() error { return e.Err }
