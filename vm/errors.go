package vm

import (
	"errors"
	"fmt"
)

// Reasons a fault cannot be resolved, and errors of the mapping calls.
var (
	ErrSegmentationFault = errors.New("segmentation fault")
	ErrReadOnly          = errors.New("write to read-only page")
	ErrNoSwap            = errors.New("out of swap space")
	ErrBadMapping        = errors.New("invalid mapping")
	ErrKilled            = errors.New("process killed")
	ErrWriteBack         = errors.New("write-back failed")
)

// A FaultError reports a page fault that could not be resolved. The faulting
// process must be terminated.
type FaultError struct {
	Addr   uint64
	Write  bool
	Reason error
}

func (e *FaultError) Error() string {
	kind := "read"
	if e.Write {
		kind = "write"
	}

	return fmt.Sprintf("unresolvable %s fault at %#x: %v", kind, e.Addr, e.Reason)
}

func (e *FaultError) Unwrap() error {
	return e.Reason
}
