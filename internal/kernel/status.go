package kernel

import (
	"fmt"

	"github.com/born-ml/rnnflow/internal/errs"
)

// Status is the numeric result of a kernel call. Codes follow cuBLAS.
type Status int

// Status codes.
const (
	StatusSuccess         Status = 0
	StatusNotInitialized  Status = 1
	StatusAllocFailed     Status = 3
	StatusInvalidValue    Status = 7
	StatusArchMismatch    Status = 8
	StatusMappingError    Status = 11
	StatusExecutionFailed Status = 13
	StatusInternalError   Status = 14
	StatusNotSupported    Status = 15
	StatusLicenseError    Status = 16
)

var statusNames = map[Status]string{
	StatusSuccess:         "SUCCESS",
	StatusNotInitialized:  "NOT_INITIALIZED",
	StatusAllocFailed:     "ALLOC_FAILED",
	StatusInvalidValue:    "INVALID_VALUE",
	StatusArchMismatch:    "ARCH_MISMATCH",
	StatusMappingError:    "MAPPING_ERROR",
	StatusExecutionFailed: "EXECUTION_FAILED",
	StatusInternalError:   "INTERNAL_ERROR",
	StatusNotSupported:    "NOT_SUPPORTED",
	StatusLicenseError:    "LICENSE_ERROR",
}

// String returns the symbolic status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_STATUS_%d", int(s))
}

// KernelError is a non-success Status raised by a named kernel call.
type KernelError struct {
	Op   string
	Code Status
	Name string
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel error: %s: %s (%d)", e.Op, e.Name, int(e.Code))
}

// Is lets errors.Is(err, errs.ErrKernel) match.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*errs.Error)
	return ok && t.Kind == errs.Kernel
}

// Check converts a non-success status into a *KernelError.
func Check(op string, s Status) error {
	if s == StatusSuccess {
		return nil
	}
	return &KernelError{Op: op, Code: s, Name: s.String()}
}
