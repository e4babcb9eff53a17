package sandbox

import (
	"errors"
	"fmt"
)

// ErrChannelClosed reports that the notification input channel closed; the
// scheduler logs it when its Run loop exits for that reason.
var ErrChannelClosed = errors.New("sandbox: channel closed")

// CompileError wraps a failure to compile a module's bytecode.
type CompileError struct {
	ModuleID int64
	Cause    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("sandbox: compile module %d: %v", e.ModuleID, e.Cause)
}

func (e *CompileError) Unwrap() error { return e.Cause }

// InstantiateError wraps a failure to instantiate a compiled module.
type InstantiateError struct {
	ModuleID int64
	Cause    error
}

func (e *InstantiateError) Error() string {
	return fmt.Sprintf("sandbox: instantiate module %d: %v", e.ModuleID, e.Cause)
}

func (e *InstantiateError) Unwrap() error { return e.Cause }

// AbiError indicates the guest module does not satisfy the alloc/process
// ABI contract (a required export is missing or has the wrong signature).
type AbiError struct {
	ModuleID int64
	Reason   string
}

func (e *AbiError) Error() string {
	return fmt.Sprintf("sandbox: module %d: abi violation: %s", e.ModuleID, e.Reason)
}

// MemoryError indicates a read or write into guest linear memory failed,
// typically because the guest's alloc returned an out-of-bounds pointer.
type MemoryError struct {
	ModuleID int64
	Reason   string
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("sandbox: module %d: memory error: %s", e.ModuleID, e.Reason)
}

// TrapError wraps a WASM trap raised during alloc or process execution.
type TrapError struct {
	ModuleID int64
	Cause    error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("sandbox: module %d: trap: %v", e.ModuleID, e.Cause)
}

func (e *TrapError) Unwrap() error { return e.Cause }

// IsAbiError reports whether err is an AbiError.
func IsAbiError(err error) bool {
	var abiErr *AbiError
	return errors.As(err, &abiErr)
}

// IsTrap reports whether err is a TrapError.
func IsTrap(err error) bool {
	var trapErr *TrapError
	return errors.As(err, &trapErr)
}
