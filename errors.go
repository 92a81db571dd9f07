// Package muos implements the IPC and scheduling core of a small
// preemptive microkernel for ARMv6-class hardware.
package muos

import kernelerrors "github.com/gomuos/muos/internal/errors"

// Code, Error, and the error-code sentinels are defined in
// internal/errors so every subsystem package can construct and
// classify them without importing this root package (which would
// create an import cycle once Kernel wires those subsystems together).
// These aliases are the public-facing names.
type (
	Code  = kernelerrors.Code
	Error = kernelerrors.Error
)

const (
	CodeOK      = kernelerrors.CodeOK
	CodeNoSys   = kernelerrors.CodeNoSys
	CodeInvalid = kernelerrors.CodeInvalid
	CodeNoMem   = kernelerrors.CodeNoMem
	CodeFault   = kernelerrors.CodeFault
)

var (
	NewError        = kernelerrors.NewError
	NewProcessError = kernelerrors.NewProcessError
	NewChannelError = kernelerrors.NewChannelError
	WrapError       = kernelerrors.WrapError
	IsCode          = kernelerrors.IsCode
	IsExiting       = kernelerrors.IsExiting
	ExitingCode     = kernelerrors.ExitingCode
)
