// Package errors implements the kernel's structured error type (§7): a
// small set of error codes shared by every subsystem, plus enough
// context (operation, pid, channel id) to log or assert on without
// string-parsing.
package errors

import (
	"errors"
	"fmt"
)

// Code is a kernel-level error category, returned (negated) from every
// syscall and carried internally through the IPC state machine.
type Code string

const (
	// CodeOK indicates success; never wrapped in an *Error.
	CodeOK Code = "ok"

	// CodeNoSys means the addressed party has terminated, or the call is
	// not implemented (e.g. remote SIGNAL).
	CodeNoSys Code = "no_sys"

	// CodeInvalid means a malformed request, unknown handle/id, or a
	// reply to an unknown or already-replied message id.
	CodeInvalid Code = "invalid"

	// CodeNoMem means allocation exhaustion (thread stacks, pulse
	// records, handle table slots).
	CodeNoMem Code = "no_mem"

	// CodeFault means a memory fault was observed while copying to or
	// from a user buffer.
	CodeFault Code = "fault"

	// codeExiting is the internal-only sentinel a reply can carry to mean
	// "your process has terminated"; the syscall-return path interprets
	// it and never surfaces it to user code as a literal.
	codeExiting Code = "exiting"
)

// Error is a structured kernel error with enough context to log or assert
// on without string-parsing.
type Error struct {
	Op        string // operation that failed, e.g. "msgsend", "attach_irq"
	Pid       int32  // offending/relevant process id (0 if not applicable)
	ChannelID int32  // relevant channel or connection id (-1 if not applicable)
	Code      Code
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Pid != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.Pid))
	}
	if e.ChannelID >= 0 {
		parts = append(parts, fmt.Sprintf("chid=%d", e.ChannelID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("muos: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("muos: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches on Code, so callers can test errors.Is(err, sentinelErr)-style
// sentinels via IsCode below without a type switch.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a structured error with no process/channel context.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, ChannelID: -1, Code: code, Msg: msg}
}

// NewProcessError creates a structured error attributed to a process.
func NewProcessError(op string, pid int32, code Code, msg string) *Error {
	return &Error{Op: op, Pid: pid, ChannelID: -1, Code: code, Msg: msg}
}

// NewChannelError creates a structured error attributed to a channel.
func NewChannelError(op string, chid int32, code Code, msg string) *Error {
	return &Error{Op: op, ChannelID: chid, Code: code, Msg: msg}
}

// WrapError wraps an existing error with kernel operation context,
// preserving the original's Code when it is already a *Error.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if me, ok := inner.(*Error); ok {
		return &Error{Op: op, Pid: me.Pid, ChannelID: me.ChannelID, Code: me.Code, Msg: me.Msg, Inner: me.Inner}
	}
	return &Error{Op: op, ChannelID: -1, Code: CodeFault, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error carrying the given Code.
func IsCode(err error, code Code) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// IsExiting reports whether a reply status is the internal EXITING
// sentinel (§4.4): the syscall-return path of the sender interprets this
// as "your process has terminated" and tears the process down.
func IsExiting(code Code) bool {
	return code == codeExiting
}

// ExitingCode returns the internal EXITING sentinel for use by the process
// manager's exit/signal(self) handlers (§4.7). It is exported under this
// name, rather than as a Code constant, so that callers cannot construct
// it by typoing a string literal.
func ExitingCode() Code {
	return codeExiting
}

// Errno encodes c as the syscall-return ordinal from §6 (OK=0, NO_SYS=1,
// INVALID=2, NO_MEM=3, FAULT=4); the syscall layer negates it before
// handing it back to user space. codeExiting never reaches a user-space
// return (§4.8 step 4 intercepts it to drive teardown instead), so it
// maps to -1 defensively rather than a valid errno.
func (c Code) Errno() int32 {
	switch c {
	case CodeOK:
		return 0
	case CodeNoSys:
		return 1
	case CodeInvalid:
		return 2
	case CodeNoMem:
		return 3
	case CodeFault:
		return 4
	default:
		return -1
	}
}

// CodeFromErrno is Errno's inverse, used when a user-space server calls
// msgreply with an explicit status ordinal rather than one already held
// as a Code.
func CodeFromErrno(n int32) Code {
	switch n {
	case 0:
		return CodeOK
	case 1:
		return CodeNoSys
	case 3:
		return CodeNoMem
	case 4:
		return CodeFault
	default:
		return CodeInvalid
	}
}
