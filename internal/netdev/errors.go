package netdev

import (
	"errors"
	"syscall"
)

// Error is a framework error carrying the errno value it mirrors.
// errors.Is(err, syscall.EBUSY) holds for ErrBusy and any error wrapping it.
type Error struct {
	errno syscall.Errno
	msg   string
}

func (e *Error) Error() string { return "netdev: " + e.msg }

func (e *Error) Unwrap() error { return e.errno }

var (
	ErrNoMemory     = &Error{syscall.ENOMEM, "out of memory"}
	ErrInvalid      = &Error{syscall.EINVAL, "invalid argument"}
	ErrInvalidState = &Error{syscall.EINVAL, "invalid device state"}
	ErrBusy         = &Error{syscall.EBUSY, "device or resource busy"}
	ErrNotSupported = &Error{syscall.ENOTSUP, "operation not supported"}
	ErrExist        = &Error{syscall.EEXIST, "already exists"}
)

// Errno converts err into a negative errno-style return code. nil maps to 0.
// Errors that do not carry an errno map to -EIO.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(syscall.EIO)
}
