package kerrors

import (
	"errors"
	"fmt"
)

// Error codes as understood by the message clients.
const (
	EPERM     int64 = 1  // Operation not permitted
	ENOENT    int64 = 2  // No such file or directory
	EIO       int64 = 5  // I/O error
	ENOMEM    int64 = 12 // Out of memory
	EEXIST    int64 = 17 // File exists
	ENOTDIR   int64 = 20 // Not a directory
	EISDIR    int64 = 21 // Is a directory
	EINVAL    int64 = 22 // Invalid argument
	ENOSPC    int64 = 28 // No space left on device
	ENOSYS    int64 = 38 // Function not implemented
	ENOTEMPTY int64 = 39 // Directory not empty

	EIO_NEG    int64 = -EIO    // I/O error (negative)
	EINVAL_NEG int64 = -EINVAL // Invalid argument (negative)
)

type Error struct {
	Code    int64
	Message string
}

func New(code int64, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (errno %d)", e.Message, e.Code)
}

func (e *Error) GetCode() int64 {
	return e.Code
}

// Is reports a match on the errno only, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalid  = New(EINVAL, "invalid argument")
	ErrNotFound = New(ENOENT, "no such file or directory")
	ErrExist    = New(EEXIST, "file exists")
	ErrNotDir   = New(ENOTDIR, "not a directory")
	ErrIsDir    = New(EISDIR, "is a directory")
	ErrNoSpace  = New(ENOSPC, "no space left on device")
	ErrIO       = New(EIO, "i/o error")
	ErrNotEmpty = New(ENOTEMPTY, "directory not empty")
	ErrPerm     = New(EPERM, "operation not permitted")
)

// Code maps err onto the negative errno sent back to clients. Errors that do
// not carry a code are reported as EIO.
func Code(err error) int64 {
	if err == nil {
		return 0
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return -kerr.Code
	}
	return EIO_NEG
}
