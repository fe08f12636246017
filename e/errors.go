package e

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ExtendedError is our custom error. It records the originating error and
// accumulates code-tagged debug messages as it is wrapped up the call stack.
type ExtendedError struct {
	InnerError error
	Message    string
	original   error
}

// Error returns the string of the inner error
func (e *ExtendedError) Error() string {
	return fmt.Sprintf("%+v", e.InnerError)
}

// IsError checks if the originating error is the specified target
func (e *ExtendedError) IsError(tgt error) bool {
	return errors.Is(e.original, tgt)
}

// AsError calls errors.As on the original error with the specified target
// error. If it is the target error, it will set the target as the original
// error value and return true, otherwise it returns false
func (e *ExtendedError) AsError(tgt interface{}) bool {
	return errors.As(e.original, tgt)
}

// N creates a new error with the specified code and message. The message is
// also set as the extended error's user facing message.
func N(code, msg string) (err error) {
	ee := W(nil, code, msg).(*ExtendedError)
	ee.Message = NewStr(code, msg)
	return ee
}

// NewStr creates a new error string based on the code and message(s)
func NewStr(code string, msgList ...string) (s string) {
	if len(msgList) == 0 {
		return code
	}
	return fmt.Sprintf("%s: %s", code, strings.Join(msgList, "|"))
}

// AsExtendedError helper function that returns the error as an ExtendedError
// if it is one. Otherwise it returns nil
func AsExtendedError(err error) (ee *ExtendedError) {
	if errors.As(err, &ee) {
		return ee
	}
	return nil
}

// ContainsError checks if the error contains the specified error message
func ContainsError(err error, msg string) bool {
	return strings.Contains(err.Error(), msg)
}

// Contains checks if the error contains the code
func Contains(err error, code string) bool {
	return ContainsError(err, code)
}

// W checks if the passed error has been wrapped before by this func and
// either wraps the original error as an ExtendedError or adds the code
// tagged debug message to the already existing ExtendedError's InnerError.
// This function always returns an extended error, but the signature is error
func W(err error, code string, debugMessages ...string) error {
	msg := NewStr(code, debugMessages...)

	// If the error is already an extended error, then just update the
	// inner error
	if ee := AsExtendedError(err); ee != nil {
		ee.InnerError = fmt.Errorf("[%s]%+v", msg, ee)
		return ee
	}

	ee := &ExtendedError{
		original: err,
	}

	if err == nil {
		ee.InnerError = pkgerrors.New(msg)
		ee.Message = msg
	} else {
		ee.InnerError = fmt.Errorf("[%s]%+v", msg, pkgerrors.Wrap(err, ""))
		ee.Message = NewStr(code, MsgUnknownInternalServerError)
	}

	return ee
}

// WM calls W, then sets the extended error's user facing message to the
// passed message.
func WM(err error, code, msg string, debugMessages ...string) error {
	ee := W(err, code, debugMessages...).(*ExtendedError)
	ee.Message = NewStr(code, msg)
	return ee
}
