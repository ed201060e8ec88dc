// Package errcode defines the error kinds reported by the panel controller.
package errcode

import "errors"

// Code is a stable, caller-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK                       Code = "ok"
	InvalidArgument          Code = "invalid_argument"
	HardwareTimeout          Code = "hardware_timeout"
	UnsupportedConfiguration Code = "unsupported_configuration"
	AlreadyInState           Code = "already_in_state"
	ResourceUnavailable      Code = "resource_unavailable"

	Error Code = "error" // generic fallback
)

// RC maps a code to the negative errno-style integer handed back to the
// display pipeline.
func (c Code) RC() int {
	switch c {
	case OK, AlreadyInState:
		return 0
	case InvalidArgument, UnsupportedConfiguration:
		return -22 // EINVAL
	case HardwareTimeout:
		return -110 // ETIMEDOUT
	case ResourceUnavailable:
		return -19 // ENODEV
	default:
		return -5 // EIO
	}
}

// E wraps a Code with the failing operation and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.X) match on the code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// New builds an *E without a cause.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap builds an *E around err. A nil err yields nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}
