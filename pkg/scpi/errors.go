package scpi

import (
	"fmt"
)

// SCPI error codes surfaced through the instrument error queue. The numeric
// values follow IEEE 488.2 / SCPI-99 chapter 21.8.
const (
	CodeDataTypeError       = -104
	CodeUndefinedHeader     = -113
	CodeParameterNotAllowed = -108
	CodeDataOutOfRange      = -222
)

// Error is a queued protocol error. It renders in the two-field SCPI format
// `<code>,"<message>"` expected by SYST:ERR? clients.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d,%q", e.Code, e.Message)
}

func errUndefinedHeader(command string) *Error {
	return &Error{Code: CodeUndefinedHeader, Message: fmt.Sprintf("Undefined header; %s", command)}
}

func errExecution(command string) *Error {
	return &Error{Code: CodeUndefinedHeader, Message: fmt.Sprintf("Command execution error; %s", command)}
}

func errDataType(arg string) *Error {
	return &Error{Code: CodeDataTypeError, Message: fmt.Sprintf("Data type error; cannot convert '%s' to number", arg)}
}

func errOutOfRange(min, max, value float64) *Error {
	return &Error{Code: CodeDataOutOfRange, Message: fmt.Sprintf("Data out of range; expected %v to %v, got %v", min, max, value)}
}

func errNotAllowed(values []string, arg string) *Error {
	return &Error{Code: CodeParameterNotAllowed, Message: fmt.Sprintf("Parameter not allowed; expected one of %v, got '%s'", values, arg)}
}

func errInvalidBool(arg string) *Error {
	return &Error{Code: CodeParameterNotAllowed, Message: fmt.Sprintf("Invalid boolean; expected ON/OFF/1/0, got '%s'", arg)}
}
