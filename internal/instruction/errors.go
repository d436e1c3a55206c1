package instruction

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes pipeline errors.
type ErrorCode string

const (
	// CodeValidation: payload rejected before scheduling. Never retried.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeUnknownType: no registry entry for the instruction type.
	CodeUnknownType ErrorCode = "UNKNOWN_TYPE"

	// CodeTimeout: no confirmation within the entry timeout. Rolled back.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeTransport: the remote call failed. Rolled back.
	CodeTransport ErrorCode = "TRANSPORT"

	// CodeExecution: snapshot capture, optimistic apply or request building
	// failed before dispatch. Rolled back.
	CodeExecution ErrorCode = "EXECUTION"

	// CodeCommit: the commit callback rejected the confirmed result. Rolled back.
	CodeCommit ErrorCode = "COMMIT"

	// CodeStopped: the pipeline shut down while the instruction was live.
	CodeStopped ErrorCode = "STOPPED"
)

// Error is the typed error a caller receives when an instruction fails.
type Error struct {
	Code          ErrorCode
	Type          string
	CorrelationID string
	Message       string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Type != "" && e.CorrelationID != "" {
		msg = fmt.Sprintf("%s (type=%s, correlation=%s)", msg, e.Type, e.CorrelationID)
	} else if e.Type != "" {
		msg = fmt.Sprintf("%s (type=%s)", msg, e.Type)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the failure triggered an automatic rollback of
// an optimistic change (as opposed to being rejected before scheduling).
func (e *Error) Recoverable() bool {
	return e.Code != CodeValidation && e.Code != CodeUnknownType
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

func hasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsValidationError returns true if err is a VALIDATION error.
func IsValidationError(err error) bool { return hasCode(err, CodeValidation) }

// IsUnknownTypeError returns true if err is an UNKNOWN_TYPE error.
func IsUnknownTypeError(err error) bool { return hasCode(err, CodeUnknownType) }

// IsTimeoutError returns true if err is a TIMEOUT error.
func IsTimeoutError(err error) bool { return hasCode(err, CodeTimeout) }

// IsTransportError returns true if err is a TRANSPORT error.
func IsTransportError(err error) bool { return hasCode(err, CodeTransport) }

// IsStoppedError returns true if err is a STOPPED error.
func IsStoppedError(err error) bool { return hasCode(err, CodeStopped) }

// NewError creates an Error for the given instruction.
func NewError(code ErrorCode, inst *Instruction, msg string, cause error) *Error {
	e := &Error{Code: code, Message: msg, Err: cause}
	if inst != nil {
		e.Type = inst.Type
		e.CorrelationID = inst.CorrelationID
	}
	return e
}

// NewValidationError wraps a payload validation failure.
func NewValidationError(typ string, cause error) *Error {
	return &Error{Code: CodeValidation, Type: typ, Message: "payload rejected", Err: cause}
}

// NewUnknownTypeError reports a type with no registry entry.
func NewUnknownTypeError(typ string) *Error {
	return &Error{Code: CodeUnknownType, Type: typ, Message: fmt.Sprintf("no registry entry for %q", typ)}
}
