package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/relay/internal/instruction"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a scenario, assertion or validation failed
	ExitCommandError = 2 // bad flags, missing files, unreadable journal
)

// Codes reported in CLIError.Code when the error carries no
// instruction.ErrorCode of its own.
const (
	CodeInvalid = "E_INVALID"
	CodeCommand = "E_COMMAND"
	CodeFailed  = "E_FAILED"
)

// ExitError is an error that selects the process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError wrapping err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code selected by err. Errors that are not an
// *ExitError map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ErrorCode names err for machine-readable output. An instruction error in
// the chain wins (TIMEOUT, TRANSPORT, ...); otherwise the exit code decides.
func ErrorCode(err error) string {
	if code := instruction.CodeOf(err); code != "" {
		return string(code)
	}
	if GetExitCode(err) == ExitCommandError {
		return CodeCommand
	}
	return CodeFailed
}

// OutputFormatter writes command results as text or a JSON envelope.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose output; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error half of CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data.
func (f *OutputFormatter) Success(data any) error {
	if f.Format != "json" {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
}

// Error writes an error with an explicit code.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format != "json" {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
		if f.Verbose && details != nil {
			fmt.Fprintf(f.Writer, "Details: %v\n", details)
		}
		return nil
	}
	return json.NewEncoder(f.Writer).Encode(CLIResponse{
		Status: "error",
		Error:  &CLIError{Code: code, Message: message, Details: details},
	})
}

// Fail writes err under the code ErrorCode derives for it.
func (f *OutputFormatter) Fail(err error, details any) error {
	return f.Error(ErrorCode(err), err.Error(), details)
}

// VerboseLog writes a line to ErrWriter when Verbose is set.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// reportCommandError writes command errors as a JSON envelope in JSON mode,
// so scripted callers get a parseable body as well as the exit code.
// Assertion failures already have their own report and are left alone.
func reportCommandError(opts *RootOptions, w io.Writer, err error) error {
	if err != nil && opts.Format == "json" && GetExitCode(err) == ExitCommandError {
		f := &OutputFormatter{Format: "json", Writer: w}
		_ = f.Fail(err, nil)
	}
	return err
}
