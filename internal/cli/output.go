package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // successful execution
	ExitFailure      = 1 // verification failure (bad signature, divergence, open conflicts)
	ExitCommandError = 2 // command error (bad config, database not found, etc.)
)

// ExitError carries a specific exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Response is the standard JSON envelope for CLI output.
type Response struct {
	Status string   `json:"status"` // "ok" or "error"
	Data   any      `json:"data,omitempty"`
	Error  *RespErr `json:"error,omitempty"`
}

// RespErr is the error body of a Response.
type RespErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON emits data inside the standard envelope.
func (f *OutputFormatter) JSON(data any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(Response{Status: "ok", Data: data})
}

// JSONError emits an error envelope.
func (f *OutputFormatter) JSONError(code, message string) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(Response{Status: "error", Error: &RespErr{Code: code, Message: message}})
}

// Textf writes formatted text output.
func (f *OutputFormatter) Textf(format string, args ...any) {
	fmt.Fprintf(f.Writer, format+"\n", args...)
}
