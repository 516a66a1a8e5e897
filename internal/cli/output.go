package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Exit codes of the ledgerflow binary.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a scenario, golden trace or stability run failed
	ExitCommandError = 2 // bad flags or an unusable config, scenario path or database
)

// Error codes reported in JSON error responses.
const (
	CodeScenarioFailed = "E_SCENARIO_FAILED"
	CodeScenario       = "E_SCENARIO"
	CodeConfig         = "E_CONFIG"
	CodeDatabase       = "E_DATABASE"
	CodeStability      = "E_STABILITY"
	CodeUsage          = "E_USAGE"
	CodeFailed         = "E_FAILED"
)

// ExitError carries the process exit code of a failed command and the
// error code shown to scripted callers.
type ExitError struct {
	Code    int
	Reason  string
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WithReason sets the error code reported for e.
func (e *ExitError) WithReason(reason string) *ExitError {
	e.Reason = reason
	return e
}

// NewExitError creates an ExitError with the given exit code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code and message.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code carried by err, or ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ReasonOf returns the error code for err. Command errors without an
// explicit reason report CodeUsage; anything else reports CodeFailed.
func ReasonOf(err error) string {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return CodeFailed
	}
	switch {
	case exitErr.Reason != "":
		return exitErr.Reason
	case exitErr.Code == ExitCommandError:
		return CodeUsage
	default:
		return CodeFailed
	}
}

// OutputFormatter writes command results as text or as a JSON CLIResponse.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// CLIResponse is the document every command writes in JSON mode.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data. Text mode prints it with its default formatting.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.Respond(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes an error response with the given code.
// Details are printed in text mode only when verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return f.Respond(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	if _, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message); err != nil {
		return err
	}
	if f.Verbose && details != nil {
		_, err := fmt.Fprintf(f.Writer, "Details: %v\n", details)
		return err
	}
	return nil
}

// Fail writes err as an error response, using its exit error reason as code.
func (f *OutputFormatter) Fail(err error) error {
	return f.Error(ReasonOf(err), err.Error(), nil)
}

// Respond writes resp as indented JSON.
func (f *OutputFormatter) Respond(resp CLIResponse) error {
	encoder := json.NewEncoder(f.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp)
}

// report writes a command error as a JSON error response so scripted callers
// always receive a document on stdout. Failures that already wrote their own
// response (scenario and stability results) are passed through untouched.
func (o *RootOptions) report(cmd *cobra.Command, err error) error {
	if err == nil || o.Format != "json" || GetExitCode(err) != ExitCommandError {
		return err
	}
	out := &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout(), Verbose: o.Verbose}
	if werr := out.Fail(err); werr != nil {
		return WrapExitError(ExitCommandError, "failed to write error response", errors.Join(err, werr))
	}
	return err
}
