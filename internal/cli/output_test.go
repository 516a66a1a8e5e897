package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeResponse(t *testing.T, buf *bytes.Buffer) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
	return resp
}

func TestOutputFormatter_SuccessJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, out.Success(InitResult{Path: "bank.yaml", Party: "bank"}))

	resp := decodeResponse(t, buf)
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"path": "bank.yaml", "party": "bank"}, resp.Data)
}

func TestOutputFormatter_SuccessText(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, out.Success("Wrote bank.yaml for party bank"))
	assert.Equal(t, "Wrote bank.yaml for party bank\n", buf.String())
}

func TestOutputFormatter_ErrorText(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		verbose bool
		details any
		want    string
	}{
		{
			name: "config",
			code: CodeConfig,
			want: "Error [E_CONFIG]: config file not found\n",
		},
		{
			name:    "details hidden without verbose",
			code:    CodeScenario,
			details: []string{"steps[0]: unknown party"},
			want:    "Error [E_SCENARIO]: config file not found\n",
		},
		{
			name:    "details shown when verbose",
			code:    CodeScenario,
			verbose: true,
			details: []string{"steps[0]: unknown party"},
			want:    "Error [E_SCENARIO]: config file not found\nDetails: [steps[0]: unknown party]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			out := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}
			require.NoError(t, out.Error(tt.code, "config file not found", tt.details))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestOutputFormatter_ErrorJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, out.Error(CodeScenario, "invalid scenario", []string{"steps[0]: unknown party"}))

	resp := decodeResponse(t, buf)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_SCENARIO", resp.Error.Code)
	assert.Equal(t, "invalid scenario", resp.Error.Message)
	assert.Equal(t, []any{"steps[0]: unknown party"}, resp.Error.Details)
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"explicit reason", NewExitError(ExitCommandError, "database not found").WithReason(CodeDatabase), CodeDatabase},
		{"wrapped explicit reason", fmt.Errorf("run: %w", NewExitError(ExitFailure, "x").WithReason(CodeStability)), CodeStability},
		{"command error without reason", NewExitError(ExitCommandError, "bad flag"), CodeUsage},
		{"failure without reason", NewExitError(ExitFailure, "1 scenario(s) failed"), CodeFailed},
		{"plain error", assert.AnError, CodeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonOf(tt.err))
		})
	}
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &OutputFormatter{Format: "json", Writer: buf}

	err := WrapExitError(ExitCommandError, "failed to load config", assert.AnError).WithReason(CodeConfig)
	require.NoError(t, out.Fail(err))

	resp := decodeResponse(t, buf)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConfig, resp.Error.Code)
	assert.Equal(t, err.Error(), resp.Error.Message)
}

func TestReport(t *testing.T) {
	cmdErr := NewExitError(ExitCommandError, "database not found").WithReason(CodeDatabase)
	failure := NewExitError(ExitFailure, "2 payment(s) failed").WithReason(CodeStability)

	tests := []struct {
		name     string
		format   string
		err      error
		wantCode string
	}{
		{"json command error", "json", cmdErr, CodeDatabase},
		{"text command error", "text", cmdErr, ""},
		{"json failure writes nothing", "json", failure, ""},
		{"no error", "json", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			cmd := &cobra.Command{}
			cmd.SetOut(buf)

			got := (&RootOptions{Format: tt.format}).report(cmd, tt.err)
			assert.Equal(t, tt.err, got)

			if tt.wantCode == "" {
				assert.Empty(t, buf.String())
				return
			}
			resp := decodeResponse(t, buf)
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}
