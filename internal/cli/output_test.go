package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"command error", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped", fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "inner")), ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapExitError(ExitFailure, "write snapshot", cause)
	assert.Equal(t, "write snapshot: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "bad flag", NewExitError(ExitCommandError, "bad flag").Error())
}

func TestFormatterText(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}

	require.NoError(t, f.Success(map[string]int{"n": 1}, "done"))
	require.NoError(t, f.Success(42, ""))
	require.NoError(t, f.Error("E005", "not found", "contacts"))
	require.NoError(t, f.Fail("E004", "1 failed", nil, "summary"))

	assert.Equal(t, "done\n42\nError [E005]: not found\nDetails: contacts\nsummary\nError [E004]: 1 failed\n", buf.String())
}

func TestFormatterJSON(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	require.True(t, f.JSON())

	require.NoError(t, f.Fail("E004", "1 failed", map[string]int{"failed": 1}, "ignored"))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E004", resp.Error.Code)
	assert.Equal(t, map[string]any{"failed": float64(1)}, resp.Data)
	assert.NotContains(t, buf.String(), "ignored")
}
