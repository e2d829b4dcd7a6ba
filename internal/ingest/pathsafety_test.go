package ingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerflow/internal/types"
)

func TestValidateSafeFilenameAccepts(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"report.csv", "report.csv"},
		{"nested/report.csv", "report.csv"},
		{"deep/nested/report.csv", "report.csv"},
		{"with spaces and (parens).txt", "with spaces and (parens).txt"},
	}

	for _, tt := range tests {
		got, err := ValidateSafeFilename(tt.input)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestValidateSafeFilenameRejects(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"../escape.txt",
		"dir/../../escape.txt",
		"/etc/passwd",
		"\\windows\\system32",
		"C:\\windows\\evil.exe",
	}

	for _, input := range inputs {
		_, err := ValidateSafeFilename(input)
		require.Error(t, err, "input %q", input)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr), "input %q", input)
		assert.Equal(t, types.ErrCodeSecurityUnsafePath, appErr.Code, "input %q", input)
	}
}
