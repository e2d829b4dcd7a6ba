package ingest

import (
	"fmt"
	"path"
	"strings"

	"peerflow/internal/types"
)

// ValidateSafeFilename normalizes an archive member name to a bare basename
// and rejects anything that could escape the extraction prefix: empty or
// whitespace-only names, names containing "..", and absolute paths in either
// Unix or Windows form.
func ValidateSafeFilename(filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", types.NewAppError(
			types.ErrCodeSecurityUnsafePath,
			"invalid filename: empty or whitespace-only",
			nil,
		)
	}

	if strings.Contains(filename, "..") {
		return "", unsafePathError(filename)
	}

	if strings.HasPrefix(filename, "/") || strings.HasPrefix(filename, "\\") {
		return "", unsafePathError(filename)
	}

	// Windows drive-letter paths (C:\...) slip past the separator checks.
	if len(filename) > 1 && filename[1] == ':' {
		return "", unsafePathError(filename)
	}

	// Windows separators are not collapsed by path.Base; strip them first so
	// the basename cannot smuggle a backslash-delimited path.
	normalized := strings.ReplaceAll(filename, "\\", "/")
	return path.Base(normalized), nil
}

func unsafePathError(filename string) *types.AppError {
	return types.NewAppError(
		types.ErrCodeSecurityUnsafePath,
		fmt.Sprintf("potentially malicious file: %s", filename),
		nil,
	)
}
