// Package categorize files incoming objects into category-scoped
// destinations based on per-peer filename patterns, optionally transforming
// content on the way.
package categorize

import (
	"fmt"
	"strings"

	"peerflow/internal/types"
)

// Transformer rewrites text content before it is stored at a categorized
// destination.
type Transformer interface {
	Transform(content string) string
}

// transformerRegistry maps configured transformation names to constructors.
var transformerRegistry = map[string]func() Transformer{
	"RemoveNewlinesInCsvFieldsTransformer": func() Transformer {
		return RemoveNewlinesInCsvFieldsTransformer{}
	},
}

// NewTransformer returns the transformer registered under name, or a
// validation error for unknown names.
func NewTransformer(name string) (Transformer, error) {
	if constructor, ok := transformerRegistry[name]; ok {
		return constructor(), nil
	}
	return nil, types.NewAppError(
		types.ErrCodeValidationBadTransformer,
		fmt.Sprintf("invalid transformer name: %s", name),
		nil,
	)
}

// RemoveNewlinesInCsvFieldsTransformer replaces newlines inside quoted CSV
// fields with a pipe delimiter. Query engines expect a newline to start a
// new record, not a new line within a field.
//
// The input CSV must escape fields containing commas or newlines with double
// quotes, and literal double quotes inside a field must be doubled.
type RemoveNewlinesInCsvFieldsTransformer struct{}

// Transform scans the content tracking quote state and replaces each newline
// found inside quotes with " | ".
func (RemoveNewlinesInCsvFieldsTransformer) Transform(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inQuotes := false
	for _, char := range content {
		if char == '"' {
			inQuotes = !inQuotes
		}
		if char == '\n' && inQuotes {
			out.WriteString(" | ")
		} else {
			out.WriteRune(char)
		}
	}
	return out.String()
}
