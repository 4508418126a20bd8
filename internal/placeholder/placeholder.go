// Package placeholder substitutes {{ name }} tokens with values from a
// recipient row.
package placeholder

import (
	"regexp"
	"strings"

	"github.com/foxzi/mailbatch/internal/dataset"
)

// Lookuper resolves a placeholder name to a value. Implementations match
// names case-insensitively and report nil values as absent.
type Lookuper interface {
	Lookup(name string) (any, bool)
}

// pattern matches {{ identifier }} with optional inner whitespace
var pattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Render replaces every resolvable placeholder in text. Unresolved
// placeholders stay verbatim. A nil row returns text unchanged.
//
// Substitution is a single pass: a value that itself contains a
// placeholder is inserted as is, so rendering the output again resolves
// that token too. Render is idempotent only for rows whose values carry
// no resolvable placeholders.
func Render(text string, row Lookuper) string {
	if text == "" || isNil(row) {
		return text
	}

	return pattern.ReplaceAllStringFunc(text, func(match string) string {
		name := pattern.FindStringSubmatch(match)[1]
		if v, ok := row.Lookup(name); ok {
			return dataset.ValueString(v)
		}
		return match
	})
}

// Names returns the distinct placeholder names in text, in order of
// first appearance.
func Names(text string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		key := strings.ToLower(m[1])
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, m[1])
	}
	return names
}

// Missing returns the placeholder names in text that row cannot resolve
func Missing(text string, row Lookuper) []string {
	var missing []string
	for _, name := range Names(text) {
		if isNil(row) {
			missing = append(missing, name)
			continue
		}
		if _, ok := row.Lookup(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func isNil(row Lookuper) bool {
	if row == nil {
		return true
	}
	if r, ok := row.(*dataset.Row); ok && r == nil {
		return true
	}
	return false
}
