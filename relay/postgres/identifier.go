package postgres

import (
	"errors"
	"regexp"
	"strings"
)

const maxIdentifierLength = 63

// ErrInvalidIdentifier is returned for a name that is not a plain or
// schema-qualified SQL identifier.
var ErrInvalidIdentifier = errors.New("invalid sql identifier")

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateIdentifierPath checks every dot-separated part of path. Table
// names are interpolated into SQL, so only plain identifiers pass.
func ValidateIdentifierPath(path string) error {
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if len(part) > maxIdentifierLength || !identifierPattern.MatchString(part) {
			return ErrInvalidIdentifier
		}
	}

	return nil
}

// QuoteIdentifierPath double-quotes every part of a validated path.
func QuoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, `"`+strings.ReplaceAll(strings.TrimSpace(part), `"`, `""`)+`"`)
	}

	return strings.Join(quoted, ".")
}
