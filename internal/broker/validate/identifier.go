// Package validate checks client-supplied identifiers before they are
// used as registry and queue keys.
package validate

import (
	"fmt"
	"regexp"
)

const maxIdentifierLen = 128

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)

// Identifier validates a routing identifier (workspace_id, client_id,
// bridge_id, surface_type, execution_id). Allowed characters are
// [a-zA-Z0-9-_.], maximum 128 characters. Unlike free-form text these
// are never sanitized: a key that needs cleaning is a protocol error.
func Identifier(fieldName, value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("%s must not be empty", fieldName)
	}
	if len(value) > maxIdentifierLen {
		return "", fmt.Errorf("%s must be at most %d characters", fieldName, maxIdentifierLen)
	}
	if !identifierPattern.MatchString(value) {
		return "", fmt.Errorf("%s must contain only letters, numbers, and - _ . characters", fieldName)
	}
	return value, nil
}

// OptionalIdentifier validates value like Identifier but accepts the
// empty string, returning it unchanged.
func OptionalIdentifier(fieldName, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	return Identifier(fieldName, value)
}
