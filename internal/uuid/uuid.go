// Package uuid issues the v4 identifiers given to local records and conflict
// log entries.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kimhsiao/caresync/internal/models"
)

// New returns a random v4 identifier.
func New() models.UUID {
	return models.UUID(uuid.NewString())
}

// Parse accepts only the hyphenated 36-character v4 form, in either case,
// and returns it lower-cased.
func Parse(s string) (models.UUID, error) {
	if len(s) != 36 {
		return "", fmt.Errorf("invalid id %q: want 36 characters", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return "", fmt.Errorf("invalid id %q: not a v4 uuid", s)
	}
	return models.UUID(id.String()), nil
}

// IsValid reports whether s is an id New could have issued.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}
