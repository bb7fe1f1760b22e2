// Package uuid generates job and lock-owner identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/sitemirror/internal/mirror"
)

var _ mirror.IDGenerator = Generator{}

// Generator creates UUIDv7 strings. They sort by creation time, so job IDs in
// logs and published events order the same way the jobs ran.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
