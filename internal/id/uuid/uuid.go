// Package uuid generates time-ordered identifiers for failure records and runs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewRunID returns a UUIDv7 identifying one crawl invocation, or "unknown" when the
// generator fails.
func (g Generator) NewRunID() string {
	id, err := g.NewID()
	if err != nil {
		return "unknown"
	}
	return id
}
