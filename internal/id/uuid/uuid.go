// Package uuid generates identifiers for queued scans and API requests.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements monitor.IDGenerator with time-ordered UUIDv7 values.
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

// MustID is NewID for call sites where entropy failure is unrecoverable.
func (g Generator) MustID() string {
	id, err := g.NewID()
	if err != nil {
		panic(err)
	}
	return id
}
