// Package uuid provides batch and fetcher instance ID generation.
package uuid

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings. v7 IDs sort by creation time, which
// keeps batch IDs ordered in logs and archives.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// InstanceID returns a fetcher instance name of the form
// "<hostname>-<first uuid group>", stable for the life of the process.
func (g Generator) InstanceID() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "fetcher"
	}
	short, _, _ := strings.Cut(id, "-")
	return fmt.Sprintf("%s-%s", strings.ToLower(host), short), nil
}
