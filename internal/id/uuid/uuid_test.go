// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected v7, got v%d", parsed.Version())
	}
}

// TestGeneratorInstanceID checks the host-prefixed instance format.
func TestGeneratorInstanceID(t *testing.T) {
	t.Parallel()

	id, err := New().InstanceID()
	if err != nil {
		t.Fatalf("InstanceID() error = %v", err)
	}
	if !strings.Contains(id, "-") || len(id) < 10 {
		t.Fatalf("unexpected instance id %q", id)
	}
}
