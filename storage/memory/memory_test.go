package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/gqlsse/graphql-sse-go/storage"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "greetings", "subscription { greetings }"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	doc, err := s.Get(ctx, "greetings")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc != "subscription { greetings }" {
		t.Fatalf("Get = %q", doc)
	}

	if err := s.Set(ctx, "greetings", "{ hello }"); err != nil {
		t.Fatalf("Set replace: %v", err)
	}
	doc, _ = s.Get(ctx, "greetings")
	if doc != "{ hello }" {
		t.Fatalf("Get after replace = %q", doc)
	}

	if err := s.Delete(ctx, "greetings"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "greetings"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after Delete err = %v, want ErrNotFound", err)
	}

	// Deleting an absent id is not an error.
	if err := s.Delete(ctx, "greetings"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}
