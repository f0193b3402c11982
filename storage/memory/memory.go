// Package memory provides an in-memory persisted-query store backed by a
// concurrent hash-trie map, suitable for single-process deployments and
// tests.
package memory

import (
	"context"

	"github.com/go4org/hashtriemap"
	"github.com/gqlsse/graphql-sse-go/storage"
)

// Store implements storage.Store in process memory.
type Store struct {
	docs hashtriemap.HashTrieMap[string, string]
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

func (s *Store) Get(ctx context.Context, id string) (string, error) {
	doc, ok := s.docs.Load(id)
	if !ok {
		return "", storage.ErrNotFound
	}
	return doc, nil
}

func (s *Store) Set(ctx context.Context, id, document string) error {
	s.docs.Store(id, document)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.docs.LoadAndDelete(id)
	return nil
}

func (s *Store) Close() error { return nil }
