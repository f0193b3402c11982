package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	graphqlsse "github.com/gqlsse/graphql-sse-go"
	"github.com/gqlsse/graphql-sse-go/storage"
)

// PersistedQueries returns an OnSubscribe hook resolving
// extensions.persistedQuery against store. A submission whose extensions
// carry a persisted-query id has its query text replaced by the stored
// document; an unknown id is rejected with 404. Requests without the
// extension pass through untouched.
//
// When allowArbitrary is false, submissions carrying their own query text
// are rejected, locking the server down to the stored catalog.
func PersistedQueries(store storage.Store, allowArbitrary bool) OnSubscribeFunc {
	return func(ctx context.Context, r *http.Request, req *graphqlsse.Request) (*ExecutionArgs, *graphqlsse.Response, error) {
		id, ok := persistedQueryID(req)
		if !ok {
			if !allowArbitrary {
				return nil, &graphqlsse.Response{
					Status: http.StatusBadRequest,
					Body:   []byte("only persisted queries are accepted"),
				}, nil
			}
			return nil, nil, nil
		}

		doc, err := store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, &graphqlsse.Response{
					Status: http.StatusNotFound,
					Body:   []byte(fmt.Sprintf("persisted query %q not found", id)),
				}, nil
			}
			return nil, nil, fmt.Errorf("resolve persisted query %q: %w", id, err)
		}

		req.Query = doc
		return nil, nil, nil
	}
}

// persistedQueryID extracts extensions.persistedQuery when it is a non-empty
// string.
func persistedQueryID(req *graphqlsse.Request) (string, bool) {
	if req.Extensions == nil {
		return "", false
	}
	id, ok := req.Extensions["persistedQuery"].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
