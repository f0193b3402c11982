package auth

import (
	"net/http"

	graphqlsse "github.com/gqlsse/graphql-sse-go"
	"github.com/google/uuid"
)

// Authenticator authenticates an incoming request before routing. It returns
// either the stream token the request proceeds with (the empty string means
// no token, i.e. distinct mode), or a non-nil response override that is sent
// verbatim. A non-nil error signals an internal failure and maps to 500.
type Authenticator interface {
	Authenticate(r *http.Request) (token string, override *graphqlsse.Response, err error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (string, *graphqlsse.Response, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, *graphqlsse.Response, error) {
	return f(r)
}

// DefaultToken implements the default stream-token policy: a fresh
// cryptographically random token for PUT (stream reservation), the
// X-GraphQL-Event-Stream-Token header value for everything else.
func DefaultToken(r *http.Request) string {
	if r.Method == http.MethodPut {
		return uuid.NewString()
	}
	return r.Header.Get(graphqlsse.StreamTokenHeader)
}

// Default is the authenticator used when none is configured: no credential
// check, default token policy.
func Default() Authenticator {
	return AuthenticatorFunc(func(r *http.Request) (string, *graphqlsse.Response, error) {
		return DefaultToken(r), nil, nil
	})
}
