package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	graphqlsse "github.com/gqlsse/graphql-sse-go"
)

// OIDC validates bearer tokens against an issuer located via OIDC discovery.
type OIDC struct {
	verifier *oidc.IDTokenVerifier
	realm    string
}

// NewOIDC performs issuer discovery and returns an authenticator verifying
// token signature, issuer, audience and expiry.
func NewOIDC(ctx context.Context, issuer, audience string, opts ...OIDCOption) (*OIDC, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", issuer, err)
	}
	o := &OIDC{verifier: provider.Verifier(&oidc.Config{ClientID: audience})}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// OIDCOption configures an OIDC authenticator.
type OIDCOption func(*OIDC)

// WithOIDCRealm sets the realm attribute of WWW-Authenticate challenges.
func WithOIDCRealm(realm string) OIDCOption {
	return func(o *OIDC) { o.realm = realm }
}

// Authenticate implements Authenticator.
func (o *OIDC) Authenticate(r *http.Request) (string, *graphqlsse.Response, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return "", challengeResponse(http.StatusUnauthorized, o.realm, nil), nil
	}
	if _, err := o.verifier.Verify(r.Context(), raw); err != nil {
		return "", challengeResponse(http.StatusUnauthorized, o.realm, map[string]string{
			"error":             "invalid_token",
			"error_description": err.Error(),
		}), nil
	}
	return DefaultToken(r), nil, nil
}
