package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	graphqlsse "github.com/gqlsse/graphql-sse-go"
)

// Bearer validates JWT bearer tokens. Construct via NewHMAC or NewJWKS.
type Bearer struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
	algs     []string
	leeway   time.Duration
	realm    string
}

// BearerOption configures a Bearer authenticator.
type BearerOption func(*Bearer)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) BearerOption {
	return func(b *Bearer) { b.issuer = iss }
}

// WithAudience requires the aud claim to contain the value.
func WithAudience(aud string) BearerOption {
	return func(b *Bearer) { b.audience = aud }
}

// WithAlgorithms restricts accepted signing algorithms.
func WithAlgorithms(algs ...string) BearerOption {
	return func(b *Bearer) { b.algs = algs }
}

// WithLeeway sets the accepted clock skew. Default 60s.
func WithLeeway(d time.Duration) BearerOption {
	return func(b *Bearer) { b.leeway = d }
}

// WithRealm sets the realm attribute of WWW-Authenticate challenges. If
// empty (default) the attribute is omitted per RFC 6750.
func WithRealm(realm string) BearerOption {
	return func(b *Bearer) { b.realm = realm }
}

// NewHMAC creates a Bearer authenticator for tokens signed with a shared
// HMAC secret.
func NewHMAC(secret []byte, opts ...BearerOption) *Bearer {
	b := &Bearer{
		keyfunc: func(t *jwt.Token) (any, error) { return secret, nil },
		algs:    []string{"HS256"},
		leeway:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewJWKS creates a Bearer authenticator resolving signing keys from a
// remote JWK Set. The key set is fetched eagerly and refreshed in the
// background until ctx is canceled.
func NewJWKS(ctx context.Context, jwksURL string, opts ...BearerOption) (*Bearer, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("load jwks %s: %w", jwksURL, err)
	}
	b := &Bearer{
		keyfunc: kf.Keyfunc,
		algs:    []string{"RS256"},
		leeway:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Authenticate implements Authenticator.
func (b *Bearer) Authenticate(r *http.Request) (string, *graphqlsse.Response, error) {
	raw, ok := bearerToken(r)
	if !ok {
		// RFC 6750 §3.1: no credentials supplied means no error code, just
		// the bare challenge.
		return "", challengeResponse(http.StatusUnauthorized, b.realm, nil), nil
	}

	parseOpts := []jwt.ParserOption{
		jwt.WithValidMethods(b.algs),
		jwt.WithLeeway(b.leeway),
		jwt.WithExpirationRequired(),
	}
	if b.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(b.issuer))
	}
	if b.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(b.audience))
	}

	if _, err := jwt.NewParser(parseOpts...).Parse(raw, b.keyfunc); err != nil {
		return "", challengeResponse(http.StatusUnauthorized, b.realm, map[string]string{
			"error":             "invalid_token",
			"error_description": err.Error(),
		}), nil
	}

	return DefaultToken(r), nil, nil
}
