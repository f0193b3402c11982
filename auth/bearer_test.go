package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	graphqlsse "github.com/gqlsse/graphql-sse-go"
)

var secret = []byte("test-secret")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestBearerMissingCredentials(t *testing.T) {
	b := NewHMAC(secret, WithRealm("graphql"))
	r := httptest.NewRequest(http.MethodPost, "/graphql/stream", nil)

	_, override, err := b.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if override == nil || override.Status != http.StatusUnauthorized {
		t.Fatalf("override = %+v, want 401", override)
	}
	ch := override.Header.Get("WWW-Authenticate")
	if ch != `Bearer realm="graphql"` {
		t.Fatalf("challenge = %q", ch)
	}
}

func TestBearerInvalidToken(t *testing.T) {
	b := NewHMAC(secret)
	r := httptest.NewRequest(http.MethodPost, "/graphql/stream", nil)
	r.Header.Set("Authorization", "Bearer not-a-jwt")

	_, override, err := b.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if override == nil || override.Status != http.StatusUnauthorized {
		t.Fatalf("override = %+v, want 401", override)
	}
	if !strings.Contains(override.Header.Get("WWW-Authenticate"), `error="invalid_token"`) {
		t.Fatalf("challenge = %q, want invalid_token", override.Header.Get("WWW-Authenticate"))
	}
}

func TestBearerExpiredToken(t *testing.T) {
	b := NewHMAC(secret, WithLeeway(time.Second))
	r := httptest.NewRequest(http.MethodPost, "/graphql/stream", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}))

	_, override, _ := b.Authenticate(r)
	if override == nil || override.Status != http.StatusUnauthorized {
		t.Fatalf("override = %+v, want 401", override)
	}
}

func TestBearerValidTokenAppliesDefaultPolicy(t *testing.T) {
	b := NewHMAC(secret, WithIssuer("https://issuer.test"))
	raw := signToken(t, jwt.MapClaims{
		"sub": "alice",
		"iss": "https://issuer.test",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	t.Run("PUT mints a token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/graphql/stream", nil)
		r.Header.Set("Authorization", "Bearer "+raw)
		tok, override, err := b.Authenticate(r)
		if err != nil || override != nil {
			t.Fatalf("Authenticate = %q, %+v, %v", tok, override, err)
		}
		if tok == "" {
			t.Fatal("expected minted token for PUT")
		}
	})

	t.Run("POST echoes the stream header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/graphql/stream", nil)
		r.Header.Set("Authorization", "Bearer "+raw)
		r.Header.Set(graphqlsse.StreamTokenHeader, "tok-123")
		tok, override, err := b.Authenticate(r)
		if err != nil || override != nil {
			t.Fatalf("Authenticate = %q, %+v, %v", tok, override, err)
		}
		if tok != "tok-123" {
			t.Fatalf("token = %q, want tok-123", tok)
		}
	})

	t.Run("distinct request carries no token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/graphql/stream", nil)
		r.Header.Set("Authorization", "Bearer "+raw)
		tok, override, err := b.Authenticate(r)
		if err != nil || override != nil {
			t.Fatalf("Authenticate = %q, %+v, %v", tok, override, err)
		}
		if tok != "" {
			t.Fatalf("token = %q, want empty", tok)
		}
	})
}

func TestBearerRejectsWrongIssuer(t *testing.T) {
	b := NewHMAC(secret, WithIssuer("https://issuer.test"))
	r := httptest.NewRequest(http.MethodPost, "/graphql/stream", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
		"sub": "alice",
		"iss": "https://other.test",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))

	_, override, _ := b.Authenticate(r)
	if override == nil || override.Status != http.StatusUnauthorized {
		t.Fatalf("override = %+v, want 401", override)
	}
}
