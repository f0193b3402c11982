// Package auth provides pluggable authentication for the server engine's
// authenticate hook. An Authenticator inspects the incoming HTTP request
// before routing and either yields the stream token the request proceeds
// with, or a verbatim HTTP response override rejecting it.
//
// The package ships three ready-made bearer-token authenticators:
//
//   - NewHMAC validates JWTs signed with a shared HMAC secret.
//   - NewJWKS validates JWTs against a remote JWK Set.
//   - NewOIDC validates tokens via OIDC issuer discovery.
//
// All of them apply the default stream-token policy after a successful
// check: a fresh random token for PUT (stream reservation) and the
// X-GraphQL-Event-Stream-Token header value for everything else. An empty
// header is acceptable and means the request runs in distinct mode. Failures
// surface RFC 6750 Bearer challenges in WWW-Authenticate.
package auth
