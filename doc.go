// Package graphqlsse defines the shared protocol surface for the GraphQL
// over Server-Sent Events transport: the operation request shape, the
// raw-JSON execution result carried on the wire, and the HTTP conventions
// (headers, media types) both sides agree on.
//
// The transport runs GraphQL queries, mutations and subscriptions over plain
// HTTP/1.1 responses framed as SSE. It supports two interoperating modes:
//
//   - Distinct connections: one SSE stream per operation. The operation is
//     submitted in-band (POST body or GET query string) and its results are
//     the stream body.
//   - Single connection: one SSE stream per client, multiplexing many
//     operations addressed by id. Operation submission and cancellation
//     travel over separate HTTP requests correlated by a stream token.
//
// The server side lives in package server; the client side in package
// client. GraphQL parsing, validation and execution are delegated to
// github.com/graphql-go/graphql.
package graphqlsse
