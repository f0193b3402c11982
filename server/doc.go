// Package server implements the server side of the GraphQL over
// Server-Sent Events transport. It mounts as a standard net/http handler on
// a single user-chosen path and dispatches by HTTP verb:
//
//   - PUT reserves a single-connection stream and responds with its token.
//   - GET with the X-GraphQL-Event-Stream-Token header attaches to a
//     reserved stream; without it, GET serves the operation encoded in the
//     query string as a distinct-connections stream (EventSource clients).
//   - POST with the token header submits an operation onto a reserved
//     stream and responds 202; without it, POST executes the operation and
//     streams the results in the response body.
//   - DELETE with the token header cancels an in-flight operation.
//
// GraphQL parsing, validation and execution are delegated to
// github.com/graphql-go/graphql; results pass through the transport
// untouched.
//
// Construction
//
//	h, err := server.New(schema,
//	    server.WithLogger(log),
//	    server.WithKeepAlive(12*time.Second),
//	)
//	mux := http.NewServeMux()
//	mux.Handle("/graphql/stream", h)
//
// # Concurrency
//
// Each attached stream serializes writes through a locked flusher. Results
// flow from operations to the stream through a broker (package broker);
// with the default in-process broker a publish blocks until the consumer
// caught up, so slow consumers pace subscription execution naturally. The
// reservation registry is the only shared mutable state and permits
// concurrent lookups.
//
// # Scaling
//
// Event delivery follows the configured broker: with WithBroker and the
// Redis broker, results published by an operation on one instance reach an
// event stream attached on another, decoupling execution from the process
// that holds the HTTP response. Reservation bookkeeping (attach-once,
// operation ids, cancellation triggers) remains process-local, so
// sticky-free routing of a token's PUT, POST, GET and DELETE additionally
// requires sharing that state; deployments without it pin those requests
// to one process per token. Distinct-connections mode has no such
// constraint.
package server
