// Package client implements the client side of the GraphQL over
// Server-Sent Events transport.
//
// In distinct-connections mode (the default) every subscribed operation
// issues its own streaming POST and consumes the response body as SSE. In
// single-connection mode the client reserves a stream token with PUT,
// attaches one long-lived GET event stream, submits operations over POST
// correlated by generated operation ids, and cancels them with DELETE —
// the shape required when HTTP/1.1 connection limits make one stream per
// operation impractical.
//
// Transport-level failures (resets, unexpected EOF, 5xx handshakes) are
// retried with exponential backoff and jitter; after a reconnect every
// still-active subscription is re-submitted with a fresh id. GraphQL errors
// delivered inside a result payload are never retried.
//
// Sink callbacks are invoked from the engine's own goroutine. A disposer
// blocks until any in-flight callback has returned, so it must not be
// called from inside the sink's callbacks; Iterate is the reentrancy-safe
// surface for early termination.
package client
