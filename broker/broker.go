// Package broker defines the message plane behind single-connection event
// streams: ordered, stream-token-isolated delivery of framed protocol
// events from the operations that produce them to the attached consumer.
//
// The in-memory implementation (broker/memory) serves single-process
// deployments and is the server's default. The Redis Streams implementation
// (broker/redis) lets results published by one process instance reach the
// event stream held by another.
package broker

import "context"

// Message is an opaque framed protocol event as published by the stream
// registry.
type Message []byte

// MessageEnvelope wraps a message with its delivery metadata.
type MessageEnvelope struct {
	// ID is a unique, monotonically increasing identifier for this message
	// within its stream.
	ID string `json:"id"`
	// Data is the serialized message content.
	Data []byte `json:"data"`
}

// MessageHandler consumes one envelope. Returning an error stops the
// subscription and propagates out of Subscribe.
type MessageHandler func(ctx context.Context, env MessageEnvelope) error

// Broker handles message queuing and delivery for the single-connection
// event plane. It provides stream-isolated, ordered delivery within each
// stream token.
type Broker interface {
	// Publish stores message on the stream and returns its generated event
	// ID.
	Publish(ctx context.Context, stream string, message Message) (eventID string, err error)

	// Subscribe delivers the stream's messages to handler in publish order.
	// An empty lastEventID replays from the beginning of the stream;
	// otherwise delivery resumes after the identified message. Subscribe
	// blocks until ctx is canceled or handler returns an error. Whether
	// Cleanup also ends it depends on the implementation: the memory broker
	// returns once the stream is cleaned up and drained, the Redis broker
	// keeps reading until ctx is canceled.
	Subscribe(ctx context.Context, stream string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all resources associated with a stream, including
	// stored messages.
	Cleanup(ctx context.Context, stream string) error
}
