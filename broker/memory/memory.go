// Package memory provides an in-memory implementation of the broker.Broker
// interface. It is the server's default and is suitable for single-process
// deployments and tests; state is local, so it cannot span instances.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gqlsse/graphql-sse-go/broker"
)

// Broker implements broker.Broker in process memory. Messages are retained
// per stream until Cleanup, bounding the queue to the stream's lifetime.
//
// Publish blocks until every active subscriber has consumed the message, so
// a slow consumer paces its producers the way a direct response write
// would.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
	counter atomic.Int64
}

// stream is one isolated message log with per-subscriber cursors.
type stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	log     []broker.MessageEnvelope
	cursors map[*int]struct{}
	closed  bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{streams: make(map[string]*stream)}
}

func (b *Broker) get(name string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		s = &stream{cursors: make(map[*int]struct{})}
		s.cond = sync.NewCond(&s.mu)
		b.streams[name] = s
	}
	return s
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, streamName string, message broker.Message) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	s := b.get(streamName)
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("stream %q has been cleaned up", streamName)
	}

	eventID := strconv.FormatInt(b.counter.Add(1), 10)
	s.log = append(s.log, broker.MessageEnvelope{ID: eventID, Data: []byte(message)})
	idx := len(s.log) - 1
	s.cond.Broadcast()

	// Backpressure: wait for every current subscriber to move past this
	// message. With no subscribers the message just sits in the log for
	// replay on attach.
	for !s.closed && ctx.Err() == nil && s.lagging(idx) {
		s.cond.Wait()
	}

	return eventID, nil
}

// lagging reports whether any subscriber has not yet consumed log[idx].
// Caller holds s.mu.
func (s *stream) lagging(idx int) bool {
	for cur := range s.cursors {
		if *cur <= idx {
			return true
		}
	}
	return false
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, streamName string, lastEventID string, handler broker.MessageHandler) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s := b.get(streamName)
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	cur := 0
	if lastEventID != "" {
		for i, env := range s.log {
			if env.ID == lastEventID {
				cur = i + 1
				break
			}
		}
		// An unknown lastEventID replays from the beginning: the protocol
		// never resumes by event id, so correctness beats economy here.
	}
	s.cursors[&cur] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.cursors, &cur)
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		for cur >= len(s.log) && !s.closed && ctx.Err() == nil {
			s.cond.Wait()
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return ctx.Err()
		}
		if cur >= len(s.log) {
			// Cleaned up and fully drained.
			s.mu.Unlock()
			return nil
		}
		env := s.log[cur]
		s.mu.Unlock()

		if err := handler(ctx, env); err != nil {
			return err
		}

		s.mu.Lock()
		cur++
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, streamName string) error {
	b.mu.Lock()
	s, ok := b.streams[streamName]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.streams, streamName)
	b.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

var _ broker.Broker = (*Broker)(nil)
