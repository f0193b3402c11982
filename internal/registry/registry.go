// Package registry tracks single-connection stream reservations: the mapping
// from stream token to the pending operations and the attached consumer.
// Event delivery runs through a broker.Broker, so results published by an
// operation reach the attached stream wherever the broker can span; the
// reservation bookkeeping itself (attach-once, operation ids, cancellation
// triggers) is process-local.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go4org/hashtriemap"
	"github.com/gqlsse/graphql-sse-go/broker"
)

var (
	// ErrTokenExists is returned when reserving a token that is already held.
	ErrTokenExists = errors.New("stream token already reserved")

	// ErrAlreadyConsumed is returned on a second attach for the same token.
	ErrAlreadyConsumed = errors.New("stream already consumed")

	// ErrDuplicateOperation is returned when an operation id is already in
	// flight on the reservation.
	ErrDuplicateOperation = errors.New("duplicate operation id")
)

// EventSink delivers framed protocol events to the attached consumer.
type EventSink interface {
	SendEvent(name string, data []byte) error
}

// envelope is the broker representation of one framed protocol event.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Registry is the process-local token → reservation map. Lookups are
// lock-free; per-reservation state is guarded by the reservation's own mutex.
type Registry struct {
	streams     hashtriemap.HashTrieMap[string, *Reservation]
	broker      broker.Broker
	idleTimeout time.Duration
}

// New creates a registry delivering events through b. Reservations that are
// never consumed are destroyed after idleTimeout to bound memory; zero
// disables eviction.
func New(idleTimeout time.Duration, b broker.Broker) *Registry {
	return &Registry{broker: b, idleTimeout: idleTimeout}
}

// Reserve registers an empty reservation under token.
func (r *Registry) Reserve(token string) (*Reservation, error) {
	ctx, cancel := context.WithCancel(context.Background())
	res := &Reservation{
		registry:  r,
		token:     token,
		ctx:       ctx,
		cancel:    cancel,
		attached:  make(chan struct{}),
		ops:       make(map[string]*operation),
		createdAt: time.Now(),
	}
	res.lastActive = res.createdAt

	if _, loaded := r.streams.LoadOrStore(token, res); loaded {
		cancel()
		return nil, ErrTokenExists
	}

	if r.idleTimeout > 0 {
		res.idleTimer = time.AfterFunc(r.idleTimeout, func() {
			res.mu.Lock()
			unclaimed := !res.consumed
			res.mu.Unlock()
			if unclaimed {
				res.Destroy()
			}
		})
	}

	return res, nil
}

// Get returns the live reservation for token, if any.
func (r *Registry) Get(token string) (*Reservation, bool) {
	return r.streams.Load(token)
}

// Len reports the number of live reservations.
func (r *Registry) Len() int {
	n := 0
	r.streams.Range(func(string, *Reservation) bool {
		n++
		return true
	})
	return n
}

// Reservation is one reserved single-connection stream: its token, the
// operations in flight and the attachment state of its consumer.
type Reservation struct {
	registry  *Registry
	token     string
	ctx       context.Context
	cancel    context.CancelFunc
	attached  chan struct{}
	idleTimer *time.Timer

	mu         sync.Mutex
	consumed   bool
	destroyed  bool
	ops        map[string]*operation
	createdAt  time.Time
	lastActive time.Time
}

type operation struct {
	id     string
	cancel context.CancelFunc
}

// Token returns the reservation's stream token.
func (s *Reservation) Token() string { return s.token }

// Context is canceled when the reservation is destroyed. Operation execution
// derives from it so that closing the stream cancels every producer.
func (s *Reservation) Context() context.Context { return s.ctx }

// Consume claims the reservation for its one consumer. A token is valid for
// exactly one attach; a second call fails with ErrAlreadyConsumed.
// Operations do not see the attachment until Open is called, so the
// consumer can finish its response preamble first.
func (s *Reservation) Consume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return context.Canceled
	}
	if s.consumed {
		return ErrAlreadyConsumed
	}
	s.consumed = true
	s.lastActive = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	return nil
}

// Open releases operations waiting on Attached. Call once the response
// headers are on the wire.
func (s *Reservation) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || !s.consumed {
		return
	}
	select {
	case <-s.attached:
	default:
		close(s.attached)
	}
}

// Attached is closed once a consumer has attached and its stream is ready
// for events.
func (s *Reservation) Attached() <-chan struct{} { return s.attached }

// Send publishes one framed event onto the reservation's stream.
func (s *Reservation) Send(ctx context.Context, name string, data []byte) error {
	env, err := json.Marshal(envelope{Event: name, Data: data})
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
	if _, err := s.registry.broker.Publish(ctx, s.token, env); err != nil {
		return fmt.Errorf("publish stream event: %w", err)
	}
	return nil
}

// Forward consumes the reservation's stream from its beginning and hands
// each event to sink, in publish order. It blocks until ctx is canceled,
// the reservation is destroyed, or sink fails; a nil return means the
// stream ended normally.
func (s *Reservation) Forward(ctx context.Context, sink EventSink) error {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err := s.registry.broker.Subscribe(fctx, s.token, "", func(_ context.Context, me broker.MessageEnvelope) error {
		var env envelope
		if jerr := json.Unmarshal(me.Data, &env); jerr != nil {
			return fmt.Errorf("decode stream event %s: %w", me.ID, jerr)
		}
		return sink.SendEvent(env.Event, env.Data)
	})
	if fctx.Err() != nil {
		return nil
	}
	return err
}

// Add registers a new operation id and returns the context its execution
// must run under. Ids are scoped to the reservation; duplicates fail.
func (s *Reservation) Add(id string) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, nil, context.Canceled
	}
	if _, ok := s.ops[id]; ok {
		return nil, nil, ErrDuplicateOperation
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.ops[id] = &operation{id: id, cancel: cancel}
	s.lastActive = time.Now()
	return ctx, cancel, nil
}

// Cancel triggers cancellation of an in-flight operation. It reports whether
// the id was known; the record itself is removed when execution unwinds.
func (s *Reservation) Cancel(id string) bool {
	s.mu.Lock()
	op, ok := s.ops[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	op.cancel()
	return true
}

// Remove drops a finished operation record.
func (s *Reservation) Remove(id string) {
	s.mu.Lock()
	delete(s.ops, id)
	s.mu.Unlock()
}

// Destroy cancels every contained operation, drops the broker stream and
// removes the reservation from the registry. Safe to call more than once.
func (s *Reservation) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	ops := make([]*operation, 0, len(s.ops))
	for _, op := range s.ops {
		ops = append(ops, op)
	}
	s.ops = make(map[string]*operation)
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	for _, op := range ops {
		op.cancel()
	}
	s.cancel()
	s.registry.streams.LoadAndDelete(s.token)

	cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ccancel()
	_ = s.registry.broker.Cleanup(cctx, s.token)
}
