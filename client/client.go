package client

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	graphqlsse "github.com/gqlsse/graphql-sse-go"
	"github.com/google/uuid"
)

// Sink receives the outcomes of one operation: zero or more Next calls
// followed by exactly one terminal Error or Complete. Callbacks are invoked
// from the engine's goroutine and must not block indefinitely or panic.
type Sink interface {
	Next(res graphqlsse.ExecutionResult)
	Error(err error)
	Complete()
}

// Config configures a Client created via New.
//
// # Zero Values
//
// Zero values are replaced with defaults:
//   - HTTPClient: http.DefaultClient
//   - RetryAttempts: 5 (use a negative value to disable retries)
//   - RetryWait: exponential backoff capped at 8s plus up to 3s jitter
//   - GenerateID: random UUIDs
//   - Logger: slog.Default()
type Config struct {
	// URL is the server endpoint. Required.
	URL string

	// SingleConnection multiplexes all operations over one reserved event
	// stream instead of one streaming POST per operation.
	SingleConnection bool

	// Eager establishes the single-connection event stream at construction
	// time instead of on first subscribe. Connection failures are reported
	// through OnEagerError since no sink exists yet.
	Eager bool

	// OnEagerError receives terminal connection errors that occur while no
	// subscription is active (Eager mode only).
	OnEagerError func(err error)

	// Headers is included in every request.
	Headers http.Header

	// HeadersFunc supplies additional headers per request, for dynamic
	// values such as auth tokens.
	HeadersFunc func(ctx context.Context) (http.Header, error)

	// HTTPClient is the underlying HTTP client.
	HTTPClient *http.Client

	// RetryAttempts bounds consecutive transport-failure retries. The
	// total number of handshake attempts is RetryAttempts + 1.
	RetryAttempts int

	// RetryWait returns how long to wait before retry number attempt
	// (zero-based). It overrides the default backoff entirely.
	RetryWait func(attempt int) time.Duration

	// OnMessage observes every protocol event as it arrives, for
	// debugging. Keep-alive comments are not surfaced.
	OnMessage func(event string, data []byte)

	// GenerateID mints operation ids for single-connection mode. Ids must
	// be unique for the lifetime of the client.
	GenerateID func() string

	// Logger receives transport-level logs.
	Logger *slog.Logger
}

// Client issues GraphQL operations over SSE. Create via New; a Client is
// safe for concurrent use.
type Client struct {
	url           string
	single        bool
	lazy          bool
	onEagerError  func(error)
	headers       http.Header
	headersFunc   func(ctx context.Context) (http.Header, error)
	httpc         *http.Client
	retryAttempts int
	retryWait     func(attempt int) time.Duration
	onMessage     func(event string, data []byte)
	generateID    func() string
	log           *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	distinct map[*subscription]struct{}
	subs     map[*subscription]struct{}
	byID     map[string]*subscription
	conn     *conn
}

// New creates a client for the given endpoint.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	c := &Client{
		url:           cfg.URL,
		single:        cfg.SingleConnection,
		lazy:          !cfg.Eager,
		onEagerError:  cfg.OnEagerError,
		headers:       cfg.Headers,
		headersFunc:   cfg.HeadersFunc,
		httpc:         cfg.HTTPClient,
		retryAttempts: cfg.RetryAttempts,
		retryWait:     cfg.RetryWait,
		onMessage:     cfg.OnMessage,
		generateID:    cfg.GenerateID,
		log:           cfg.Logger,
		distinct:      make(map[*subscription]struct{}),
		subs:          make(map[*subscription]struct{}),
		byID:          make(map[string]*subscription),
	}
	if c.httpc == nil {
		c.httpc = http.DefaultClient
	}
	if c.retryAttempts == 0 {
		c.retryAttempts = 5
	} else if c.retryAttempts < 0 {
		c.retryAttempts = 0
	}
	if c.retryWait == nil {
		c.retryWait = defaultRetryWait
	}
	if c.generateID == nil {
		c.generateID = uuid.NewString
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())

	if c.single && !c.lazy {
		c.mu.Lock()
		c.ensureConnLocked()
		c.mu.Unlock()
	}

	return c, nil
}

// defaultRetryWait implements the default backoff:
// min(1s * 2^attempt, 8s) + random jitter up to 3s.
func defaultRetryWait(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 8*time.Second || d <= 0 {
		d = 8 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(3*time.Second)))
}

// sleepCtx waits for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// requestHeaders builds the header set for one outgoing request.
func (c *Client) requestHeaders(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	for k, vs := range c.headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if c.headersFunc != nil {
		extra, err := c.headersFunc(ctx)
		if err != nil {
			return nil, fmt.Errorf("headers func: %w", err)
		}
		for k, vs := range extra {
			for _, v := range vs {
				h.Add(k, v)
			}
		}
	}
	return h, nil
}

// Subscribe registers sink for the operation's outcomes and starts it. The
// returned disposer is idempotent: it cancels the operation and guarantees
// no further sink callbacks once it returns. ctx bounds the operation's
// lifetime; canceling it behaves like disposal.
func (c *Client) Subscribe(ctx context.Context, req graphqlsse.Request, sink Sink) (func(), error) {
	if c.single {
		return c.subscribeSingle(ctx, req, sink)
	}
	return c.subscribeDistinct(ctx, req, sink)
}

// Close tears down the client. Every active subscription receives an error
// and the physical streams are closed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cn := c.conn
	c.conn = nil
	var all []*subscription
	for sub := range c.distinct {
		all = append(all, sub)
	}
	for sub := range c.subs {
		all = append(all, sub)
	}
	c.distinct = make(map[*subscription]struct{})
	c.subs = make(map[*subscription]struct{})
	c.byID = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range all {
		sub.cancel()
		sub.deliverError(ErrClientClosed)
	}
	if cn != nil {
		cn.cancel()
	}
	c.rootCancel()
}

// subscription is one registered operation: its request, sink and delivery
// state. deliverMu serializes sink callbacks against disposal.
type subscription struct {
	req  graphqlsse.Request
	sink Sink

	// cancel aborts the operation's transport activity: the streaming POST
	// in distinct mode, submission requests in single-connection mode.
	cancel context.CancelFunc

	deliverMu  sync.Mutex
	disposed   bool
	terminated bool

	// id is the current operation id on the shared stream; fresh after
	// every reconnect. Guarded by Client.mu.
	id string
}

func (s *subscription) deliverNext(res graphqlsse.ExecutionResult) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.disposed || s.terminated {
		return
	}
	s.sink.Next(res)
}

func (s *subscription) deliverError(err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.disposed || s.terminated {
		return
	}
	s.terminated = true
	s.sink.Error(err)
}

func (s *subscription) deliverComplete() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.disposed || s.terminated {
		return
	}
	s.terminated = true
	s.sink.Complete()
}

// dispose marks the subscription disposed, waiting out any in-flight
// callback. It reports whether this call was the first.
func (s *subscription) dispose() bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.disposed {
		return false
	}
	s.disposed = true
	return true
}
