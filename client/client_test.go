package client_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	graphqlsse "github.com/gqlsse/graphql-sse-go"
	"github.com/gqlsse/graphql-sse-go/client"
	"github.com/gqlsse/graphql-sse-go/server"
	"github.com/graphql-go/graphql"
)

var greetings = []string{"Hi", "Bonjour", "Hola", "Ciao", "Zdravo"}

func testSchema(t *testing.T) graphql.Schema {
	t.Helper()

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"hello": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return "world", nil
				},
			},
		},
	})

	subscription := graphql.NewObject(graphql.ObjectConfig{
		Name: "Subscription",
		Fields: graphql.Fields{
			"greetings": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return p.Source, nil
				},
				Subscribe: func(p graphql.ResolveParams) (interface{}, error) {
					ch := make(chan interface{})
					go func() {
						defer close(ch)
						for _, g := range greetings {
							select {
							case <-p.Context.Done():
								return
							case ch <- g:
							}
						}
					}()
					return ch, nil
				},
			},
			"pulse": &graphql.Field{
				Type: graphql.Int,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return p.Source, nil
				},
				Subscribe: func(p graphql.ResolveParams) (interface{}, error) {
					ch := make(chan interface{})
					go func() {
						defer close(ch)
						for i := 0; ; i++ {
							select {
							case <-p.Context.Done():
								return
							case ch <- i:
							}
							select {
							case <-p.Context.Done():
								return
							case <-time.After(5 * time.Millisecond):
							}
						}
					}()
					return ch, nil
				},
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{Query: query, Subscription: subscription})
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	return schema
}

// countingHandler tallies requests by method so tests can count handshakes.
type countingHandler struct {
	h http.Handler

	mu     sync.Mutex
	counts map[string]int
}

func (ch *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ch.mu.Lock()
	if ch.counts == nil {
		ch.counts = make(map[string]int)
	}
	ch.counts[r.Method]++
	ch.mu.Unlock()
	ch.h.ServeHTTP(w, r)
}

func (ch *countingHandler) count(method string) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.counts[method]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustServer(t *testing.T, opts ...server.Option) (*httptest.Server, *countingHandler) {
	t.Helper()
	opts = append([]server.Option{server.WithLogger(discardLogger())}, opts...)
	h, err := server.New(testSchema(t), opts...)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ch := &countingHandler{h: h}
	srv := httptest.NewServer(ch)
	t.Cleanup(srv.Close)
	return srv, ch
}

func mustClient(t *testing.T, cfg client.Config) *client.Client {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.RetryWait == nil {
		cfg.RetryWait = func(int) time.Duration { return 5 * time.Millisecond }
	}
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// collectSink records callbacks and signals the terminal event.
type collectSink struct {
	mu       sync.Mutex
	nexts    []graphqlsse.ExecutionResult
	err      error
	complete bool
	terminal chan struct{}
}

func newCollectSink() *collectSink {
	return &collectSink{terminal: make(chan struct{})}
}

func (s *collectSink) Next(res graphqlsse.ExecutionResult) {
	s.mu.Lock()
	s.nexts = append(s.nexts, res)
	s.mu.Unlock()
}

func (s *collectSink) Error(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.terminal)
}

func (s *collectSink) Complete() {
	s.mu.Lock()
	s.complete = true
	s.mu.Unlock()
	close(s.terminal)
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nexts)
}

func (s *collectSink) waitTerminal(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.terminal:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for terminal event")
	}
}

func dataField(t *testing.T, res *graphqlsse.ExecutionResult, field string) any {
	t.Helper()
	var data map[string]any
	if err := json.Unmarshal(res.Data, &data); err != nil {
		t.Fatalf("decode data %q: %v", res.Data, err)
	}
	return data[field]
}

func TestIterateDistinctQuery(t *testing.T) {
	srv, _ := mustServer(t)
	c := mustClient(t, client.Config{URL: srv.URL})

	it, err := c.Iterate(context.Background(), graphqlsse.Request{Query: "{ hello }"})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := it.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := dataField(t, res, "hello"); got != "world" {
		t.Fatalf("data.hello = %v, want world", got)
	}
	if _, err := it.Next(ctx); err != io.EOF {
		t.Fatalf("Next after complete = %v, want io.EOF", err)
	}
}

func TestIterateDistinctSubscription(t *testing.T) {
	srv, _ := mustServer(t)
	c := mustClient(t, client.Config{URL: srv.URL})

	it, err := c.Iterate(context.Background(), graphqlsse.Request{Query: "subscription { greetings }"})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, want := range greetings {
		res, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got := dataField(t, res, "greetings"); got != want {
			t.Fatalf("greeting = %v, want %q", got, want)
		}
	}
	if _, err := it.Next(ctx); err != io.EOF {
		t.Fatalf("Next after complete = %v, want io.EOF", err)
	}
}

func TestDistinctAndSingleConnParity(t *testing.T) {
	srv, _ := mustServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run := func(cfg client.Config) string {
		c := mustClient(t, cfg)
		it, err := c.Iterate(context.Background(), graphqlsse.Request{Query: "{ hello }"})
		if err != nil {
			t.Fatalf("Iterate: %v", err)
		}
		defer it.Close()
		res, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		return string(res.Data)
	}

	distinct := run(client.Config{URL: srv.URL})
	single := run(client.Config{URL: srv.URL, SingleConnection: true})
	if distinct != single {
		t.Fatalf("distinct data %q != single-connection data %q", distinct, single)
	}
}

func TestSingleConnMultiplexing(t *testing.T) {
	srv, ch := mustServer(t)
	c := mustClient(t, client.Config{URL: srv.URL, SingleConnection: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([][]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			it, err := c.Iterate(context.Background(), graphqlsse.Request{Query: "subscription { greetings }"})
			if err != nil {
				t.Errorf("Iterate: %v", err)
				return
			}
			defer it.Close()
			for {
				res, err := it.Next(ctx)
				if err == io.EOF {
					return
				}
				if err != nil {
					t.Errorf("Next: %v", err)
					return
				}
				results[slot] = append(results[slot], dataField(t, res, "greetings").(string))
			}
		}(i)
	}
	wg.Wait()

	for slot, got := range results {
		if len(got) != len(greetings) {
			t.Fatalf("slot %d received %d values, want %d: %v", slot, len(got), len(greetings), got)
		}
		for i, want := range greetings {
			if got[i] != want {
				t.Fatalf("slot %d[%d] = %q, want %q", slot, i, got[i], want)
			}
		}
	}

	// Both operations shared one reservation handshake.
	if puts := ch.count(http.MethodPut); puts != 1 {
		t.Fatalf("observed %d PUTs, want 1", puts)
	}
}

func TestSingleConnCancelMidStream(t *testing.T) {
	srv, _ := mustServer(t)
	c := mustClient(t, client.Config{URL: srv.URL, SingleConnection: true})

	sinkA := newCollectSink()
	disposeA, err := c.Subscribe(context.Background(), graphqlsse.Request{Query: "subscription { pulse }"}, sinkA)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}

	// Wait for pulse values to flow.
	deadline := time.Now().Add(5 * time.Second)
	for sinkA.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("pulse values never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	disposeA()
	countAtDispose := sinkA.count()
	time.Sleep(100 * time.Millisecond)
	if got := sinkA.count(); got != countAtDispose {
		t.Fatalf("sink received %d values after dispose returned (had %d)", got-countAtDispose, countAtDispose)
	}
	select {
	case <-sinkA.terminal:
		t.Fatal("disposed sink received a terminal event")
	default:
	}

	// A second operation on the same client still runs to completion.
	it, err := c.Iterate(context.Background(), graphqlsse.Request{Query: "subscription { greetings }"})
	if err != nil {
		t.Fatalf("Iterate B: %v", err)
	}
	defer it.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := 0
	for {
		_, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next B: %v", err)
		}
		got++
	}
	if got != len(greetings) {
		t.Fatalf("B received %d values, want %d", got, len(greetings))
	}
}

func TestImmediateDisposal(t *testing.T) {
	srv, _ := mustServer(t)
	c := mustClient(t, client.Config{URL: srv.URL, SingleConnection: true})

	sink := newCollectSink()
	dispose, err := c.Subscribe(context.Background(), graphqlsse.Request{Query: "subscription { pulse }"}, sink)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	dispose()

	time.Sleep(100 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("sink received %d values after immediate disposal", sink.count())
	}
	select {
	case <-sink.terminal:
		t.Fatal("disposed sink received a terminal event")
	default:
	}
}

func TestRetryExhaustedDistinct(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := mustClient(t, client.Config{URL: srv.URL, RetryAttempts: 2})

	sink := newCollectSink()
	if _, err := c.Subscribe(context.Background(), graphqlsse.Request{Query: "{ hello }"}, sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sink.waitTerminal(t, 5*time.Second)

	if sink.err == nil {
		t.Fatal("expected terminal error")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("observed %d attempts, want retryAttempts+1 = 3", got)
	}
}

func TestRetryExhaustedSingleConn(t *testing.T) {
	var puts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := mustClient(t, client.Config{URL: srv.URL, SingleConnection: true, RetryAttempts: 2})

	sink := newCollectSink()
	if _, err := c.Subscribe(context.Background(), graphqlsse.Request{Query: "subscription { pulse }"}, sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sink.waitTerminal(t, 5*time.Second)

	if sink.err == nil {
		t.Fatal("expected terminal error")
	}
	if got := puts.Load(); got != 3 {
		t.Fatalf("observed %d handshake attempts, want retryAttempts+1 = 3", got)
	}
}

func TestTerminalStatusNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	c := mustClient(t, client.Config{URL: srv.URL})

	sink := newCollectSink()
	if _, err := c.Subscribe(context.Background(), graphqlsse.Request{Query: "{ hello }"}, sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sink.waitTerminal(t, 5*time.Second)

	if sink.err == nil {
		t.Fatal("expected terminal error")
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("observed %d attempts, want 1 (4xx is not retried)", got)
	}
}

func TestReconnectSingleConn(t *testing.T) {
	srv, ch := mustServer(t)
	c := mustClient(t, client.Config{URL: srv.URL, SingleConnection: true})

	sink := newCollectSink()
	dispose, err := c.Subscribe(context.Background(), graphqlsse.Request{Query: "subscription { pulse }"}, sink)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer dispose()

	deadline := time.Now().Add(5 * time.Second)
	for sinkCountBelow(sink, 1) {
		if time.Now().After(deadline) {
			t.Fatal("no values before disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Sever every live connection: the GET stream ends unexpectedly and the
	// server's reservation dies with it.
	srv.CloseClientConnections()

	before := sink.count()
	deadline = time.Now().Add(5 * time.Second)
	for sinkCountBelow(sink, before+3) {
		if time.Now().After(deadline) {
			t.Fatalf("no values after reconnect (stuck at %d)", sink.count())
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-sink.terminal:
		t.Fatalf("subscription terminated during reconnect: err=%v complete=%v", sink.err, sink.complete)
	default:
	}
	if puts := ch.count(http.MethodPut); puts < 2 {
		t.Fatalf("observed %d PUTs, want a second handshake after reconnect", puts)
	}
}

func sinkCountBelow(s *collectSink, n int) bool {
	return s.count() < n
}

func TestLazyClientReleasesConnection(t *testing.T) {
	srv, ch := mustServer(t)
	c := mustClient(t, client.Config{URL: srv.URL, SingleConnection: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runOnce := func() {
		it, err := c.Iterate(context.Background(), graphqlsse.Request{Query: "subscription { greetings }"})
		if err != nil {
			t.Fatalf("Iterate: %v", err)
		}
		defer it.Close()
		for {
			if _, err := it.Next(ctx); err == io.EOF {
				return
			} else if err != nil {
				t.Fatalf("Next: %v", err)
			}
		}
	}

	runOnce()
	// The lazy client drops the stream once idle; give the teardown a
	// moment before the second operation forces a fresh handshake.
	deadline := time.Now().Add(2 * time.Second)
	for ch.count(http.MethodPut) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first handshake never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	runOnce()

	if puts := ch.count(http.MethodPut); puts != 2 {
		t.Fatalf("observed %d PUTs, want 2 (one per busy period)", puts)
	}
}

func TestClientCloseErrorsActiveSubscriptions(t *testing.T) {
	srv, _ := mustServer(t)
	c := mustClient(t, client.Config{URL: srv.URL, SingleConnection: true})

	sink := newCollectSink()
	if _, err := c.Subscribe(context.Background(), graphqlsse.Request{Query: "subscription { pulse }"}, sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sinkCountBelow(sink, 1) {
		if time.Now().After(deadline) {
			t.Fatal("no values before close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Close()
	sink.waitTerminal(t, 5*time.Second)
	if sink.err != client.ErrClientClosed {
		t.Fatalf("terminal err = %v, want ErrClientClosed", sink.err)
	}
}
