// Package brokertest provides a reusable conformance suite for
// broker.Broker implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gqlsse/graphql-sse-go/broker"
)

// Factory builds a fresh broker for one subtest.
type Factory func(t *testing.T) broker.Broker

// RunBrokerTests exercises the broker.Broker contract against every
// implementation.
func RunBrokerTests(t *testing.T, factory Factory) {
	t.Run("replays buffered messages in order", func(t *testing.T) {
		b := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stream := uniqueStream(t)
		defer cleanup(t, b, stream)

		for i := 0; i < 5; i++ {
			if _, err := b.Publish(ctx, stream, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}

		got := collect(t, b, stream, "", 5)
		for i, data := range got {
			if want := fmt.Sprintf("msg-%d", i); data != want {
				t.Fatalf("message %d = %q, want %q", i, data, want)
			}
		}
	})

	t.Run("delivers live messages to an active subscriber", func(t *testing.T) {
		b := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stream := uniqueStream(t)
		defer cleanup(t, b, stream)

		var mu sync.Mutex
		var got []string
		done := make(chan struct{})
		subCtx, subCancel := context.WithCancel(ctx)
		defer subCancel()
		go func() {
			defer close(done)
			_ = b.Subscribe(subCtx, stream, "", func(ctx context.Context, env broker.MessageEnvelope) error {
				mu.Lock()
				got = append(got, string(env.Data))
				n := len(got)
				mu.Unlock()
				if n == 3 {
					subCancel()
				}
				return nil
			})
		}()

		// Give the subscriber a beat to register, then publish.
		time.Sleep(50 * time.Millisecond)
		for i := 0; i < 3; i++ {
			if _, err := b.Publish(ctx, stream, []byte(fmt.Sprintf("live-%d", i))); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}

		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("timed out waiting for delivery")
		}
		mu.Lock()
		defer mu.Unlock()
		for i, data := range got {
			if want := fmt.Sprintf("live-%d", i); data != want {
				t.Fatalf("message %d = %q, want %q", i, data, want)
			}
		}
	})

	t.Run("resumes after lastEventID", func(t *testing.T) {
		b := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stream := uniqueStream(t)
		defer cleanup(t, b, stream)

		var ids []string
		for i := 0; i < 4; i++ {
			id, err := b.Publish(ctx, stream, []byte(fmt.Sprintf("msg-%d", i)))
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			ids = append(ids, id)
		}

		got := collect(t, b, stream, ids[1], 2)
		if got[0] != "msg-2" || got[1] != "msg-3" {
			t.Fatalf("resumed messages = %v, want [msg-2 msg-3]", got)
		}
	})

	t.Run("isolates streams", func(t *testing.T) {
		b := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		streamA := uniqueStream(t) + "-a"
		streamB := uniqueStream(t) + "-b"
		defer cleanup(t, b, streamA)
		defer cleanup(t, b, streamB)

		if _, err := b.Publish(ctx, streamA, []byte("for-a")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if _, err := b.Publish(ctx, streamB, []byte("for-b")); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		if got := collect(t, b, streamA, "", 1); got[0] != "for-a" {
			t.Fatalf("stream A delivered %q", got[0])
		}
		if got := collect(t, b, streamB, "", 1); got[0] != "for-b" {
			t.Fatalf("stream B delivered %q", got[0])
		}
	})

	t.Run("handler error stops subscription", func(t *testing.T) {
		b := factory(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stream := uniqueStream(t)
		defer cleanup(t, b, stream)

		if _, err := b.Publish(ctx, stream, []byte("boom")); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		sentinel := errors.New("handler failed")
		err := b.Subscribe(ctx, stream, "", func(context.Context, broker.MessageEnvelope) error {
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("Subscribe err = %v, want sentinel", err)
		}
	})

	t.Run("context cancellation ends subscription", func(t *testing.T) {
		b := factory(t)
		stream := uniqueStream(t)
		defer cleanup(t, b, stream)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- b.Subscribe(ctx, stream, "", func(context.Context, broker.MessageEnvelope) error {
				return nil
			})
		}()
		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("Subscribe err = %v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Subscribe did not return after cancellation")
		}
	})
}

// collect subscribes from lastEventID and returns the first n message
// payloads.
func collect(t *testing.T, b broker.Broker, stream, lastEventID string, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []string
	err := b.Subscribe(ctx, stream, lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(env.Data))
		if len(got) == n {
			cancel()
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) < n {
		t.Fatalf("collected %d messages, want %d", len(got), n)
	}
	return got[:n]
}

func cleanup(t *testing.T, b broker.Broker, stream string) {
	t.Helper()
	if err := b.Cleanup(context.Background(), stream); err != nil {
		t.Errorf("Cleanup %s: %v", stream, err)
	}
}

func uniqueStream(t *testing.T) string {
	t.Helper()
	return "brokertest-" + t.Name() + "-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
