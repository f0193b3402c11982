package client

import (
	"context"
	"io"
	"sync"

	graphqlsse "github.com/gqlsse/graphql-sse-go"
)

// Iterator adapts a subscription to pull-style consumption. Results queue
// internally so the shared event stream is never blocked by a slow
// consumer.
type Iterator struct {
	dispose func()

	mu     sync.Mutex
	queue  []iterItem
	done   bool
	notify chan struct{}
}

type iterItem struct {
	res      *graphqlsse.ExecutionResult
	err      error
	complete bool
}

// Iterate subscribes to the operation and returns an iterator over its
// results. Always call Close when done early; exhausting the iterator
// (io.EOF) releases it as well.
func (c *Client) Iterate(ctx context.Context, req graphqlsse.Request) (*Iterator, error) {
	it := &Iterator{notify: make(chan struct{}, 1)}
	dispose, err := c.Subscribe(ctx, req, iterSink{it})
	if err != nil {
		return nil, err
	}
	it.dispose = dispose
	return it, nil
}

// Next returns the next execution result. It returns io.EOF once the
// operation completed, or the terminal error that ended it.
func (it *Iterator) Next(ctx context.Context) (*graphqlsse.ExecutionResult, error) {
	for {
		it.mu.Lock()
		if len(it.queue) > 0 {
			item := it.queue[0]
			it.queue = it.queue[1:]
			if item.complete || item.err != nil {
				it.done = true
			}
			it.mu.Unlock()
			switch {
			case item.complete:
				return nil, io.EOF
			case item.err != nil:
				return nil, item.err
			default:
				return item.res, nil
			}
		}
		if it.done {
			it.mu.Unlock()
			return nil, io.EOF
		}
		it.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-it.notify:
		}
	}
}

// Close disposes the underlying subscription. Subsequent Next calls return
// io.EOF. Idempotent.
func (it *Iterator) Close() {
	it.dispose()
	it.mu.Lock()
	it.done = true
	it.queue = nil
	it.mu.Unlock()
	it.wake()
}

func (it *Iterator) wake() {
	select {
	case it.notify <- struct{}{}:
	default:
	}
}

func (it *Iterator) push(item iterItem) {
	it.mu.Lock()
	it.queue = append(it.queue, item)
	it.mu.Unlock()
	it.wake()
}

// iterSink bridges the subscription's push callbacks into the iterator's
// queue. It never calls back into user code, so delivery from the engine's
// goroutine cannot deadlock with Close.
type iterSink struct {
	it *Iterator
}

func (s iterSink) Next(res graphqlsse.ExecutionResult) {
	s.it.push(iterItem{res: &res})
}

func (s iterSink) Error(err error) {
	s.it.push(iterItem{err: err})
}

func (s iterSink) Complete() {
	s.it.push(iterItem{complete: true})
}
