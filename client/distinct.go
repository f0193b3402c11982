package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	graphqlsse "github.com/gqlsse/graphql-sse-go"
	"github.com/gqlsse/graphql-sse-go/internal/sse"
	"github.com/gqlsse/graphql-sse-go/internal/wire"
)

// subscribeDistinct starts one streaming POST for the operation.
func (c *Client) subscribeDistinct(ctx context.Context, req graphqlsse.Request, sink Sink) (func(), error) {
	opCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{req: req, sink: sink, cancel: cancel}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, ErrClientClosed
	}
	c.distinct[sub] = struct{}{}
	c.mu.Unlock()

	go c.runDistinct(opCtx, sub)

	dispose := func() {
		sub.dispose()
		cancel()
		c.removeDistinct(sub)
	}
	return dispose, nil
}

func (c *Client) removeDistinct(sub *subscription) {
	c.mu.Lock()
	delete(c.distinct, sub)
	c.mu.Unlock()
}

// runDistinct owns the operation's retry loop. GraphQL errors arrive
// in-band as next payloads and terminate normally; only transport failures
// are retried.
func (c *Client) runDistinct(ctx context.Context, sub *subscription) {
	defer c.removeDistinct(sub)

	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}
		established, err := c.streamDistinct(ctx, sub)
		if err == nil {
			sub.deliverComplete()
			return
		}
		if ctx.Err() != nil {
			// Disposed or canceled mid-flight; no callbacks.
			return
		}
		if !retryable(err) {
			sub.deliverError(err)
			return
		}
		if established {
			retries = 0
		}
		if retries >= c.retryAttempts {
			sub.deliverError(fmt.Errorf("%w: %w", ErrRetriesExceeded, err))
			return
		}
		wait := c.retryWait(retries)
		c.log.Info("op.retry.wait", slog.Int("attempt", retries), slog.Duration("wait", wait), slog.String("err", err.Error()))
		if sleepCtx(ctx, wait) != nil {
			return
		}
		retries++
	}
}

// streamDistinct performs one streaming POST and consumes its SSE body. A
// nil error means the server emitted the terminal complete event.
// established reports whether the handshake succeeded, which resets the
// retry counter.
func (c *Client) streamDistinct(ctx context.Context, sub *subscription) (established bool, err error) {
	body, err := json.Marshal(sub.req)
	if err != nil {
		return false, &permanentError{err: fmt.Errorf("encode request: %w", err)}
	}

	headers, err := c.requestHeaders(ctx)
	if err != nil {
		return false, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	hreq.Header = headers
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(hreq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return false, &StatusError{Status: resp.StatusCode, Body: b}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return false, fmt.Errorf("unexpected content-type %q", ct)
	}

	return true, c.readEvents(resp.Body, func(ev sse.Event) (bool, error) {
		switch ev.Name {
		case wire.EventNext:
			res, _, err := decodeNext(ev.Data)
			if err != nil {
				return false, err
			}
			sub.deliverNext(res)
		case wire.EventComplete:
			return true, nil
		}
		return false, nil
	})
}

// readEvents drains an SSE body, feeding the incremental parser and handing
// each protocol event to handle. EOF before a terminal event is a transport
// error.
func (c *Client) readEvents(body io.Reader, handle func(ev sse.Event) (done bool, err error)) error {
	var p sse.Parser
	buf := make([]byte, 4096)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			for _, ev := range p.Feed(buf[:n]) {
				if c.onMessage != nil {
					c.onMessage(ev.Name, ev.Data)
				}
				done, err := handle(ev)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return errStreamEnded
			}
			return rerr
		}
	}
}

// decodeNext unwraps a next event into the execution result it carries and
// the operation id addressing it (empty on distinct streams).
func decodeNext(data []byte) (graphqlsse.ExecutionResult, string, error) {
	var msg wire.Next
	if err := json.Unmarshal(data, &msg); err != nil {
		return graphqlsse.ExecutionResult{}, "", fmt.Errorf("malformed next event: %w", err)
	}
	var res graphqlsse.ExecutionResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return graphqlsse.ExecutionResult{}, "", fmt.Errorf("malformed result payload: %w", err)
	}
	return res, msg.ID, nil
}
