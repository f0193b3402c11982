package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	graphqlsse "github.com/gqlsse/graphql-sse-go"
	"github.com/gqlsse/graphql-sse-go/internal/sse"
	"github.com/gqlsse/graphql-sse-go/internal/wire"
)

// conn is one single-connection lifecycle: the PUT+GET handshake, the shared
// event stream, and the reconnect loop around them. token and connected are
// guarded by Client.mu.
type conn struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	token     string
	connected bool
}

// ensureConnLocked starts the connection loop if none is running. Caller
// holds c.mu.
func (c *Client) ensureConnLocked() *conn {
	if c.conn == nil {
		ctx, cancel := context.WithCancel(c.rootCtx)
		cn := &conn{ctx: ctx, cancel: cancel, done: make(chan struct{})}
		c.conn = cn
		go c.connLoop(cn)
	}
	return c.conn
}

// subscribeSingle registers the operation on the shared stream, submitting
// it immediately when the stream is already established or leaving it to
// the connection loop's post-handshake sweep otherwise.
func (c *Client) subscribeSingle(ctx context.Context, req graphqlsse.Request, sink Sink) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{req: req, sink: sink, cancel: cancel}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, ErrClientClosed
	}
	c.subs[sub] = struct{}{}
	cn := c.ensureConnLocked()
	var submitNow bool
	var token string
	if cn.connected {
		sub.id = c.generateID()
		c.byID[sub.id] = sub
		token = cn.token
		submitNow = true
	}
	c.mu.Unlock()

	if submitNow {
		go c.submit(subCtx, token, sub)
	}

	// Canceling the caller's context behaves like disposal.
	go func() {
		<-subCtx.Done()
		c.detach(sub)
	}()

	dispose := func() {
		sub.dispose()
		cancel()
		c.detach(sub)
	}
	return dispose, nil
}

// detach unregisters the subscription; if it was still live on an attached
// stream, a best-effort DELETE tells the server to cancel it. Idempotent.
func (c *Client) detach(sub *subscription) {
	c.mu.Lock()
	_, present := c.subs[sub]
	delete(c.subs, sub)
	if sub.id != "" && c.byID[sub.id] == sub {
		delete(c.byID, sub.id)
	}
	id := sub.id
	var token string
	var connected bool
	if c.conn != nil {
		token = c.conn.token
		connected = c.conn.connected
	}
	c.mu.Unlock()

	if !present {
		return
	}
	if connected && id != "" {
		go c.sendCancel(token, id)
	}
	c.maybeIdleClose()
}

// maybeIdleClose closes the shared stream and forgets its token once the
// last subscription is gone, unless the client is eager.
func (c *Client) maybeIdleClose() {
	c.mu.Lock()
	cn := c.conn
	idle := c.lazy && cn != nil && len(c.subs) == 0
	if idle {
		c.conn = nil
	}
	c.mu.Unlock()
	if idle {
		cn.cancel()
	}
}

// connLoop drives the handshake, submission sweep and event dispatch,
// reconnecting on transport failures until the retry budget is spent.
func (c *Client) connLoop(cn *conn) {
	defer close(cn.done)

	retries := 0
	for {
		if cn.ctx.Err() != nil {
			c.teardownConn(cn, nil)
			return
		}
		c.mu.Lock()
		idle := c.lazy && len(c.subs) == 0
		c.mu.Unlock()
		if idle {
			c.teardownConn(cn, nil)
			return
		}

		token, resp, err := c.handshake(cn.ctx)
		if err != nil {
			if cn.ctx.Err() != nil {
				c.teardownConn(cn, nil)
				return
			}
			if !retryable(err) {
				c.teardownConn(cn, err)
				return
			}
			if retries >= c.retryAttempts {
				c.teardownConn(cn, fmt.Errorf("%w: %w", ErrRetriesExceeded, err))
				return
			}
			wait := c.retryWait(retries)
			c.log.Info("conn.retry.wait", slog.Int("attempt", retries), slog.Duration("wait", wait), slog.String("err", err.Error()))
			if sleepCtx(cn.ctx, wait) != nil {
				c.teardownConn(cn, nil)
				return
			}
			retries++
			continue
		}
		retries = 0

		// Connected. Every active subscription is (re)submitted with a
		// fresh id: the server's previous reservation is gone, so ids do
		// not survive reconnects.
		c.mu.Lock()
		cn.token = token
		cn.connected = true
		resubmit := make([]*subscription, 0, len(c.subs))
		for sub := range c.subs {
			if sub.id != "" {
				delete(c.byID, sub.id)
			}
			sub.id = c.generateID()
			c.byID[sub.id] = sub
			resubmit = append(resubmit, sub)
		}
		c.mu.Unlock()
		c.log.Info("conn.established", slog.Int("operations", len(resubmit)))
		for _, sub := range resubmit {
			go c.submit(cn.ctx, token, sub)
		}

		err = c.readStream(resp.Body)
		_ = resp.Body.Close()

		c.mu.Lock()
		cn.connected = false
		cn.token = ""
		idle = c.lazy && len(c.subs) == 0
		c.mu.Unlock()

		if cn.ctx.Err() != nil || idle {
			c.teardownConn(cn, nil)
			return
		}

		c.log.Warn("conn.drop", slog.String("err", err.Error()))
		if sleepCtx(cn.ctx, c.retryWait(0)) != nil {
			c.teardownConn(cn, nil)
			return
		}
	}
}

// teardownConn finalizes the loop. A non-nil err is terminal: every active
// subscription receives it and is unregistered.
func (c *Client) teardownConn(cn *conn, err error) {
	cn.cancel()
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	var failed []*subscription
	if err != nil {
		for sub := range c.subs {
			failed = append(failed, sub)
			delete(c.subs, sub)
		}
		c.byID = make(map[string]*subscription)
	}
	c.mu.Unlock()

	if err == nil {
		return
	}
	c.log.Error("conn.fail", slog.String("err", err.Error()))
	for _, sub := range failed {
		sub.deliverError(err)
		sub.cancel()
	}
	if len(failed) == 0 && c.onEagerError != nil {
		c.onEagerError(err)
	}
}

// handshake reserves a stream token with PUT, then attaches the event
// stream with GET. The returned response body is the open SSE stream.
func (c *Client) handshake(ctx context.Context) (string, *http.Response, error) {
	headers, err := c.requestHeaders(ctx)
	if err != nil {
		return "", nil, err
	}

	preq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, nil)
	if err != nil {
		return "", nil, err
	}
	preq.Header = headers.Clone()
	presp, err := c.httpc.Do(preq)
	if err != nil {
		return "", nil, fmt.Errorf("reserve stream: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(presp.Body, 4096))
	_ = presp.Body.Close()
	if presp.StatusCode != http.StatusOK && presp.StatusCode != http.StatusCreated {
		return "", nil, &StatusError{Status: presp.StatusCode, Body: body}
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", nil, fmt.Errorf("reservation response carried no token")
	}

	greq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", nil, err
	}
	greq.Header = headers.Clone()
	greq.Header.Set("Accept", "text/event-stream")
	greq.Header.Set(graphqlsse.StreamTokenHeader, token)
	gresp, err := c.httpc.Do(greq)
	if err != nil {
		return "", nil, fmt.Errorf("attach stream: %w", err)
	}
	if gresp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(gresp.Body, 8192))
		_ = gresp.Body.Close()
		return "", nil, &StatusError{Status: gresp.StatusCode, Body: b}
	}
	if ct := gresp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = gresp.Body.Close()
		return "", nil, fmt.Errorf("unexpected content-type %q", ct)
	}
	return token, gresp, nil
}

// readStream dispatches multiplexed events to their sinks by id. Events for
// unknown ids (completed or disposed operations) are dropped.
func (c *Client) readStream(body io.Reader) error {
	return c.readEvents(body, func(ev sse.Event) (bool, error) {
		switch ev.Name {
		case wire.EventNext:
			res, id, err := decodeNext(ev.Data)
			if err != nil {
				return false, err
			}
			c.mu.Lock()
			sub := c.byID[id]
			c.mu.Unlock()
			if sub != nil {
				sub.deliverNext(res)
			}
		case wire.EventComplete:
			var msg wire.Complete
			if err := json.Unmarshal(ev.Data, &msg); err != nil {
				return false, fmt.Errorf("malformed complete event: %w", err)
			}
			c.mu.Lock()
			sub := c.byID[msg.ID]
			if sub != nil {
				delete(c.byID, msg.ID)
				delete(c.subs, sub)
			}
			c.mu.Unlock()
			if sub != nil {
				sub.deliverComplete()
				sub.cancel()
				c.maybeIdleClose()
			}
		}
		return false, nil
	})
}

// submit POSTs one operation onto the reserved stream and awaits the 202
// acceptance. Failure errors the sink and unregisters the operation.
func (c *Client) submit(ctx context.Context, token string, sub *subscription) {
	c.mu.Lock()
	id := sub.id
	c.mu.Unlock()

	req := sub.req
	ext := make(map[string]any, len(req.Extensions)+1)
	for k, v := range req.Extensions {
		ext[k] = v
	}
	ext["operationId"] = id
	req.Extensions = ext

	body, err := json.Marshal(req)
	if err != nil {
		c.failSubmit(sub, id, err)
		return
	}
	headers, err := c.requestHeaders(ctx)
	if err != nil {
		c.failSubmit(sub, id, err)
		return
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.failSubmit(sub, id, err)
		return
	}
	hreq.Header = headers
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set(graphqlsse.StreamTokenHeader, token)

	resp, err := c.httpc.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.failSubmit(sub, id, err)
		return
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		c.failSubmit(sub, id, &StatusError{Status: resp.StatusCode, Body: b})
		return
	}
	c.log.Debug("op.submit.ok", slog.String("id", id))
}

// failSubmit errors the sink unless the subscription was already
// resubmitted under a fresh id, in which case the stale failure is moot.
func (c *Client) failSubmit(sub *subscription, id string, err error) {
	c.mu.Lock()
	if sub.id != id {
		c.mu.Unlock()
		return
	}
	delete(c.subs, sub)
	if c.byID[sub.id] == sub {
		delete(c.byID, sub.id)
	}
	c.mu.Unlock()
	sub.deliverError(fmt.Errorf("submit operation: %w", err))
	sub.cancel()
	c.maybeIdleClose()
}

// sendCancel issues the best-effort DELETE for a disposed operation. The
// caller does not wait for it.
func (c *Client) sendCancel(token, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	headers, err := c.requestHeaders(ctx)
	if err != nil {
		c.log.Warn("op.cancel.fail", slog.String("id", id), slog.String("err", err.Error()))
		return
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return
	}
	q := u.Query()
	q.Set("operationId", id)
	u.RawQuery = q.Encode()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return
	}
	hreq.Header = headers
	hreq.Header.Set(graphqlsse.StreamTokenHeader, token)

	resp, err := c.httpc.Do(hreq)
	if err != nil {
		c.log.Warn("op.cancel.fail", slog.String("id", id), slog.String("err", err.Error()))
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
