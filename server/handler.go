package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	graphqlsse "github.com/gqlsse/graphql-sse-go"
	"github.com/gqlsse/graphql-sse-go/auth"
	memorybroker "github.com/gqlsse/graphql-sse-go/broker/memory"
	"github.com/gqlsse/graphql-sse-go/internal/logctx"
	"github.com/gqlsse/graphql-sse-go/internal/registry"
	"github.com/gqlsse/graphql-sse-go/internal/sse"
	"github.com/gqlsse/graphql-sse-go/internal/wire"
	"github.com/google/uuid"
	"github.com/graphql-go/graphql"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Handler serves the GraphQL over SSE protocol on a single endpoint.
type Handler struct {
	log    *slog.Logger
	schema graphql.Schema

	schemaFunc    SchemaFunc
	rootValue     any
	contextFunc   ContextFunc
	authenticator auth.Authenticator
	onSubscribe   OnSubscribeFunc
	onOperation   OnOperationFunc
	onNext        OnNextFunc
	onComplete    OnCompleteFunc
	keepAlive     time.Duration

	streams *registry.Registry
}

// New constructs a Handler executing operations against schema. The schema
// may be overridden per request with WithSchemaFunc.
func New(schema graphql.Schema, opts ...Option) (*Handler, error) {
	cfg := &newConfig{
		logger:             slog.Default(),
		keepAlive:          DefaultKeepAlive,
		reservationTimeout: DefaultReservationTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.authenticator == nil {
		cfg.authenticator = auth.Default()
	}
	if cfg.broker == nil {
		cfg.broker = memorybroker.New()
	}

	h := &Handler{
		log:           slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		schema:        schema,
		schemaFunc:    cfg.schemaFunc,
		rootValue:     cfg.rootValue,
		contextFunc:   cfg.contextFunc,
		authenticator: cfg.authenticator,
		onSubscribe:   cfg.onSubscribe,
		onOperation:   cfg.onOperation,
		onNext:        cfg.onNext,
		onComplete:    cfg.onComplete,
		keepAlive:     cfg.keepAlive,
		streams:       registry.New(cfg.reservationTimeout, cfg.broker),
	}
	return h, nil
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// streamSink adapts a locked flusher to the registry's event sink.
type streamSink struct {
	wf *lockedWriteFlusher
}

func (s streamSink) SendEvent(name string, data []byte) error {
	s.wf.mu.Lock()
	defer s.wf.mu.Unlock()
	if s.wf.ctx != nil && s.wf.ctx.Err() != nil {
		return s.wf.ctx.Err()
	}
	if err := sse.WriteEvent(s.wf.Writer, name, data); err != nil {
		return err
	}
	s.wf.Flusher.Flush()
	return nil
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections.
// Shape: {"errors":[{"message":"<reason>"}]}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]any{{"message": msg}}})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	token, override, err := h.authenticator.Authenticate(r)
	if err != nil {
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if override != nil {
		h.log.InfoContext(ctx, "auth.fail")
		override.Write(w)
		return
	}

	// An empty token means "no token required": the request runs in
	// distinct-connections mode. It never becomes a registry key.
	switch r.Method {
	case http.MethodPut:
		h.handleReserve(w, r, token)
	case http.MethodGet:
		if token != "" {
			h.handleAttach(w, r, token)
		} else {
			h.handleDistinctGet(w, r)
		}
	case http.MethodPost:
		if token != "" {
			h.handleSubmit(w, r, token)
		} else {
			h.handleDistinctPost(w, r)
		}
	case http.MethodDelete:
		h.handleCancel(w, r, token)
	default:
		h.log.WarnContext(ctx, "http.method.unsupported")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleReserve registers an empty single-connection reservation and
// responds with its token as text/plain.
func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request, token string) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.put.start")

	if token == "" {
		token = uuid.NewString()
	}
	if _, err := h.streams.Reserve(token); err != nil {
		if errors.Is(err, registry.ErrTokenExists) {
			h.log.WarnContext(ctx, "stream.reserve.conflict")
			w.WriteHeader(http.StatusConflict)
			return
		}
		h.log.ErrorContext(ctx, "stream.reserve.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, token)
	h.log.InfoContext(ctx, "stream.reserve.ok", slog.Duration("dur", time.Since(start)))
}

// handleAttach binds the response body to a reserved stream as its SSE sink
// and keeps it open until either side goes away.
func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request, token string) {
	start := time.Now()
	ctx := logctx.WithStreamData(r.Context(), &logctx.StreamData{Token: token, Mode: "single"})
	h.log.InfoContext(ctx, "sse.attach.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "accept.unsupported")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	res, ok := h.streams.Get(token)
	if !ok {
		h.log.InfoContext(ctx, "stream.lookup.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := res.Consume(); err != nil {
		if errors.Is(err, registry.ErrAlreadyConsumed) {
			h.log.WarnContext(ctx, "stream.attach.conflict")
			w.WriteHeader(http.StatusConflict)
			return
		}
		h.log.InfoContext(ctx, "stream.attach.gone")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()
	res.Open()

	h.log.InfoContext(ctx, "sse.stream.start")
	go h.sendKeepAlives(ctx, wf)

	// Forward the reservation's event stream into the response until the
	// client goes away or the reservation dies.
	if err := res.Forward(ctx, streamSink{wf: wf}); err != nil {
		h.log.ErrorContext(ctx, "sse.forward.fail", slog.String("err", err.Error()))
	}

	// Stream closed: cancel every contained operation and drop the
	// reservation.
	res.Destroy()
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleSubmit accepts an operation onto a reserved stream and responds 202
// once it is registered; results flow through the attached SSE sink.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request, token string) {
	start := time.Now()
	ctx := logctx.WithStreamData(r.Context(), &logctx.StreamData{Token: token, Mode: "single"})
	h.log.InfoContext(ctx, "http.post.start")

	if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	res, ok := h.streams.Get(token)
	if !ok {
		h.log.InfoContext(ctx, "stream.lookup.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req graphqlsse.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	opID := req.OperationID()
	if opID == "" {
		h.log.WarnContext(ctx, "op.id.missing")
		writeJSONError(w, http.StatusBadRequest, "extensions.operationId is required")
		return
	}
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{ID: opID, Name: req.OperationName})

	opCtx, cancel, err := res.Add(opID)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateOperation) {
			h.log.WarnContext(ctx, "op.id.duplicate")
			w.WriteHeader(http.StatusConflict)
			return
		}
		h.log.InfoContext(ctx, "stream.submit.gone")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// Prepare synchronously so hook response overrides can still shape the
	// POST response. GraphQL errors are delivered in-band on this stream.
	args, override, gqlErrs, err := h.buildExecutionArgs(ctx, r, &req)
	if err != nil {
		res.Remove(opID)
		cancel()
		h.log.ErrorContext(ctx, "op.prepare.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if override != nil {
		res.Remove(opID)
		cancel()
		h.log.InfoContext(ctx, "op.prepare.override")
		override.Write(w)
		return
	}

	execCtx := opCtx
	if args != nil && h.contextFunc != nil {
		execCtx, err = h.contextFunc(opCtx, r, &req)
		if err != nil {
			res.Remove(opID)
			cancel()
			h.log.ErrorContext(ctx, "op.context.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "op.accept.ok", slog.Duration("dur", time.Since(start)))

	logCtx := context.WithoutCancel(ctx)
	go func() {
		defer cancel()
		defer res.Remove(opID)

		// Results only flow once the consumer attached; execution does not
		// start before then.
		select {
		case <-res.Attached():
		case <-opCtx.Done():
			return
		}

		emit := func(name string, data []byte) error {
			return res.Send(logCtx, name, data)
		}
		if gqlErrs != nil {
			h.emitErrors(logCtx, opID, gqlErrs, emit)
			return
		}
		h.run(execCtx, logCtx, r, args, opID, emit)
	}()
}

// handleCancel triggers cancellation of an in-flight operation.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, token string) {
	ctx := logctx.WithStreamData(r.Context(), &logctx.StreamData{Token: token, Mode: "single"})
	h.log.InfoContext(ctx, "http.delete.start")

	if token == "" {
		h.log.WarnContext(ctx, "stream.token.missing")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	opID := r.URL.Query().Get("operationId")
	if opID == "" {
		h.log.WarnContext(ctx, "op.id.missing")
		writeJSONError(w, http.StatusBadRequest, "operationId query parameter is required")
		return
	}

	res, ok := h.streams.Get(token)
	if !ok {
		h.log.InfoContext(ctx, "stream.lookup.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !res.Cancel(opID) {
		h.log.InfoContext(ctx, "op.lookup.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	h.log.InfoContext(ctx, "op.cancel.ok")
}

// handleDistinctPost executes the operation in the request body and streams
// its results as the response.
func (h *Handler) handleDistinctPost(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithStreamData(r.Context(), &logctx.StreamData{Mode: "distinct"})
	h.log.InfoContext(ctx, "http.post.start")

	if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	var req graphqlsse.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	h.serveDistinct(w, r.WithContext(ctx), &req)
}

// handleDistinctGet serves the operation encoded in the query string, for
// EventSource clients that can only issue GET.
func (h *Handler) handleDistinctGet(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithStreamData(r.Context(), &logctx.StreamData{Mode: "distinct"})
	h.log.InfoContext(ctx, "http.get.start")

	req, err := requestFromQuery(r)
	if err != nil {
		h.log.WarnContext(ctx, "query.params.invalid", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.serveDistinct(w, r.WithContext(ctx), req)
}

// serveDistinct validates req and, if acceptable, streams its results as the
// response body. Validation failures respond 400 with a JSON errors payload.
func (h *Handler) serveDistinct(w http.ResponseWriter, r *http.Request, req *graphqlsse.Request) {
	start := time.Now()
	ctx := r.Context()
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{Name: req.OperationName})

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "accept.unsupported")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	args, override, gqlErrs, err := h.buildExecutionArgs(ctx, r, req)
	if err != nil {
		h.log.ErrorContext(ctx, "op.prepare.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if override != nil {
		h.log.InfoContext(ctx, "op.prepare.override")
		override.Write(w)
		return
	}
	if gqlErrs != nil {
		h.log.InfoContext(ctx, "op.validate.fail")
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": gqlErrs})
		return
	}

	execCtx := ctx
	if h.contextFunc != nil {
		execCtx, err = h.contextFunc(ctx, r, req)
		if err != nil {
			h.log.ErrorContext(ctx, "op.context.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")
	go h.sendKeepAlives(ctx, wf)

	sink := streamSink{wf: wf}
	h.run(execCtx, ctx, r, args, "", sink.SendEvent)
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// sendKeepAlives writes a comment line on a fixed cadence to defeat
// intermediary idle timeouts, until the stream goes away.
func (h *Handler) sendKeepAlives(ctx context.Context, wf *lockedWriteFlusher) {
	if h.keepAlive <= 0 {
		return
	}
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sse.WriteComment(wf); err != nil {
				return
			}
			wf.Flush()
		}
	}
}

// emitNext frames one execution result, with id set iff the stream is
// multiplexed.
func emitNext(id string, payload []byte, send func(string, []byte) error) error {
	data, err := json.Marshal(wire.Next{ID: id, Payload: payload})
	if err != nil {
		return err
	}
	return send(wire.EventNext, data)
}

// emitComplete frames the terminal complete event.
func emitComplete(id string, send func(string, []byte) error) error {
	data, err := json.Marshal(wire.Complete{ID: id})
	if err != nil {
		return err
	}
	return send(wire.EventComplete, data)
}
