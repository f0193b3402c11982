package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	graphqlsse "github.com/gqlsse/graphql-sse-go"
	"github.com/gqlsse/graphql-sse-go/internal/logctx"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/printer"
	"github.com/graphql-go/graphql/language/source"
)

// ExecutionArgs is everything the engine needs to run one operation. Hooks
// may construct it directly; the engine fills it from the request otherwise.
type ExecutionArgs struct {
	Schema        graphql.Schema
	Document      *ast.Document
	OperationName string
	Variables     map[string]any
	RootValue     any

	// Query is the operation's source text. Subscriptions run through the
	// engine's query-string entry point, so hooks that only supply a
	// Document may leave it empty and the document is printed back to
	// source on demand.
	Query string

	// operation caches the selected definition once resolved.
	operation *ast.OperationDefinition
}

// sourceText returns the operation's source, printing the document when no
// original text is available.
func (a *ExecutionArgs) sourceText() string {
	if a.Query != "" {
		return a.Query
	}
	if s, ok := printer.Print(a.Document).(string); ok {
		return s
	}
	return ""
}

// errorsPayload is the in-band shape of a failed result: errors only, no
// data key.
type errorsPayload struct {
	Errors []gqlerrors.FormattedError `json:"errors"`
}

// buildExecutionArgs prepares an operation for execution. Exactly one of the
// return values is meaningful: ready args, a response override from the
// onSubscribe hook, GraphQL errors from parse/validate, or an internal
// error.
func (h *Handler) buildExecutionArgs(ctx context.Context, r *http.Request, req *graphqlsse.Request) (*ExecutionArgs, *graphqlsse.Response, []gqlerrors.FormattedError, error) {
	if h.onSubscribe != nil {
		args, override, err := h.onSubscribe(ctx, r, req)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("onSubscribe hook: %w", err)
		}
		if override != nil {
			return nil, override, nil, nil
		}
		if args != nil {
			if ferr := args.resolveOperation(); ferr != nil {
				return nil, nil, []gqlerrors.FormattedError{*ferr}, nil
			}
			return args, nil, nil, nil
		}
	}

	if strings.TrimSpace(req.Query) == "" {
		return nil, nil, []gqlerrors.FormattedError{gqlerrors.NewFormattedError("query is required")}, nil
	}

	src := source.NewSource(&source.Source{Body: []byte(req.Query), Name: "GraphQL request"})
	doc, err := parser.Parse(parser.ParseParams{Source: src})
	if err != nil {
		return nil, nil, []gqlerrors.FormattedError{gqlerrors.FormatError(err)}, nil
	}

	schema := h.schema
	if h.schemaFunc != nil {
		schema, err = h.schemaFunc(ctx, r, req)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("schema hook: %w", err)
		}
	}

	if vr := graphql.ValidateDocument(&schema, doc, nil); !vr.IsValid {
		return nil, nil, vr.Errors, nil
	}

	args := &ExecutionArgs{
		Schema:        schema,
		Document:      doc,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		RootValue:     h.rootValue,
		Query:         req.Query,
	}
	if ferr := args.resolveOperation(); ferr != nil {
		return nil, nil, []gqlerrors.FormattedError{*ferr}, nil
	}
	return args, nil, nil, nil
}

// resolveOperation selects the operation definition the request names.
func (a *ExecutionArgs) resolveOperation() *gqlerrors.FormattedError {
	if a.operation != nil {
		return nil
	}
	var ops []*ast.OperationDefinition
	for _, def := range a.Document.Definitions {
		if od, ok := def.(*ast.OperationDefinition); ok {
			ops = append(ops, od)
		}
	}
	if a.OperationName == "" {
		if len(ops) != 1 {
			ferr := gqlerrors.NewFormattedError("operationName is required for documents with multiple operations")
			return &ferr
		}
		a.operation = ops[0]
		return nil
	}
	for _, od := range ops {
		if od.Name != nil && od.Name.Value == a.OperationName {
			a.operation = od
			return nil
		}
	}
	ferr := gqlerrors.NewFormattedError(fmt.Sprintf("operation %q not found in document", a.OperationName))
	return &ferr
}

// run executes the prepared operation and forwards each result through send
// as one next event, then a terminal complete. execCtx governs execution and
// cancellation; logCtx carries logging correlation data and outlives the
// submitting request.
func (h *Handler) run(execCtx, logCtx context.Context, r *http.Request, args *ExecutionArgs, id string, send func(name string, data []byte) error) {
	if ferr := args.resolveOperation(); ferr != nil {
		h.emitErrors(logCtx, id, []gqlerrors.FormattedError{*ferr}, send)
		return
	}
	kind := args.operation.Operation
	logCtx = logctx.WithOperationData(logCtx, &logctx.OperationData{ID: id, Name: args.OperationName, Kind: kind})

	if kind == ast.OperationTypeSubscription {
		h.runSubscription(execCtx, logCtx, r, args, id, send)
	} else {
		h.runSingle(execCtx, logCtx, r, args, id, send)
	}

	if h.onComplete != nil {
		h.onComplete(logCtx, r, args)
	}
}

// runSingle executes a query or mutation: one next event, then complete.
func (h *Handler) runSingle(execCtx, logCtx context.Context, r *http.Request, args *ExecutionArgs, id string, send func(string, []byte) error) {
	result := graphql.Execute(graphql.ExecuteParams{
		Schema:        args.Schema,
		Root:          args.RootValue,
		AST:           args.Document,
		OperationName: args.OperationName,
		Args:          args.Variables,
		Context:       execCtx,
	})

	if h.onOperation != nil {
		if override, err := h.onOperation(execCtx, r, args, result); err != nil {
			h.log.ErrorContext(logCtx, "hook.operation.fail", slog.String("err", err.Error()))
			return
		} else if override != nil {
			result = override
		}
	}

	if !h.emitResult(execCtx, logCtx, r, args, id, result, send) {
		return
	}
	if err := emitComplete(id, send); err != nil {
		h.log.ErrorContext(logCtx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(logCtx, "op.execute.ok")
}

// runSubscription drives the async producer: one next per yielded value, in
// producer order, then complete. Each write is awaited before the next value
// is pulled, so slow consumers pace the producer.
//
// Subscription execution goes through graphql.Subscribe, the library's
// query-string entry point, rather than an AST-based one; the already
// validated document is handed back as source text.
func (h *Handler) runSubscription(execCtx, logCtx context.Context, r *http.Request, args *ExecutionArgs, id string, send func(string, []byte) error) {
	params := graphql.Params{
		Schema:         args.Schema,
		RequestString:  args.sourceText(),
		VariableValues: args.Variables,
		OperationName:  args.OperationName,
		Context:        execCtx,
	}
	if root, ok := args.RootValue.(map[string]interface{}); ok {
		params.RootObject = root
	}

	ch := graphql.Subscribe(params)
	for {
		select {
		case <-execCtx.Done():
			// Canceled: the producer's cleanup runs via the context; nothing
			// further is emitted.
			h.log.InfoContext(logCtx, "op.subscription.cancel")
			return
		case result, ok := <-ch:
			if !ok {
				if err := emitComplete(id, send); err != nil {
					h.log.ErrorContext(logCtx, "sse.write.fail", slog.String("err", err.Error()))
					return
				}
				h.log.InfoContext(logCtx, "op.subscription.done")
				return
			}
			if !h.emitResult(execCtx, logCtx, r, args, id, result, send) {
				return
			}
		}
	}
}

// emitResult applies the per-value hook and frames the result as one next
// event. It reports whether the stream is still usable.
func (h *Handler) emitResult(execCtx, logCtx context.Context, r *http.Request, args *ExecutionArgs, id string, result *graphql.Result, send func(string, []byte) error) bool {
	if h.onNext != nil {
		if override, err := h.onNext(execCtx, r, args, result); err != nil {
			h.log.ErrorContext(logCtx, "hook.next.fail", slog.String("err", err.Error()))
			return false
		} else if override != nil {
			result = override
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		h.log.ErrorContext(logCtx, "result.marshal.fail", slog.String("err", err.Error()))
		return false
	}
	if err := emitNext(id, payload, send); err != nil {
		h.log.ErrorContext(logCtx, "sse.write.fail", slog.String("err", err.Error()))
		return false
	}
	h.log.InfoContext(logCtx, "sse.message.deliver")
	return true
}

// emitErrors delivers GraphQL errors in-band: a next event carrying the
// errors payload, then complete. Terminal errors do not leave the operation
// in a resumable state.
func (h *Handler) emitErrors(logCtx context.Context, id string, errs []gqlerrors.FormattedError, send func(string, []byte) error) {
	payload, err := json.Marshal(errorsPayload{Errors: errs})
	if err != nil {
		h.log.ErrorContext(logCtx, "result.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := emitNext(id, payload, send); err != nil {
		h.log.ErrorContext(logCtx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	if err := emitComplete(id, send); err != nil {
		h.log.ErrorContext(logCtx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(logCtx, "op.errors.deliver")
}

// requestFromQuery decodes the distinct-mode GET query string: query,
// operationName, plus JSON-encoded variables and extensions.
func requestFromQuery(r *http.Request) (*graphqlsse.Request, error) {
	q := r.URL.Query()
	req := &graphqlsse.Request{
		Query:         q.Get("query"),
		OperationName: q.Get("operationName"),
	}
	if v := q.Get("variables"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Variables); err != nil {
			return nil, fmt.Errorf("invalid variables parameter: %w", err)
		}
	}
	if v := q.Get("extensions"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Extensions); err != nil {
			return nil, fmt.Errorf("invalid extensions parameter: %w", err)
		}
	}
	return req, nil
}

// EncodeQuery encodes req as a distinct-mode GET query string, the inverse
// of the server's query-string decoding. Exposed for EventSource-style
// clients.
func EncodeQuery(req *graphqlsse.Request) (url.Values, error) {
	q := url.Values{}
	q.Set("query", req.Query)
	if req.OperationName != "" {
		q.Set("operationName", req.OperationName)
	}
	if req.Variables != nil {
		b, err := json.Marshal(req.Variables)
		if err != nil {
			return nil, fmt.Errorf("encode variables: %w", err)
		}
		q.Set("variables", string(b))
	}
	if req.Extensions != nil {
		b, err := json.Marshal(req.Extensions)
		if err != nil {
			return nil, fmt.Errorf("encode extensions: %w", err)
		}
		q.Set("extensions", string(b))
	}
	return q, nil
}
