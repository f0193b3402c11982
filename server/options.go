package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	graphqlsse "github.com/gqlsse/graphql-sse-go"
	"github.com/gqlsse/graphql-sse-go/auth"
	"github.com/gqlsse/graphql-sse-go/broker"
	"github.com/graphql-go/graphql"
)

// Default cadences. Both are configurable via options.
const (
	// DefaultKeepAlive is the interval between comment keep-alive lines on
	// open event streams, chosen to defeat common intermediary idle
	// timeouts.
	DefaultKeepAlive = 12 * time.Second

	// DefaultReservationTimeout bounds how long an unconsumed reservation is
	// kept before it is evicted.
	DefaultReservationTimeout = 10 * time.Second
)

// SchemaFunc resolves the schema per request, for hosts serving many
// schemas. It overrides the static schema passed to New.
type SchemaFunc func(ctx context.Context, r *http.Request, req *graphqlsse.Request) (graphql.Schema, error)

// ContextFunc derives the context execution runs under. The parent is bound
// to the operation's lifetime: canceling it cancels the producer.
type ContextFunc func(ctx context.Context, r *http.Request, req *graphqlsse.Request) (context.Context, error)

// OnSubscribeFunc runs before an accepted operation is prepared. It may
// return ready-made execution args (skipping the engine's own parse,
// validate and schema resolution), a response override sent verbatim, or
// neither to continue with default processing. It may also rewrite req in
// place, which is how persisted queries are resolved.
type OnSubscribeFunc func(ctx context.Context, r *http.Request, req *graphqlsse.Request) (*ExecutionArgs, *graphqlsse.Response, error)

// OnOperationFunc runs after a query or mutation executed, before its result
// is emitted. A non-nil return replaces the result. Not called for
// subscriptions.
type OnOperationFunc func(ctx context.Context, r *http.Request, args *ExecutionArgs, result *graphql.Result) (*graphql.Result, error)

// OnNextFunc runs for every emitted value. A non-nil return replaces the
// value.
type OnNextFunc func(ctx context.Context, r *http.Request, args *ExecutionArgs, result *graphql.Result) (*graphql.Result, error)

// OnCompleteFunc runs after an operation terminated, whatever the outcome.
type OnCompleteFunc func(ctx context.Context, r *http.Request, args *ExecutionArgs)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger             *slog.Logger
	schemaFunc         SchemaFunc
	rootValue          any
	contextFunc        ContextFunc
	authenticator      auth.Authenticator
	onSubscribe        OnSubscribeFunc
	onOperation        OnOperationFunc
	onNext             OnNextFunc
	onComplete         OnCompleteFunc
	keepAlive          time.Duration
	reservationTimeout time.Duration
	broker             broker.Broker
}

// WithLogger sets the slog logger used by the handler. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithSchemaFunc resolves the schema dynamically per request.
func WithSchemaFunc(f SchemaFunc) Option {
	return func(c *newConfig) { c.schemaFunc = f }
}

// WithRootValue sets the root value passed to the executor.
func WithRootValue(v any) Option {
	return func(c *newConfig) { c.rootValue = v }
}

// WithContextFunc derives the execution context per operation.
func WithContextFunc(f ContextFunc) Option {
	return func(c *newConfig) { c.contextFunc = f }
}

// WithAuthenticator installs the authenticate hook invoked before routing.
// The default mints a random token for PUT and reads the stream token
// header for everything else.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.authenticator = a }
}

// WithOnSubscribe installs the pre-execution hook.
func WithOnSubscribe(f OnSubscribeFunc) Option {
	return func(c *newConfig) { c.onSubscribe = f }
}

// WithOnOperation installs the post-execution hook for single-result
// operations.
func WithOnOperation(f OnOperationFunc) Option {
	return func(c *newConfig) { c.onOperation = f }
}

// WithOnNext installs the per-value hook.
func WithOnNext(f OnNextFunc) Option {
	return func(c *newConfig) { c.onNext = f }
}

// WithOnComplete installs the operation-termination hook.
func WithOnComplete(f OnCompleteFunc) Option {
	return func(c *newConfig) { c.onComplete = f }
}

// WithKeepAlive sets the comment keep-alive cadence on open event streams.
// Zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithReservationTimeout bounds how long an unconsumed single-connection
// reservation is kept. Zero disables eviction.
func WithReservationTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.reservationTimeout = d }
}

// WithBroker routes single-connection event delivery through b instead of
// the default in-process broker. A shared broker (broker/redis) lets
// operations executing on one instance deliver results to an event stream
// attached on another.
func WithBroker(b broker.Broker) Option {
	return func(c *newConfig) { c.broker = b }
}
