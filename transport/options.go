package transport

import (
	"time"

	"agent-rpc/middleware"
	"agent-rpc/protocol"

	"go.uber.org/zap"
)

const (
	// DefaultCallTimeout is how long Call waits for a response.
	DefaultCallTimeout = 300 * time.Second
	// DefaultWorkers is the number of goroutines executing incoming calls.
	DefaultWorkers = 4
)

type options struct {
	callTimeout  time.Duration
	workers      int
	compress     bool
	pollInterval time.Duration
	keepAlive    time.Duration
	maxArgLength int
	middlewares  []middleware.Middleware
	logger       *zap.Logger
}

func defaultOptions() options {
	return options{
		callTimeout:  DefaultCallTimeout,
		workers:      DefaultWorkers,
		compress:     true,
		keepAlive:    30 * time.Second,
		maxArgLength: protocol.MaxArgLength,
	}
}

// Option configures a Link.
type Option func(*options)

// WithCallTimeout sets how long Call waits for the peer's response.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithWorkers sets the size of the pool executing incoming calls.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithCompression toggles gzip on non-raw arguments. Both peers must agree.
func WithCompression(on bool) Option {
	return func(o *options) { o.compress = on }
}

// WithReadPollInterval makes the reader wake up at this interval while the
// connection is idle, so it notices a close without waiting for traffic.
// Zero blocks until data arrives.
func WithReadPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithKeepAlivePeriod sets the TCP keep-alive period of the connection.
func WithKeepAlivePeriod(d time.Duration) Option {
	return func(o *options) { o.keepAlive = d }
}

// WithMaxArgLength caps a single encoded argument in both directions. An
// outgoing call over the cap fails locally; an incoming frame over it closes
// the link. Zero means the wire limit.
func WithMaxArgLength(n int) Option {
	return func(o *options) { o.maxArgLength = n }
}

// WithMiddleware wraps local dispatch in the given middlewares, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithLogger sets the logger of the link.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}
