package zeromq

import (
	"time"

	"agent-rpc/middleware"

	"go.uber.org/zap"
)

const (
	DefaultCommandPort = 5555
	DefaultEventPort   = 5556
	DefaultBindHost    = "*"
	DefaultMaxRetries  = 3
)

type options struct {
	commandPort int
	eventPort   int
	bindHost    string
	timeout     time.Duration
	maxRetries  int
	redialDelay time.Duration
	middlewares []middleware.Middleware
	logger      *zap.Logger
}

func defaultOptions() options {
	return options{
		commandPort: DefaultCommandPort,
		eventPort:   DefaultEventPort,
		bindHost:    DefaultBindHost,
		maxRetries:  DefaultMaxRetries,
		redialDelay: 500 * time.Millisecond,
	}
}

// Option configures a Link.
type Option func(*options)

// WithCommandPort sets the REQ/REP port.
func WithCommandPort(port int) Option {
	return func(o *options) { o.commandPort = port }
}

// WithEventPort sets the PUB/SUB port.
func WithEventPort(port int) Option {
	return func(o *options) { o.eventPort = port }
}

// WithBindHost sets the interface the server binds to. "*" means all.
func WithBindHost(host string) Option {
	return func(o *options) { o.bindHost = host }
}

// WithTimeout bounds one request/reply exchange, connecting included. Zero
// waits forever.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxRetries sets how many attempts a client call makes before giving up.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithRedialDelay sets the pause between two attempts of a command and
// between attempts to reconnect the event subscription.
func WithRedialDelay(d time.Duration) Option {
	return func(o *options) { o.redialDelay = d }
}

// WithMiddleware wraps local dispatch in the given middlewares, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithLogger sets the logger of the link.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}
