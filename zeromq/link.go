// Package zeromq implements the message-queue transport: commands travel over
// a REQ/REP pair and events over a PUB/SUB pair.
//
//	client (console)                 server (agent)
//	REQ  ──── command :5555 ────►    REP   command loop
//	SUB  ◄─── events  :5556 ─────    PUB   Notify / Call
//
// The two directions are not symmetric. A client call gets a reply and is
// retried over a fresh socket on transport failures. A server call is a
// published event: nobody can answer it.
//
// Requests and replies are JSON documents sent as zlib streams.
package zeromq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"agent-rpc/codec"
	"agent-rpc/dispatch"
	"agent-rpc/message"
	"agent-rpc/middleware"
	"agent-rpc/remote"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

// Role selects which half of the socket pairs a link owns.
type Role int

const (
	// RoleServer binds REP and PUB.
	RoleServer Role = iota
	// RoleClient connects REQ and SUB.
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

var (
	// ErrAlreadyOpen is returned by Open on a link that is running.
	ErrAlreadyOpen = errors.New("zeromq: link already open")

	errExchangeTimeout = errors.New("zeromq: no reply within timeout")
)

// Link is one end of a ZeroMQ connection. R is the interface exposed by the
// peer.
type Link[R any] struct {
	role     Role
	host     string
	opts     options
	codec    codec.Codec // arguments and results
	envelope codec.Codec // Request and Response documents
	svc      *dispatch.Service
	local    any
	handler  middleware.HandlerFunc
	proxy    *remote.Proxy[R]
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// server
	rep   zmq4.Socket
	pub   zmq4.Socket
	pubMu sync.Mutex

	// client
	reqMu sync.Mutex
	req   zmq4.Socket
	subMu sync.Mutex
	sub   zmq4.Socket

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

// NewServer returns a server-role link that will bind the command and event
// ports. Commands are executed on local.
func NewServer[R any](local any, factory remote.Factory[R], opts ...Option) (*Link[R], error) {
	return newLink(RoleServer, "", local, factory, opts...)
}

// NewClient returns a client-role link to the server on host. Events are
// executed on local.
func NewClient[R any](host string, local any, factory remote.Factory[R], opts ...Option) (*Link[R], error) {
	return newLink(RoleClient, host, local, factory, opts...)
}

func newLink[R any](role Role, host string, local any, factory remote.Factory[R], opts ...Option) (*Link[R], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries < 1 {
		o.maxRetries = 1
	}
	logger := o.logger
	if logger == nil {
		logger = zap.L().Named("zeromq")
	}

	c := codec.GetCodec(codec.CodecTypeJSON)
	svc, err := dispatch.NewService(local, c)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link[R]{
		role:     role,
		host:     host,
		opts:     o,
		codec:    c,
		envelope: codec.GetCodec(codec.CodecTypeZlib),
		svc:      svc,
		local:    local,
		handler:  middleware.Chain(o.middlewares...)(svc.Handle),
		logger:   logger.With(zap.Stringer("role", role)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	l.proxy = remote.NewProxy[R](l, factory)
	return l, nil
}

// Role reports which half of the socket pairs this link owns.
func (l *Link[R]) Role() Role {
	return l.role
}

// Open binds (server) or connects (client) the sockets and starts the
// receive loop.
func (l *Link[R]) Open() error {
	if l.closed.Load() {
		return remote.ErrClosed
	}
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	if l.role == RoleServer {
		return l.openServer()
	}
	l.openClient()
	return nil
}

func (l *Link[R]) openServer() error {
	rep := zmq4.NewRep(l.ctx)
	if err := rep.Listen(l.endpoint(l.opts.bindHost, l.opts.commandPort)); err != nil {
		rep.Close()
		l.Close()
		return fmt.Errorf("bind command socket: %w", err)
	}
	pub := zmq4.NewPub(l.ctx)
	if err := pub.Listen(l.endpoint(l.opts.bindHost, l.opts.eventPort)); err != nil {
		rep.Close()
		pub.Close()
		l.Close()
		return fmt.Errorf("bind event socket: %w", err)
	}
	l.rep, l.pub = rep, pub

	go l.commandLoop(rep)
	l.logger.Info("serving", zap.Int("command_port", l.opts.commandPort), zap.Int("event_port", l.opts.eventPort))
	return nil
}

// openClient starts the event subscription. The command socket is dialed
// on the first call, so a server that is not up yet does not fail Open.
func (l *Link[R]) openClient() {
	go l.eventLoop()
	l.logger.Info("connecting", zap.String("host", l.host))
}

func (l *Link[R]) endpoint(host string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// Close releases every socket, which also ends the receive loop. Later calls
// do nothing.
func (l *Link[R]) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.done)
	l.cancel()

	var errs []error
	closeSocket := func(sock *zmq4.Socket) {
		if *sock != nil {
			if err := (*sock).Close(); err != nil {
				errs = append(errs, err)
			}
			*sock = nil
		}
	}

	if l.rep != nil {
		closeSocket(&l.rep)
	}
	l.pubMu.Lock()
	closeSocket(&l.pub)
	l.pubMu.Unlock()
	l.subMu.Lock()
	closeSocket(&l.sub)
	l.subMu.Unlock()
	// A running exchange holds reqMu and releases its socket itself
	if l.reqMu.TryLock() {
		closeSocket(&l.req)
		l.reqMu.Unlock()
	}

	l.logger.Debug("link closed")
	return errors.Join(errs...)
}

// IsOpen reports whether the link is running.
func (l *Link[R]) IsOpen() bool {
	return l.started.Load() && !l.closed.Load()
}

// Done is closed when the link closes.
func (l *Link[R]) Done() <-chan struct{} {
	return l.done
}

// Remote returns the stub of the peer's interface, or the zero R once the
// link is closed.
func (l *Link[R]) Remote() R {
	if l.closed.Load() {
		var zero R
		return zero
	}
	return l.proxy.Get()
}

func (l *Link[R]) String() string {
	peer := l.host
	if l.role == RoleServer {
		peer = "subscribers"
	}
	return remote.Describe("zeromq "+l.role.String(), peer, l.IsOpen())
}

// Call invokes method on the peer. On a client link it waits for the reply,
// retrying transport failures. On a server link it publishes the call as an
// event and returns remote.ErrOneWay, since subscribers cannot answer.
func (l *Link[R]) Call(ctx context.Context, method string, reply any, args ...any) error {
	if !l.IsOpen() {
		return remote.ErrClosed
	}
	data, err := l.request(method, args)
	if err != nil {
		return err
	}
	if l.role == RoleServer {
		if err := l.publish(data); err != nil {
			return err
		}
		return fmt.Errorf("%s: %w", method, remote.ErrOneWay)
	}
	return l.callWithRetry(ctx, method, data, reply)
}

// Notify invokes a method without waiting. A server publishes it; a client
// sends it as a command in the background and logs failures.
func (l *Link[R]) Notify(ctx context.Context, method string, args ...any) error {
	if !l.IsOpen() {
		return remote.ErrClosed
	}
	data, err := l.request(method, args)
	if err != nil {
		return err
	}
	if l.role == RoleServer {
		return l.publish(data)
	}
	go func() {
		if err := l.callWithRetry(l.ctx, method, data, nil); err != nil && !l.closed.Load() {
			l.logger.Warn("notification failed", zap.String("method", method), zap.Error(err))
		}
	}()
	return nil
}

func (l *Link[R]) request(method string, args []any) ([]byte, error) {
	req := message.Request{Method: method, Args: make([]json.RawMessage, len(args))}
	for i, arg := range args {
		data, err := l.codec.Encode(arg)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d of %s: %w", i, method, err)
		}
		req.Args[i] = data
	}
	return l.envelope.Encode(req)
}

func (l *Link[R]) publish(data []byte) error {
	l.pubMu.Lock()
	defer l.pubMu.Unlock()
	if l.pub == nil {
		return remote.ErrClosed
	}
	return l.pub.Send(zmq4.NewMsg(data))
}

// callWithRetry sends one command, rebuilding the command socket after every
// transport failure. An error reply from the server is final.
func (l *Link[R]) callWithRetry(ctx context.Context, method string, data []byte, reply any) error {
	var lastErr error
	for attempt := 1; attempt <= l.opts.maxRetries; attempt++ {
		resp, err := l.exchange(ctx, data)
		if err == nil {
			return l.settle(method, resp, reply)
		}
		if l.closed.Load() {
			return remote.ErrClosed
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		l.logger.Warn("command attempt failed",
			zap.String("method", method), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < l.opts.maxRetries && l.pause() {
			return remote.ErrClosed
		}
	}
	return fmt.Errorf("rpc failed after %d attempts: %w", l.opts.maxRetries, lastErr)
}

func (l *Link[R]) settle(method string, resp *message.Response, reply any) error {
	if resp.Failed() {
		return &remote.Error{Message: resp.Error, StackTrace: resp.StackTrace}
	}
	if reply == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := l.codec.Decode(resp.Data, reply); err != nil {
		return fmt.Errorf("decode result of %s: %w", method, err)
	}
	return nil
}

type exchangeResult struct {
	msg zmq4.Msg
	err error
}

// exchange performs one send and receive on the command socket. Any failure
// leaves the socket closed so the next attempt dials a fresh one.
func (l *Link[R]) exchange(ctx context.Context, data []byte) (*message.Response, error) {
	l.reqMu.Lock()
	defer func() {
		if l.closed.Load() && l.req != nil {
			l.req.Close()
			l.req = nil
		}
		l.reqMu.Unlock()
	}()
	if l.closed.Load() {
		return nil, remote.ErrClosed
	}

	// the dial is part of the timed exchange, so a server that is down costs
	// one timeout per attempt and no more
	sock := l.req
	fresh := sock == nil
	if fresh {
		sockOpts := []zmq4.Option{zmq4.WithDialerMaxRetries(0)}
		if l.opts.timeout > 0 {
			sockOpts = append(sockOpts, zmq4.WithDialerTimeout(l.opts.timeout))
		}
		sock = zmq4.NewReq(l.ctx, sockOpts...)
		l.req = sock
	}

	// zmq4 has no receive timeout, so the exchange runs aside and the socket
	// is closed to abandon it
	result := make(chan exchangeResult, 1)
	go func() {
		if fresh {
			if err := sock.Dial(l.endpoint(l.host, l.opts.commandPort)); err != nil {
				result <- exchangeResult{err: fmt.Errorf("connect command socket: %w", err)}
				return
			}
		}
		if err := sock.Send(zmq4.NewMsg(data)); err != nil {
			result <- exchangeResult{err: err}
			return
		}
		msg, err := sock.Recv()
		result <- exchangeResult{msg: msg, err: err}
	}()

	var timeout <-chan time.Time
	if l.opts.timeout > 0 {
		timer := time.NewTimer(l.opts.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var res exchangeResult
	select {
	case res = <-result:
	case <-timeout:
		res.err = errExchangeTimeout
	case <-ctx.Done():
		res.err = ctx.Err()
	case <-l.done:
		res.err = remote.ErrClosed
	}

	if res.err != nil {
		sock.Close()
		l.req = nil
		return nil, res.err
	}

	var resp message.Response
	if err := l.envelope.Decode(res.msg.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	return &resp, nil
}

// commandLoop answers commands on the REP socket until the link closes.
func (l *Link[R]) commandLoop(rep zmq4.Socket) {
	for {
		msg, err := rep.Recv()
		if err != nil {
			if l.closed.Load() {
				return
			}
			l.logger.Warn("receiving command", zap.Error(err))
			if l.pause() {
				return
			}
			continue
		}

		resp := l.serve(msg.Bytes())
		data, err := l.envelope.Encode(resp)
		if err != nil {
			data, _ = l.envelope.Encode(message.Response{Error: err.Error()})
		}
		if err := rep.Send(zmq4.NewMsg(data)); err != nil && !l.closed.Load() {
			l.logger.Warn("sending reply", zap.Error(err))
		}
	}
}

// serve executes one command. REP must answer every request, so an unknown
// method is reported back as an error.
func (l *Link[R]) serve(data []byte) *message.Response {
	var req message.Request
	if err := l.envelope.Decode(data, &req); err != nil {
		return &message.Response{Error: fmt.Sprintf("malformed request: %v", err)}
	}
	res := l.invoke(&req)
	if res.Err != nil {
		l.logger.Debug("command failed", zap.String("method", req.Method), zap.Error(res.Err))
		return &message.Response{Error: res.Err.Error(), StackTrace: res.Stack}
	}
	return &message.Response{Data: res.Payload}
}

func (l *Link[R]) invoke(req *message.Request) *message.Result {
	args := make([][]byte, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}
	if !l.svc.Has(req.Method, len(args)) {
		return message.ErrorResult(fmt.Errorf("%w: %s/%d", dispatch.ErrMethodNotFound, req.Method, len(args)))
	}
	return l.handler(l.ctx, &message.Invocation{Method: req.Method, Args: args})
}

// eventLoop keeps a subscription to the server's events and executes each
// one. A lost subscription is redialed until the link closes.
func (l *Link[R]) eventLoop() {
	for !l.closed.Load() {
		sub, err := l.subscribe()
		if err != nil {
			if l.closed.Load() {
				return
			}
			l.logger.Debug("subscribing to events", zap.Error(err))
			if l.pause() {
				return
			}
			continue
		}

		for {
			msg, err := sub.Recv()
			if err != nil {
				if l.closed.Load() {
					return
				}
				l.logger.Warn("receiving event", zap.Error(err))
				l.dropSubscription(sub)
				break
			}
			l.handleEvent(msg.Bytes())
		}
	}
}

func (l *Link[R]) subscribe() (zmq4.Socket, error) {
	sub := zmq4.NewSub(l.ctx, zmq4.WithDialerRetry(l.opts.redialDelay))
	if err := sub.Dial(l.endpoint(l.host, l.opts.eventPort)); err != nil {
		sub.Close()
		return nil, err
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		sub.Close()
		return nil, err
	}

	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.closed.Load() {
		sub.Close()
		return nil, remote.ErrClosed
	}
	l.sub = sub
	return sub, nil
}

func (l *Link[R]) dropSubscription(sub zmq4.Socket) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.sub == sub {
		l.sub = nil
	}
	sub.Close()
}

func (l *Link[R]) handleEvent(data []byte) {
	var req message.Request
	if err := l.envelope.Decode(data, &req); err != nil {
		l.logger.Warn("malformed event", zap.Error(err))
		return
	}
	res := l.invoke(&req)
	if res.Err != nil {
		l.logger.Warn("event failed", zap.String("method", req.Method), zap.Error(res.Err))
	}
}

// pause waits before a loop retries and reports whether the link closed
// meanwhile.
func (l *Link[R]) pause() bool {
	select {
	case <-l.done:
		return true
	case <-time.After(l.opts.redialDelay):
		return false
	}
}
