// Package transport implements the stream transport: a bidirectional RPC link
// over one established byte stream, usually a TCP connection.
//
// Both peers are symmetric. Each side can call the other, and many calls can
// be in flight at once over the single connection:
//
//	caller-1 ──Call(id=10001)──┐
//	caller-2 ──Call(id=10002)──┼──► one conn ──► peer
//	caller-3 ──Notify──────────┘
//
//	readLoop: ◄── response(10002) ── pending.Resolve ──► caller-2 wakes up
//	          ◄── request("Add") ─── WorkerPool ──► dispatch ──► response
//
// A single goroutine reads frames, since frame boundaries can only be parsed
// sequentially. Responses are resolved right there; requests are handed to a
// worker pool so a slow handler never stalls the reader.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"agent-rpc/codec"
	"agent-rpc/dispatch"
	"agent-rpc/message"
	"agent-rpc/middleware"
	"agent-rpc/pending"
	"agent-rpc/protocol"
	"agent-rpc/remote"

	"go.uber.org/zap"
)

// ErrAlreadyOpen is returned by Open on a link that is running.
var ErrAlreadyOpen = errors.New("stream: link already open")

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Link is one end of a stream connection. R is the interface exposed by the
// peer; Remote returns a stub for it.
type Link[R any] struct {
	conn    io.ReadWriteCloser
	peer    string
	reader  *bufio.Reader
	writer  *bufio.Writer
	sending sync.Mutex // whole frames only: interleaved bytes corrupt the stream

	calls   *pending.Table
	codec   codec.Codec
	svc     *dispatch.Service
	local   any
	handler middleware.HandlerFunc
	proxy   *remote.Proxy[R]

	mu   sync.Mutex // guards pool against a concurrent Open and Close
	pool *WorkerPool

	opts   options
	logger *zap.Logger

	started  atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
	readDone chan struct{}
}

// NewLink wraps conn. Incoming calls are executed on local, which may be nil
// when this side only makes calls. factory builds the stub Remote returns.
// The link does nothing until Open.
func NewLink[R any](conn io.ReadWriteCloser, local any, factory remote.Factory[R], opts ...Option) (*Link[R], error) {
	l := newLink(conn, factory, opts...)
	if err := l.bind(local); err != nil {
		return nil, err
	}
	return l, nil
}

func newLink[R any](conn io.ReadWriteCloser, factory remote.Factory[R], opts ...Option) *Link[R] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	peer := "pipe"
	if nc, ok := conn.(net.Conn); ok && nc.RemoteAddr() != nil {
		peer = nc.RemoteAddr().String()
	}
	logger := o.logger
	if logger == nil {
		logger = zap.L().Named("stream")
	}
	logger = logger.With(zap.String("peer", peer))

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		if o.keepAlive > 0 {
			tc.SetKeepAlivePeriod(o.keepAlive)
		}
	}

	l := &Link[R]{
		conn:     conn,
		peer:     peer,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		calls:    pending.NewTable(),
		codec:    codec.ForStream(o.compress),
		opts:     o,
		logger:   logger,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	l.proxy = remote.NewProxy[R](l, factory)
	return l
}

// bind attaches the local implementation. It runs before Open, so the read
// loop never sees a half-built dispatcher.
func (l *Link[R]) bind(local any) error {
	svc, err := dispatch.NewService(local, l.codec)
	if err != nil {
		return err
	}
	l.local = local
	l.svc = svc
	l.handler = middleware.Chain(l.opts.middlewares...)(svc.Handle)
	l.logger.Debug("bound local object", zap.Strings("methods", svc.Methods()))
	return nil
}

// Open starts the worker pool and the read loop.
func (l *Link[R]) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return remote.ErrClosed
	}
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	l.pool = NewWorkerPool(l.opts.workers, l.logger)
	go l.readLoop(l.pool)
	l.logger.Debug("link opened")
	return nil
}

// Close tears the link down. The first call closes the local object if it is
// an io.Closer, closes the connection, cancels running handlers and wakes every
// blocked caller with remote.ErrClosed. Later calls do nothing.
func (l *Link[R]) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.done)

	if c, ok := l.local.(io.Closer); ok {
		if err := c.Close(); err != nil {
			l.logger.Warn("closing local object", zap.Error(err))
		}
	}
	err := l.conn.Close()
	l.mu.Lock()
	pool := l.pool
	l.mu.Unlock()
	if pool != nil {
		pool.Shutdown()
	}
	l.logger.Debug("link closed", zap.Int("abandoned_calls", l.calls.Len()))
	return err
}

// IsOpen reports whether the link is running.
func (l *Link[R]) IsOpen() bool {
	return l.started.Load() && !l.closed.Load()
}

// Done is closed when the link closes.
func (l *Link[R]) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the read loop has exited. It returns immediately for a
// link that was never opened.
func (l *Link[R]) Wait() {
	if !l.started.Load() {
		return
	}
	<-l.readDone
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

// Local returns the object incoming calls are executed on.
func (l *Link[R]) Local() any {
	return l.local
}

func (l *Link[R]) String() string {
	return remote.Describe("stream", l.peer, l.IsOpen())
}

// Call invokes method on the peer and decodes the result into reply. It waits
// at most the configured call timeout, then returns remote.ErrTimeout.
func (l *Link[R]) Call(ctx context.Context, method string, reply any, args ...any) error {
	if !l.IsOpen() {
		return remote.ErrClosed
	}
	encoded, err := l.encodeArgs(method, args)
	if err != nil {
		return err
	}

	id := l.calls.NextID()
	l.calls.Register(id)
	if err := l.send(&protocol.Frame{Method: method, ID: id, Args: encoded}); err != nil {
		l.calls.Remove(id)
		l.terminate(err)
		return fmt.Errorf("send %s: %w", method, err)
	}

	out, err := l.calls.Wait(ctx, id, l.opts.callTimeout, l.done)
	if err != nil {
		return err
	}
	if out == nil {
		l.logger.Debug("call timed out", zap.String("method", method), zap.Int32("id", id))
		return fmt.Errorf("%s: %w", method, remote.ErrTimeout)
	}
	if out.IsError {
		var description string
		if err := l.codec.Decode(out.Value, &description); err != nil {
			description = string(out.Value)
		}
		return &remote.Error{Message: description}
	}
	if reply == nil || len(out.Value) == 0 {
		return nil
	}
	if err := l.codec.Decode(out.Value, reply); err != nil {
		return fmt.Errorf("decode result of %s: %w", method, err)
	}
	return nil
}

// Notify sends a call whose result nobody waits for.
func (l *Link[R]) Notify(ctx context.Context, method string, args ...any) error {
	if !l.IsOpen() {
		return remote.ErrClosed
	}
	encoded, err := l.encodeArgs(method, args)
	if err != nil {
		return err
	}
	if err := l.send(&protocol.Frame{Method: method, ID: l.calls.NextID(), Args: encoded}); err != nil {
		l.terminate(err)
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

func (l *Link[R]) encodeArgs(method string, args []any) ([][]byte, error) {
	encoded := make([][]byte, len(args))
	for i, arg := range args {
		data, err := l.codec.Encode(arg)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d of %s: %w", i, method, err)
		}
		encoded[i] = data
	}
	// rejected here, a frame that cannot be sent never reaches the writer
	if err := protocol.CheckFrame(&protocol.Frame{Method: method, Args: encoded}, l.opts.maxArgLength); err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	return encoded, nil
}

func (l *Link[R]) send(f *protocol.Frame) error {
	l.sending.Lock()
	defer l.sending.Unlock()
	return protocol.WriteFrame(l.writer, f)
}

// readLoop runs until the connection fails or the link closes.
func (l *Link[R]) readLoop(pool *WorkerPool) {
	defer close(l.readDone)

	deadliner, canPoll := l.conn.(readDeadliner)
	poll := l.opts.pollInterval > 0 && canPoll

	for !l.closed.Load() {
		if poll {
			// An idle timeout is not a failure: poll again so a close is noticed.
			deadliner.SetReadDeadline(time.Now().Add(l.opts.pollInterval))
			if _, err := l.reader.Peek(1); err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				l.terminate(err)
				return
			}
			deadliner.SetReadDeadline(time.Time{})
		}

		frame, err := protocol.ReadFrameLimit(l.reader, l.opts.maxArgLength)
		if err != nil {
			l.terminate(err)
			return
		}

		if frame.IsResponse() {
			id, failed := frame.CallID()
			if !l.calls.Resolve(id, frame.Payload(), failed) {
				l.logger.Debug("dropping response nobody waits for", zap.Int32("id", id))
			}
			continue
		}

		if !pool.Submit(func(ctx context.Context) { l.execute(ctx, frame) }) {
			return
		}
	}
}

// execute runs one incoming request on a worker and answers it unless the
// method is void.
func (l *Link[R]) execute(ctx context.Context, f *protocol.Frame) {
	arity := len(f.Args)
	if !l.svc.Has(f.Method, arity) {
		l.logger.Warn("no local method for incoming call",
			zap.String("method", f.Method), zap.Int("arity", arity), zap.Int32("id", f.ID))
		return
	}

	res := l.handler(ctx, &message.Invocation{ID: f.ID, Method: f.Method, Args: f.Args})
	if l.svc.IsVoid(f.Method, arity) {
		if res.Err != nil {
			l.logger.Warn("void call failed", zap.String("method", f.Method), zap.Error(res.Err))
		}
		return
	}

	var reply *protocol.Frame
	if res.Err != nil {
		l.logger.Debug("call failed", zap.String("method", f.Method), zap.Error(res.Err),
			zap.String("stack", res.Stack))
		payload, err := l.codec.Encode(res.Err.Error())
		if err != nil {
			l.logger.Error("encode error description", zap.Error(err))
			return
		}
		reply = protocol.NewErrorResponse(f.ID, payload)
	} else {
		reply = protocol.NewResponse(f.ID, res.Payload)
		if err := protocol.CheckFrame(reply, l.opts.maxArgLength); err != nil {
			l.logger.Warn("result does not fit a frame", zap.String("method", f.Method), zap.Error(err))
			payload, encErr := l.codec.Encode(err.Error())
			if encErr != nil {
				return
			}
			reply = protocol.NewErrorResponse(f.ID, payload)
		}
	}

	if l.closed.Load() {
		return
	}
	if err := l.send(reply); err != nil {
		l.terminate(err)
	}
}

// terminate closes the link after an I/O failure.
func (l *Link[R]) terminate(err error) {
	if l.closed.Load() {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		l.logger.Debug("peer went away", zap.Error(err))
	} else {
		l.logger.Warn("link failed", zap.Error(err))
	}
	l.Close()
}
