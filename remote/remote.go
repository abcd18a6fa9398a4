// Package remote is the caller-facing half of a link.
//
// Go has no runtime interface proxies, so a remote interface is implemented
// by a hand-written stub: a small struct whose every method forwards to an
// Invoker. Invoke and Notify keep those stubs to one line per method:
//
//	type agentStub struct{ inv remote.Invoker }
//
//	func (s agentStub) Add(a, b int) (*int, error) {
//		return remote.Invoke[int](context.Background(), s.inv, "Add", a, b)
//	}
//
// Each transport implements Invoker; Proxy memoizes the stub per link.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"agent-rpc/pending"
)

var (
	// ErrTimeout is returned by Invoker.Call when no response arrived before
	// the deadline. Invoke turns it into a nil result.
	ErrTimeout = errors.New("rpc: call timed out")

	// ErrClosed is returned once the link is closed.
	ErrClosed = pending.ErrClosed

	// ErrOneWay is returned for a value-returning call over a channel that
	// can only publish, such as the ZeroMQ server role.
	ErrOneWay = errors.New("rpc: channel is one-way, no reply possible")
)

// Error is an application failure raised by the remote implementation.
type Error struct {
	Message    string // remote error description
	StackTrace string // remote stack, when the transport carries one
}

func (e *Error) Error() string {
	if e.StackTrace == "" {
		return e.Message
	}
	return e.Message + "\nRemote Stack:\n" + e.StackTrace
}

// IsRemote reports whether err is an application failure of the peer.
func IsRemote(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// Invoker performs calls on the peer of a link.
type Invoker interface {
	// Call invokes method with args and decodes the result into reply.
	// reply may be nil when the result is not needed; a *[]byte reply
	// receives the raw payload. An empty payload leaves reply untouched.
	Call(ctx context.Context, method string, reply any, args ...any) error

	// Notify invokes a method that returns nothing. It never waits for the
	// peer.
	Notify(ctx context.Context, method string, args ...any) error
}

// Invoke calls method and returns its decoded result. A call that times out
// yields a nil result and no error: a missing answer is not a failure at this
// layer. A nil result from the peer also comes back as nil.
//
// Non-byte results decode into a *T slot, so an encoded null leaves it nil.
// A []byte result keeps the raw path of the stream codec; an empty payload
// counts as nil there.
func Invoke[T any](ctx context.Context, inv Invoker, method string, args ...any) (*T, error) {
	var result *T
	var reply any = &result
	raw, isRaw := any(new(T)).(*[]byte)
	if isRaw {
		reply = raw
	}
	if err := inv.Call(ctx, method, reply, args...); err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}
	if isRaw {
		if *raw == nil {
			return nil, nil
		}
		return any(raw).(*T), nil
	}
	return result, nil
}

// Factory builds the stub for remote interface R around an Invoker.
type Factory[R any] func(Invoker) R

// Proxy lazily builds and memoizes the stub of one link.
type Proxy[R any] struct {
	mu      sync.Mutex
	inv     Invoker
	factory Factory[R]
	remote  R
	built   bool
}

// NewProxy returns a Proxy for inv. A nil factory makes Get return the zero R.
func NewProxy[R any](inv Invoker, factory Factory[R]) *Proxy[R] {
	return &Proxy[R]{inv: inv, factory: factory}
}

// Get returns the stub, building it on first use.
func (p *Proxy[R]) Get() R {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.built && p.factory != nil {
		p.remote = p.factory(p.inv)
		p.built = true
	}
	return p.remote
}

// Describe renders a link for logs without touching the wire.
func Describe(kind string, peer string, open bool) string {
	state := "open"
	if !open {
		state = "closed"
	}
	return fmt.Sprintf("%s link to %s (%s)", kind, peer, state)
}
