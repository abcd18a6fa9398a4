// Package pending implements the correlation table of a link.
//
// Every outgoing call that expects an answer registers a Call under a fresh
// id. The reader goroutine resolves the Call when the response frame arrives,
// and the caller goroutine waits on it with a deadline. Responses may arrive
// in any order; the table is what pairs each one with its caller.
//
//	caller-1 ──Register(10001)──┐
//	caller-2 ──Register(10002)──┼──► one connection ──► peer
//	                            │
//	reader:  ◄── response(10002) ── Resolve ──► caller-2 wakes up
package pending

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// FirstID is where correlation ids start. Small values stay free for
// handshake use.
const FirstID int32 = 10_000

// ErrClosed is returned by Wait when the link is torn down while waiting.
var ErrClosed = errors.New("rpc: link closed")

// Call is the slot one caller waits on.
type Call struct {
	done    chan struct{}
	once    sync.Once
	value   []byte
	isError bool
}

// Outcome is the resolved state of a Call.
type Outcome struct {
	Value   []byte
	IsError bool // Value is an encoded error description
}

// Table maps in-flight correlation ids to their Calls.
type Table struct {
	calls  sync.Map // map[int32]*Call
	nextID atomic.Int32
	size   atomic.Int64
}

// NewTable returns an empty table whose first id is FirstID.
func NewTable() *Table {
	t := &Table{}
	t.nextID.Store(FirstID)
	return t
}

// NextID hands out the next correlation id. Ids stay positive so the sign
// remains free to mark error responses; on overflow they restart at FirstID.
func (t *Table) NextID() int32 {
	for {
		cur := t.nextID.Load()
		next := cur + 1
		if cur == math.MaxInt32 {
			next = FirstID
		}
		if t.nextID.CompareAndSwap(cur, next) {
			return cur
		}
	}
}

// Register creates the Call for id. It must happen before the request is
// written, otherwise a fast response could find no one waiting.
func (t *Table) Register(id int32) *Call {
	c := &Call{done: make(chan struct{})}
	if _, loaded := t.calls.Swap(id, c); !loaded {
		t.size.Add(1)
	}
	return c
}

// Remove drops the Call for id, if any.
func (t *Table) Remove(id int32) {
	if _, ok := t.calls.LoadAndDelete(id); ok {
		t.size.Add(-1)
	}
}

// Resolve stores the response for id and wakes its caller. It reports false
// when no one is waiting, e.g. the caller already timed out.
func (t *Table) Resolve(id int32, value []byte, isError bool) bool {
	v, ok := t.calls.Load(id)
	if !ok {
		return false
	}
	c := v.(*Call)
	resolved := false
	c.once.Do(func() {
		c.value = value
		c.isError = isError
		close(c.done)
		resolved = true
	})
	return resolved
}

// Wait blocks until the Call for id is resolved, timeout elapses, ctx is
// done or closed fires. On timeout it returns (nil, nil): interpreting a
// missing result is up to the caller. The entry is removed in every case.
func (t *Table) Wait(ctx context.Context, id int32, timeout time.Duration, closed <-chan struct{}) (*Outcome, error) {
	defer t.Remove(id)

	v, ok := t.calls.Load(id)
	if !ok {
		return nil, nil
	}
	c := v.(*Call)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return &Outcome{Value: c.value, IsError: c.isError}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closed:
		// A response may have raced the close
		select {
		case <-c.done:
			return &Outcome{Value: c.value, IsError: c.isError}, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Len returns the number of in-flight calls.
func (t *Table) Len() int {
	return int(t.size.Load())
}
