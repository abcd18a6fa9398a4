package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agent-rpc/message"
	"agent-rpc/middleware"
	"agent-rpc/protocol"
	"agent-rpc/remote"
)

// calcService is what the listening side serves.
type calcService struct {
	records chan string
}

func (c *calcService) Add(a, b int) int { return a + b }

func (c *calcService) Divide(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func (c *calcService) Record(msg string) { c.records <- msg }

func (c *calcService) Echo(data []byte) []byte { return data }

type entry struct {
	Key   string
	Value int
}

// Find knows a single key and returns nil for every other one.
func (c *calcService) Find(key string) *entry {
	if key != "answer" {
		return nil
	}
	return &entry{Key: key, Value: 42}
}

// Delay answers v after ms milliseconds, or gives up when the link closes.
func (c *calcService) Delay(ctx context.Context, v, ms int) (int, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return v, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Calc is the client's view of calcService.
type Calc interface {
	Add(a, b int) (*int, error)
	Record(msg string) error
}

type calcStub struct{ inv remote.Invoker }

func newCalcStub(inv remote.Invoker) Calc { return calcStub{inv} }

func (s calcStub) Add(a, b int) (*int, error) {
	return remote.Invoke[int](context.Background(), s.inv, "Add", a, b)
}

func (s calcStub) Record(msg string) error {
	return s.inv.Notify(context.Background(), "Record", msg)
}

// pinger is what the dialing side serves back.
type pinger struct {
	closed atomic.Bool
}

func (p *pinger) Ping() string { return "pong" }

func (p *pinger) Close() error {
	p.closed.Store(true)
	return nil
}

type Pinger interface{}

func startServer(t *testing.T, opts ...Option) (*Server[Pinger], *calcService) {
	t.Helper()
	svc := &calcService{records: make(chan string, 16)}
	srv := NewServer[Pinger](func(*Link[Pinger]) any { return svc }, nil, opts...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(time.Second) })

	for srv.Addr() == nil {
		time.Sleep(time.Millisecond)
	}
	return srv, svc
}

func dialCalc(t *testing.T, srv *Server[Pinger], local any, opts ...Option) *Link[Calc] {
	t.Helper()
	link, err := Dial[Calc](context.Background(), srv.Addr().String(), local, newCalcStub, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { link.Close() })
	return link
}

func TestCallRoundTrip(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil)

	sum, err := link.Remote().Add(2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if sum == nil || *sum != 5 {
		t.Fatalf("expect 5, got %v", sum)
	}
}

func TestCallWithoutCompression(t *testing.T) {
	srv, _ := startServer(t, WithCompression(false))
	link := dialCalc(t, srv, nil, WithCompression(false))

	sum, err := link.Remote().Add(40, 2)
	if err != nil {
		t.Fatal(err)
	}
	if *sum != 42 {
		t.Fatalf("expect 42, got %d", *sum)
	}
}

func TestNilResultStaysNil(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil)

	found, err := remote.Invoke[entry](context.Background(), link, "Find", "answer")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.Value != 42 {
		t.Fatalf("expect entry 42, got %+v", found)
	}

	missing, err := remote.Invoke[entry](context.Background(), link, "Find", "nothing")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatalf("expect nil for a nil result, got %+v", *missing)
	}
}

func TestCallTimeoutYieldsNil(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil, WithCallTimeout(100*time.Millisecond))

	start := time.Now()
	v, err := remote.Invoke[int](context.Background(), link, "Delay", 7, 2000)
	if err != nil {
		t.Fatalf("expect no error on timeout, got %v", err)
	}
	if v != nil {
		t.Fatalf("expect nil result, got %d", *v)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}

	var reply int
	err = link.Call(context.Background(), "Delay", &reply, 7, 2000)
	if !errors.Is(err, remote.ErrTimeout) {
		t.Fatalf("expect ErrTimeout from Call, got %v", err)
	}
}

func TestNotifyDoesNotBlock(t *testing.T) {
	srv, svc := startServer(t)
	link := dialCalc(t, srv, nil)

	start := time.Now()
	if err := link.Remote().Record("bundle installed"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("notify blocked for %v", elapsed)
	}

	select {
	case msg := <-svc.records:
		if msg != "bundle installed" {
			t.Fatalf("unexpected record %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestConcurrentCallsGetOwnResults(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got int
			// later calls finish first
			if err := link.Call(context.Background(), "Delay", &got, i, (n-i)*5); err != nil {
				errs <- err
				return
			}
			if got != i {
				errs <- errors.New("mismatched response")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRemoteErrorPropagates(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil)

	var q int
	err := link.Call(context.Background(), "Divide", &q, 1, 0)
	if !remote.IsRemote(err) {
		t.Fatalf("expect remote error, got %v", err)
	}
	if !strings.Contains(err.Error(), "division by zero") {
		t.Fatalf("description lost: %v", err)
	}
	if !link.IsOpen() {
		t.Fatal("an application error must not close the link")
	}
}

func TestRawBytesPassThrough(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil)

	raw := bytes.Repeat([]byte{0x00, 0xff, 0x1f}, 1000)
	var got []byte
	if err := link.Call(context.Background(), "Echo", &got, raw); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatal("raw payload modified in transit")
	}
}

func TestUnknownMethodGetsNoAnswer(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil, WithCallTimeout(100*time.Millisecond))

	err := link.Call(context.Background(), "Add", nil, 1, 2, 3)
	if !errors.Is(err, remote.ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", err)
	}
	if !link.IsOpen() {
		t.Fatal("an unknown method must not close the link")
	}
}

func TestEncodeFailureStaysLocal(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil)

	err := link.Call(context.Background(), "Add", nil, make(chan int), 1)
	if err == nil || !strings.Contains(err.Error(), "encode arg 0") {
		t.Fatalf("expect encode error, got %v", err)
	}
	if !link.IsOpen() {
		t.Fatal("an encode failure must not close the link")
	}
}

func TestOversizedArgStaysLocal(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil, WithMaxArgLength(16))

	var got []byte
	err := link.Call(context.Background(), "Echo", &got, make([]byte, 17))
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("expect ErrFrameTooLarge, got %v", err)
	}
	if !link.IsOpen() {
		t.Fatal("an oversized argument must not close the link")
	}

	fits := bytes.Repeat([]byte{7}, 16)
	if err := link.Call(context.Background(), "Echo", &got, fits); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, fits) {
		t.Fatal("link unusable after a rejected call")
	}
}

func TestOversizedResultIsAnError(t *testing.T) {
	srv, _ := startServer(t, WithCompression(false), WithMaxArgLength(8))
	link := dialCalc(t, srv, nil, WithCompression(false), WithCallTimeout(2*time.Second))

	// `"answer"` fits the server's cap, the entry it returns does not
	_, err := remote.Invoke[entry](context.Background(), link, "Find", "answer")
	if !remote.IsRemote(err) || !strings.Contains(err.Error(), "frame too large") {
		t.Fatalf("expect a remote frame-too-large error, got %v", err)
	}
	if !link.IsOpen() {
		t.Fatal("an oversized result must not close the link")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv, _ := startServer(t)
	local := &pinger{}
	link := dialCalc(t, srv, local)

	if err := link.Close(); err != nil {
		t.Fatal(err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
	if link.IsOpen() {
		t.Fatal("link still open")
	}
	if !local.closed.Load() {
		t.Fatal("local object not closed with the link")
	}
	if link.Remote() != nil {
		t.Fatal("expect zero remote after close")
	}
	if err := link.Call(context.Background(), "Add", nil, 1, 2); !errors.Is(err, remote.ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
	if err := link.Open(); !errors.Is(err, remote.ErrClosed) {
		t.Fatalf("expect ErrClosed on reopen, got %v", err)
	}
}

func TestCloseWakesBlockedCaller(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		link.Close()
	}()

	start := time.Now()
	err := link.Call(context.Background(), "Delay", nil, 1, 5000)
	if !errors.Is(err, remote.ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("caller woke up after %v", elapsed)
	}
}

func TestContextCancelStopsWaiting(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := link.Call(ctx, "Delay", nil, 1, 5000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect context deadline, got %v", err)
	}
}

func TestPeerShutdownClosesLink(t *testing.T) {
	srv, _ := startServer(t)
	link := dialCalc(t, srv, nil)

	if _, err := link.Remote().Add(1, 1); err != nil {
		t.Fatal(err)
	}
	if err := srv.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}

	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("link not closed after the peer went away")
	}
}

func TestServerCallsBack(t *testing.T) {
	srv, _ := startServer(t)
	links := make(chan *Link[Pinger], 1)
	srv.OnLink(func(l *Link[Pinger]) { links <- l })

	dialCalc(t, srv, &pinger{})

	var back *Link[Pinger]
	select {
	case back = <-links:
	case <-time.After(2 * time.Second):
		t.Fatal("server never reported the link")
	}

	var answer string
	if err := back.Call(context.Background(), "Ping", &answer); err != nil {
		t.Fatal(err)
	}
	if answer != "pong" {
		t.Fatalf("expect pong, got %q", answer)
	}
}

func TestPipeWithReadPolling(t *testing.T) {
	a, b := net.Pipe()
	svc := &calcService{records: make(chan string, 1)}

	server, err := NewLink[Pinger](a, svc, nil, WithReadPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewLink[Calc](b, nil, newCalcStub, WithReadPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Open(); err != nil {
		t.Fatal(err)
	}
	if err := client.Open(); err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	defer client.Close()

	if err := client.Open(); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expect ErrAlreadyOpen, got %v", err)
	}

	// several poll intervals of silence must not break the link
	time.Sleep(60 * time.Millisecond)

	sum, err := client.Remote().Add(20, 22)
	if err != nil {
		t.Fatal(err)
	}
	if *sum != 42 {
		t.Fatalf("expect 42, got %d", *sum)
	}
	if !strings.HasPrefix(client.String(), "stream link to pipe (open)") {
		t.Fatalf("unexpected description %q", client.String())
	}

	client.Close()
	server.Wait()
	if server.IsOpen() {
		t.Fatal("server side still open after client closed")
	}
}

func TestConcurrentOpenClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, b := net.Pipe()
		link, err := NewLink[Calc](a, nil, newCalcStub)
		if err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			link.Open()
		}()
		go func() {
			defer wg.Done()
			link.Close()
		}()
		wg.Wait()
		b.Close()

		link.mu.Lock()
		pool := link.pool
		link.mu.Unlock()
		if pool != nil {
			pool.mu.Lock()
			stopped := pool.stopped
			pool.mu.Unlock()
			if !stopped {
				t.Fatal("a pool started by Open outlived Close")
			}
		}
		if link.IsOpen() {
			t.Fatal("link open after Close")
		}
	}
}

func TestMiddlewareWrapsDispatch(t *testing.T) {
	var seen atomic.Int32
	counting := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Result {
			seen.Add(1)
			return next(ctx, inv)
		}
	}
	srv, _ := startServer(t, WithMiddleware(counting))
	link := dialCalc(t, srv, nil)

	for i := 0; i < 3; i++ {
		if _, err := link.Remote().Add(i, i); err != nil {
			t.Fatal(err)
		}
	}
	if seen.Load() != 3 {
		t.Fatalf("expect 3 invocations through middleware, got %d", seen.Load())
	}
}
