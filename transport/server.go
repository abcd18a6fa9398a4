package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"agent-rpc/remote"

	"go.uber.org/zap"
)

// LocalFactory builds the object that serves calls arriving on link. It runs
// once per accepted connection, before the link opens, so the object may keep
// link to call the peer back.
type LocalFactory[R any] func(link *Link[R]) any

// Server accepts stream connections and opens a Link for each one.
type Server[R any] struct {
	local   LocalFactory[R]
	factory remote.Factory[R]
	opts    []Option
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	links    map[*Link[R]]struct{}
	onLink   func(*Link[R])
	wg       sync.WaitGroup // one per running read loop
	shutdown atomic.Bool
}

// NewServer returns a Server whose links execute calls on the object built by
// local and reach the peer through stubs built by factory.
func NewServer[R any](local LocalFactory[R], factory remote.Factory[R], opts ...Option) *Server[R] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.L().Named("stream")
	}
	return &Server[R]{
		local:   local,
		factory: factory,
		opts:    opts,
		logger:  logger,
		links:   make(map[*Link[R]]struct{}),
	}
}

// OnLink registers fn to run for every link right after it opens.
func (s *Server[R]) OnLink(fn func(*Link[R])) {
	s.mu.Lock()
	s.onLink = fn
	s.mu.Unlock()
}

// ListenAndServe listens on the TCP address and calls Serve.
func (s *Server[R]) ListenAndServe(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// Shutdown and the accept error otherwise.
func (s *Server[R]) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("accepting stream connections", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an error
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if err := s.serveConn(conn); err != nil {
			s.logger.Warn("rejecting connection", zap.Error(err))
			conn.Close()
		}
	}
}

func (s *Server[R]) serveConn(conn net.Conn) error {
	link := newLink(conn, s.factory, s.opts...)
	var local any
	if s.local != nil {
		local = s.local(link)
	}
	if err := link.bind(local); err != nil {
		return err
	}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		return errors.New("server shutting down")
	}
	s.links[link] = struct{}{}
	onLink := s.onLink
	s.wg.Add(1)
	s.mu.Unlock()

	if err := link.Open(); err != nil {
		s.forget(link)
		return err
	}
	go func() {
		link.Wait()
		s.forget(link)
	}()
	if onLink != nil {
		onLink(link)
	}
	return nil
}

func (s *Server[R]) forget(link *Link[R]) {
	s.mu.Lock()
	if _, ok := s.links[link]; ok {
		delete(s.links, link)
		s.wg.Done()
	}
	s.mu.Unlock()
}

// Links returns the links currently open.
func (s *Server[R]) Links() []*Link[R] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Link[R], 0, len(s.links))
	for link := range s.links {
		out = append(out, link)
	}
	return out
}

// Addr returns the listening address, or nil before Serve.
func (s *Server[R]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections, closes every link and waits up to
// timeout for their read loops to exit.
func (s *Server[R]) Shutdown(timeout time.Duration) error {
	// Set the flag before closing the listener so Serve returns nil
	s.shutdown.Store(true)

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	links := make([]*Link[R], 0, len(s.links))
	for link := range s.links {
		links = append(links, link)
	}
	s.mu.Unlock()

	for _, link := range links {
		link.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for %d links to close", len(s.Links()))
	}
}
