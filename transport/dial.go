package transport

import (
	"context"
	"fmt"
	"net"

	"agent-rpc/remote"
)

// Dial connects to addr over TCP and returns an open link.
func Dial[R any](ctx context.Context, addr string, local any, factory remote.Factory[R], opts ...Option) (*Link[R], error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	link, err := NewLink(conn, local, factory, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := link.Open(); err != nil {
		conn.Close()
		return nil, err
	}
	return link, nil
}
