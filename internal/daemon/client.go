package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds one exchange with the daemon.
const DefaultTimeout = 30 * time.Second

// Client talks to a running daemon.
type Client struct {
	socket  string
	Timeout time.Duration
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{socket: path, Timeout: DefaultTimeout}
}

// Send performs one request/response exchange.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return Response{}, fmt.Errorf("daemon: connect %s: %w", c.socket, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteRequest(conn, req); err != nil {
		return Response{}, fmt.Errorf("daemon: send %s: %w", req.Type, err)
	}
	return ReadResponse(bufio.NewReader(conn))
}

// Ping checks that the daemon is answering.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Send(ctx, Request{Type: TypePing})
	if err != nil {
		return err
	}
	if resp.Status != StatusOK {
		return fmt.Errorf("%w: unexpected ping reply %q", ErrProtocol, resp.Status)
	}
	return nil
}
