package uds

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
)

const defaultClientTimeout = 30 * time.Second

// Client talks to a daemon over its socket, one connection per request.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultClientTimeout}
}

// SetTimeout bounds dialing and, for unary requests, the whole exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Send performs a unary request. Item frames, if the handler streams any,
// are discarded.
func (c *Client) Send(req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.exchange(ctx, req, true, nil)
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Stream sends a streaming command and calls onItem for every item frame until
// the final response arrives. The exchange has no deadline; cancel ctx to stop
// early. An error from onItem aborts the stream and is returned.
func (c *Client) Stream(ctx context.Context, command string, params any, onItem func(json.RawMessage) error) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.exchange(ctx, req, false, onItem)
}

func (c *Client) exchange(ctx context.Context, req *Request, bounded bool, onItem func(json.RawMessage) error) (*Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	// Closing the conn unblocks any pending read once ctx is done.
	defer context.AfterFunc(ctx, func() { _ = conn.Close() })()

	if dl, ok := ctx.Deadline(); ok && bounded {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if err := WriteFrame(conn, req); err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	if !bounded {
		_ = conn.SetWriteDeadline(time.Time{})
	}

	for {
		var resp Response
		if err := ReadFrame(conn, &resp); err != nil {
			if !bounded && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(err, "read response")
		}
		if !resp.Stream {
			return &resp, nil
		}
		if onItem == nil {
			continue
		}
		if err := onItem(resp.Data); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, errors.Wrapf(err,
			"failed to connect to daemon at %s\nIs the daemon running? Start it with: taskweave daemon",
			c.socketPath)
	}
	return conn, nil
}
