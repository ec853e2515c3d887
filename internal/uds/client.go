package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client opens one connection per request to the routing daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Send(req *Request) (*Response, error) {
	return c.SendContext(context.Background(), req)
}

// SendContext sends req and waits for the response. The client timeout
// applies on top of any deadline carried by ctx.
func (c *Client) SendContext(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to daemon at %s: %w\n"+
				"Is the daemon running? Start it with: taskrouter daemon",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Call sends command and decodes a successful response into out, which may
// be nil. A failed response is returned as *ErrorDetail.
func (c *Client) Call(ctx context.Context, command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.SendContext(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", command, err)
	}
	return nil
}

// IsCode reports whether err is a daemon error with the given code.
func IsCode(err error, code string) bool {
	var detail *ErrorDetail
	return errors.As(err, &detail) && detail.Code == code
}
