package zmqdir

import (
	"context"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/directory"
)

// Client implements directory.Directory against a Server.
//
// Every request uses a fresh REQ socket: a REQ socket whose reply timed out
// is stuck in the receive state and cannot be reused.
type Client struct {
	address string
	timeout time.Duration
}

var _ directory.Directory = (*Client)(nil)

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{address, timeout}
}

func (c *Client) do(ctx context.Context, req Request) (Response, error) {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return Response{}, context.DeadlineExceeded
	}

	raw, err := encode(req)
	if err != nil {
		return Response{}, err
	}

	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return Response{}, errors.Wrap(err, "cannot create REQ socket")
	}
	defer sock.Close()
	if err := sock.SetLinger(0); err != nil {
		return Response{}, errors.Wrap(err, "cannot set linger")
	}
	if err := sock.SetSndtimeo(timeout); err != nil {
		return Response{}, errors.Wrap(err, "cannot set send timeout")
	}
	if err := sock.SetRcvtimeo(timeout); err != nil {
		return Response{}, errors.Wrap(err, "cannot set receive timeout")
	}
	if err := sock.Connect(c.address); err != nil {
		return Response{}, errors.Wrapf(err, "cannot connect to %q", c.address)
	}
	if _, err := sock.SendBytes(raw, 0); err != nil {
		return Response{}, errors.Wrapf(err, "cannot send %s request", req.Op)
	}
	reply, err := sock.RecvBytes(0)
	if err != nil {
		return Response{}, errors.Wrapf(err, "no reply to %s request", req.Op)
	}

	var res Response
	if err := decode(reply, &res); err != nil {
		return Response{}, err
	}
	if res.Error != "" {
		return res, errors.Errorf("directory service: %s", res.Error)
	}
	return res, nil
}

func (c *Client) AddProcessIfAbsent(ctx context.Context, id string) (bool, error) {
	res, err := c.do(ctx, Request{Op: OpAddProcess, Process: id})
	return res.Added, err
}

func (c *Client) RemoveProcess(ctx context.Context, id string) error {
	_, err := c.do(ctx, Request{Op: OpRemoveProcess, Process: id})
	return err
}

func (c *Client) ListProcesses(ctx context.Context) ([]string, error) {
	res, err := c.do(ctx, Request{Op: OpListProcesses})
	return res.Processes, err
}

func (c *Client) SetConnectionOwner(ctx context.Context, connID, owner string) error {
	_, err := c.do(ctx, Request{Op: OpSetOwner, Conn: connID, Owner: owner})
	return err
}

func (c *Client) ConnectionOwner(ctx context.Context, connID string) (string, error) {
	res, err := c.do(ctx, Request{Op: OpGetOwner, Conn: connID})
	if err != nil {
		return "", err
	}
	if res.NotFound {
		return "", directory.ErrNotFound
	}
	return res.Owner, nil
}

func (c *Client) RemoveConnectionOwner(ctx context.Context, connID string) error {
	_, err := c.do(ctx, Request{Op: OpRemoveOwner, Conn: connID})
	return err
}

func (c *Client) Close() error { return nil }
