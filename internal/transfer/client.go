package transfer

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultConnectTimeout bounds the dial.
const DefaultConnectTimeout = 5 * time.Second

// ClientOptions configures the dialing side.
type ClientOptions struct {
	ConnectTimeout time.Duration
}

// Client opens one connection per file and runs the sender over it.
type Client struct {
	opts   ClientOptions
	sender *Sender
	log    *logrus.Logger
}

// NewClient creates a new transfer client
func NewClient(opts ClientOptions, sender *Sender, log *logrus.Logger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Client{opts: opts, sender: sender, log: log}
}

// Dial opens exactly one connection to addr.
func (c *Client) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: addr, Err: err}
	}
	c.log.WithField("remote", addr).Info("Connection successful")
	return conn, nil
}

// SendFile dials addr, sends the file at path and closes the connection.
func (c *Client) SendFile(ctx context.Context, addr, path string) (Snapshot, error) {
	c.log.WithField("remote", addr).Info("Connecting to partner")
	conn, err := c.Dial(ctx, addr)
	if err != nil {
		return Snapshot{}, err
	}
	defer conn.Close()

	return c.sender.Send(ctx, conn, path)
}
