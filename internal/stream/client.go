package stream

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"ordercluster/internal/wire"
)

// Client is the Follower-side stream connection to the Leader.
// Grounded on cafeds/tcp_client.py's connect/reader-thread/send shape.
type Client struct {
	OnMessage    func(env wire.Envelope)
	OnDisconnect func()

	mu   sync.Mutex
	conn net.Conn
}

// Connect dials the Leader's stream endpoint and starts the reader
// goroutine. The dial itself has a bounded timeout; once connected the
// read loop blocks indefinitely until the connection drops or Close
// is called.
func Connect(addr string, dialTimeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp4", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect()
		}
		c.Close()
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		data, err := wire.ReadFramed(conn)
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			slog.Warn("discarding malformed stream record", "error", err)
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(env)
		}
	}
}

// Send writes one record to the Leader.
func (c *Client) Send(t wire.Type, body any) error {
	data, err := wire.Encode(t, body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errClosed
	}
	return wire.WriteFramed(c.conn, data)
}

// Close tears down the connection; any blocked read returns an error
// and the reader goroutine exits.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "stream: connection closed" }
