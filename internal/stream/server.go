// Package stream is the reliable, in-order TCP transport (§4.2): the
// Leader accepts connections and offers broadcast / unicast / a
// per-connection inbound record stream; the Follower side connects,
// sends, and receives. Grounded on cafeds/tcp_server.py and
// cafeds/tcp_client.py, rewritten around length-framed Envelope
// records (internal/wire) instead of newline-delimited JSON.
package stream

import (
	"log/slog"
	"net"
	"strconv"
	"sync"

	"ordercluster/internal/metrics"
	"ordercluster/internal/wire"
)

// Conn is one accepted follower connection, safe for concurrent Send
// calls from the broadcast path and the owning reader goroutine.
type Conn struct {
	ID   uint64
	Addr string

	conn net.Conn
	mu   sync.Mutex
}

// Send writes one record to this connection. Concurrent calls are
// serialized so a broadcast and a unicast never interleave frames.
func (c *Conn) Send(t wire.Type, body any) error {
	data, err := wire.Encode(t, body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.WriteFramed(c.conn, data)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// Server is the Leader-side listener. OnMessage is invoked once per
// inbound record from any connected follower; OnDisconnect once per
// connection that drops.
type Server struct {
	OnMessage    func(conn *Conn, env wire.Envelope)
	OnDisconnect func(conn *Conn)

	ln net.Listener

	mu      sync.Mutex
	clients map[*Conn]struct{}
	nextID  uint64
}

// Listen binds a TCP listener on port across all interfaces. port 0
// picks an ephemeral port, useful for tests.
func Listen(port int) (*Server, error) {
	ln, err := net.Listen("tcp4", portAddr(port))
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, clients: make(map[*Conn]struct{})}
	go s.acceptLoop()
	return s, nil
}

func portAddr(port int) string {
	if port == 0 {
		return ":0"
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

// LocalPort returns the bound local TCP port.
func (s *Server) LocalPort() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.mu.Unlock()

		c := &Conn{ID: id, Addr: nc.RemoteAddr().String(), conn: nc}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		metrics.ConnectedFollowers.Set(float64(s.clientCount()))
		slog.Info("stream client connected", "addr", c.Addr)

		go s.readLoop(c)
	}
}

func (s *Server) readLoop(c *Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		metrics.ConnectedFollowers.Set(float64(s.clientCount()))
		slog.Info("stream client disconnected", "addr", c.Addr)
		if s.OnDisconnect != nil {
			s.OnDisconnect(c)
		}
		c.Close()
	}()

	for {
		data, err := wire.ReadFramed(c.conn)
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			slog.Warn("discarding malformed stream record", "addr", c.Addr, "error", err)
			continue
		}
		if s.OnMessage != nil {
			s.OnMessage(c, env)
		}
	}
}

// Clients returns the IDs of currently connected followers.
func (s *Server) Clients() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.clients))
	for c := range s.clients {
		ids = append(ids, c.ID)
	}
	return ids
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast sends a record to every currently connected follower,
// skipping (and logging) any that fail to write.
func (s *Server) Broadcast(t wire.Type, body any) {
	s.mu.Lock()
	targets := make([]*Conn, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(t, body); err != nil {
			slog.Warn("broadcast send failed", "addr", c.Addr, "error", err)
		}
	}
}

// Unicast sends a record to one connection by ID, reporting whether
// the connection was still known.
func (s *Server) Unicast(connID uint64, t wire.Type, body any) error {
	s.mu.Lock()
	var target *Conn
	for c := range s.clients {
		if c.ID == connID {
			target = c
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return errUnknownConn
	}
	return target.Send(t, body)
}

// Close stops accepting and drops every connected follower.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	targets := make([]*Conn, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clients = make(map[*Conn]struct{})
	s.mu.Unlock()
	for _, c := range targets {
		c.Close()
	}
	return err
}

var errUnknownConn = &unknownConnError{}

type unknownConnError struct{}

func (*unknownConnError) Error() string { return "stream: unknown connection id" }
