// Package datagram is the best-effort, lossy, out-of-order control
// message bus (§4.1). It sends and receives small self-contained
// records over UDP; it makes no delivery guarantee beyond what the OS
// socket buffer provides.
package datagram

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"ordercluster/internal/metrics"
	"ordercluster/internal/wire"
)

const maxDatagramSize = 65535

// Bus owns one UDP socket bound to a fixed local port.
type Bus struct {
	conn *net.UDPConn
}

// Open binds a UDP socket on the given port across all interfaces,
// with SO_BROADCAST enabled so Broadcast can target 255.255.255.255
// and directed /24 broadcast addresses. Without it WriteToUDP to a
// broadcast address fails with EACCES on Linux. Mirrors
// cafeds/udp_bus.py's explicit setsockopt(SO_BROADCAST) call.
func Open(port int) (*Bus, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			ctrlErr := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", port, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listen udp :%d: unexpected packet conn type %T", port, pc)
	}
	return &Bus{conn: conn}, nil
}

// LocalPort returns the bound local UDP port.
func (b *Bus) LocalPort() int {
	return b.conn.LocalAddr().(*net.UDPAddr).Port
}

// Send encodes and sends msg to a single destination.
func (b *Bus) Send(t wire.Type, body any, ip string, port int) error {
	data, err := wire.Encode(t, body)
	if err != nil {
		return err
	}
	if len(data) > maxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds MTU budget %d", len(data), maxDatagramSize)
	}
	dst := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if _, err := b.conn.WriteToUDP(data, dst); err != nil {
		return err
	}
	metrics.DatagramsSent.WithLabelValues(string(t)).Inc()
	return nil
}

// Broadcast sends msg to every address in targets (link broadcast,
// global broadcast, and — in single-host mode — loopback).
func (b *Bus) Broadcast(t wire.Type, body any, targets []string, port int) {
	for _, ip := range targets {
		_ = b.Send(t, body, ip, port)
	}
}

// Received is one datagram along with the wrapped envelope and the
// sender's address, as handed to Receive's caller.
type Received struct {
	Envelope wire.Envelope
	SourceIP string
	SourcePort int
}

// Receive blocks for up to the socket's read deadline (if any) and
// returns the next datagram. Malformed records are discarded silently
// per §7 and Receive is retried by the caller's loop.
func (b *Bus) Receive() (Received, error) {
	buf := make([]byte, maxDatagramSize)
	n, addr, err := b.conn.ReadFromUDP(buf)
	if err != nil {
		return Received{}, err
	}
	env, err := wire.Decode(buf[:n])
	if err != nil {
		return Received{}, errMalformed{err}
	}
	metrics.DatagramsReceived.WithLabelValues(string(env.Type)).Inc()
	return Received{Envelope: env, SourceIP: addr.IP.String(), SourcePort: addr.Port}, nil
}

// SetReadDeadline lets the receive loop wake periodically to observe
// a shutdown signal without blocking forever.
func (b *Bus) SetReadDeadline(d time.Duration) error {
	return b.conn.SetReadDeadline(time.Now().Add(d))
}

// Close releases the socket; any blocked Receive returns an error.
func (b *Bus) Close() error {
	return b.conn.Close()
}

// errMalformed marks a decode failure as non-fatal so callers can
// distinguish it from a real socket error.
type errMalformed struct{ err error }

func (e errMalformed) Error() string { return "malformed datagram: " + e.err.Error() }
func (e errMalformed) Unwrap() error { return e.err }

// IsMalformed reports whether err came from a record that failed to
// decode, as opposed to a socket-level failure.
func IsMalformed(err error) bool {
	_, ok := err.(errMalformed)
	return ok
}
