package stream_test

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ordercluster/internal/stream"
	"ordercluster/internal/wire"
)

func TestBroadcastDeliversToAllConnectedClients(t *testing.T) {
	var mu sync.Mutex
	var received []uint64

	srv, err := stream.Listen(0)
	require.NoError(t, err)
	defer srv.Close()

	const n = 3
	clients := make([]*stream.Client, n)
	for i := 0; i < n; i++ {
		c, err := stream.Connect(localAddr(srv.LocalPort()), time.Second)
		require.NoError(t, err)
		idx := i
		c.OnMessage = func(env wire.Envelope) {
			mu.Lock()
			received = append(received, uint64(idx))
			mu.Unlock()
		}
		clients[i] = c
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	require.Eventually(t, func() bool { return len(srv.Clients()) == n }, time.Second, 10*time.Millisecond)

	srv.Broadcast(wire.TypeLeaderAlive, wire.LeaderAlive{LeaderID: 1, Epoch: 1, LastSeq: 0})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == n
	}, time.Second, 10*time.Millisecond)
}

func TestServerInvokesOnMessageForClientSend(t *testing.T) {
	got := make(chan wire.Envelope, 1)

	srv, err := stream.Listen(0)
	require.NoError(t, err)
	defer srv.Close()
	srv.OnMessage = func(conn *stream.Conn, env wire.Envelope) {
		got <- env
	}

	c, err := stream.Connect(localAddr(srv.LocalPort()), time.Second)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(wire.TypeResendRequest, wire.ResendRequest{FromSeq: 5}))

	select {
	case env := <-got:
		require.Equal(t, wire.TypeResendRequest, env.Type)
		var body wire.ResendRequest
		require.NoError(t, env.Unmarshal(&body))
		require.Equal(t, uint64(5), body.FromSeq)
	case <-time.After(time.Second):
		t.Fatal("server did not receive record in time")
	}
}

func TestClientOnDisconnectFiresWhenServerCloses(t *testing.T) {
	srv, err := stream.Listen(0)
	require.NoError(t, err)

	c, err := stream.Connect(localAddr(srv.LocalPort()), time.Second)
	require.NoError(t, err)
	defer c.Close()

	disconnected := make(chan struct{})
	c.OnDisconnect = func() { close(disconnected) }

	require.NoError(t, srv.Close())

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("expected OnDisconnect to fire")
	}
}

func localAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
