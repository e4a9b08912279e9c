package discovery_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ordercluster/internal/datagram"
	"ordercluster/internal/discovery"
	"ordercluster/internal/wire"
)

func TestProbeIDAvailableTrueWithNoResponders(t *testing.T) {
	bus, err := datagram.Open(0)
	require.NoError(t, err)
	defer bus.Close()

	res, err := discovery.ProbeIDAvailable(bus, 1, []string{"127.0.0.1"}, bus.LocalPort(), 30*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Available)
}

func TestProbeIDAvailableFalseWhenTaken(t *testing.T) {
	bus, err := datagram.Open(0)
	require.NoError(t, err)
	defer bus.Close()

	responder, err := datagram.Open(0)
	require.NoError(t, err)
	defer responder.Close()

	go func() {
		_ = responder.SetReadDeadline(200 * time.Millisecond)
		rcv, err := responder.Receive()
		if err != nil {
			return
		}
		var body wire.IDCheck
		if err := rcv.Envelope.Unmarshal(&body); err != nil {
			return
		}
		_ = responder.Send(wire.TypeIDTaken, wire.IDTaken{NodeID: body.NodeID, Token: body.Token}, rcv.SourceIP, rcv.SourcePort)
	}()

	res, err := discovery.ProbeIDAvailable(bus, 1, []string{"127.0.0.1"}, responder.LocalPort(), 200*time.Millisecond)
	require.NoError(t, err)
	require.False(t, res.Available)
}

func TestProbeExistingLeaderFindsReply(t *testing.T) {
	bus, err := datagram.Open(0)
	require.NoError(t, err)
	defer bus.Close()

	leader, err := datagram.Open(0)
	require.NoError(t, err)
	defer leader.Close()

	go func() {
		_ = leader.SetReadDeadline(200 * time.Millisecond)
		rcv, err := leader.Receive()
		if err != nil {
			return
		}
		_ = leader.Send(wire.TypeIAmLeader, wire.IAmLeader{
			LeaderID: 9, LeaderIP: "127.0.0.1", LeaderStreamEndpoint: "127.0.0.1:9090", Epoch: 3, LastSeq: 10,
		}, rcv.SourceIP, rcv.SourcePort)
	}()

	res, err := discovery.ProbeExistingLeader(bus, 1, "127.0.0.1:9091", []string{"127.0.0.1"}, leader.LocalPort(), 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, uint64(9), res.Leader.LeaderID)
}
