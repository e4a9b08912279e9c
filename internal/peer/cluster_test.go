package peer_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ordercluster/internal/config/properties"
	"ordercluster/internal/peer"
	"ordercluster/internal/sink"
	"ordercluster/internal/wal"
)

// nextBasePort hands out disjoint port ranges to each test so concurrent
// peers across different test functions never collide. Grounded on
// test/integration/raft/testharness_test.go's nextPort allocator.
var basePortCounter int64 = 41000

func nextBasePort() int {
	return int(atomic.AddInt64(&basePortCounter, 200))
}

func testConfig(base int) *properties.Config {
	cfg := &properties.Config{}
	cfg.Network.DiscoveryPort = base
	cfg.Network.NodeUDPBase = base + 10
	cfg.Network.SingleHost = true
	cfg.Timing.HeartbeatIntervalMs = 40
	cfg.Timing.HeartbeatRedundancy = 2
	cfg.Timing.LeaderTimeoutMs = 200
	cfg.Timing.ElectionAnswerTimeoutMs = 120
	cfg.Timing.CoordinatorTimeoutMs = 150
	cfg.Timing.PeerExpiryMs = 5000
	cfg.Timing.ResendThrottleMs = 50
	cfg.Timing.IDCheckWindowMs = 60
	cfg.Timing.ExistingLeaderWindowMs = 60
	cfg.Timing.StreamDialTimeoutMs = 500
	cfg.WAL.Enabled = false
	return cfg
}

type testNode struct {
	p    *peer.Peer
	sink *sink.ChannelSink
	stop context.CancelFunc
	done chan error
}

func startNode(t *testing.T, cfg *properties.Config, id uint64, role peer.Role, tcpPort int) *testNode {
	t.Helper()
	return startNodeWithWALDir(t, cfg, id, role, tcpPort, "")
}

func startNodeWithWALDir(t *testing.T, cfg *properties.Config, id uint64, role peer.Role, tcpPort int, walDir string) *testNode {
	t.Helper()
	ch := sink.NewChannelSink(16)
	p, err := peer.New(cfg, peer.Options{ID: id, Role: role, TCPPort: tcpPort, WALDir: walDir, Sink: ch})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	return &testNode{p: p, sink: ch, stop: cancel, done: done}
}

func (n *testNode) shutdown(t *testing.T) {
	t.Helper()
	n.stop()
	select {
	case <-n.done:
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not shut down in time")
	}
}

func TestTwoPeerClusterElectsLeaderAndDeliversSubmittedOrder(t *testing.T) {
	base := nextBasePort()
	cfg := testConfig(base)

	leader := startNode(t, cfg, 2, peer.RoleLeader, base+100)
	defer leader.shutdown(t)
	follower := startNode(t, cfg, 1, peer.RoleFollower, base+101)
	defer follower.shutdown(t)

	require.Eventually(t, func() bool {
		return leader.p.Role() == peer.RoleLeader
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return follower.p.Role() == peer.RoleFollower
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return follower.p.Submit([]byte("hello")) == nil
	}, 3*time.Second, 50*time.Millisecond, "follower never got a stream connection to the leader")

	select {
	case o := <-leader.sink.C():
		require.Equal(t, []byte("hello"), o.Body)
		require.Equal(t, uint64(1), o.Seq)
	case <-time.After(3 * time.Second):
		t.Fatal("leader never delivered the submitted order")
	}

	select {
	case o := <-follower.sink.C():
		require.Equal(t, []byte("hello"), o.Body)
		require.Equal(t, uint64(1), o.Seq)
	case <-time.After(3 * time.Second):
		t.Fatal("follower never delivered the submitted order")
	}
}

func TestFollowerPromotesItselfAfterLeaderGoesSilent(t *testing.T) {
	base := nextBasePort()
	cfg := testConfig(base)

	leader := startNode(t, cfg, 2, peer.RoleLeader, base+100)
	follower := startNode(t, cfg, 1, peer.RoleFollower, base+101)
	defer follower.shutdown(t)

	require.Eventually(t, func() bool {
		return follower.p.Role() == peer.RoleFollower && follower.p.Epoch() > 0
	}, 3*time.Second, 20*time.Millisecond)

	// Kill the leader without a graceful COORDINATOR handoff so the
	// follower's own Tracker has to notice the heartbeat silence.
	leader.stop()
	select {
	case <-leader.done:
	case <-time.After(5 * time.Second):
		t.Fatal("leader did not shut down in time")
	}

	require.Eventually(t, func() bool {
		return follower.p.Role() == peer.RoleLeader
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, follower.p.Submit([]byte("after failover")))

	select {
	case o := <-follower.sink.C():
		require.Equal(t, []byte("after failover"), o.Body)
	case <-time.After(3 * time.Second):
		t.Fatal("promoted peer never delivered its own submitted order")
	}
}

// TestFollowerPersistsDeliveredOrderAcrossCrash covers the durability
// path a WAL-disabled harness can't exercise: a Follower that only
// ever received ORDER over the stream (never sequenced anything
// itself) must still hold it on disk, so a single crashed Leader
// never costs the cluster a durable copy of a delivered record
// (testable invariant 5).
func TestFollowerPersistsDeliveredOrderAcrossCrash(t *testing.T) {
	base := nextBasePort()
	cfg := testConfig(base)
	cfg.WAL.Enabled = true
	walDir := t.TempDir()

	leader := startNodeWithWALDir(t, cfg, 2, peer.RoleLeader, base+100, walDir)
	defer leader.shutdown(t)
	follower := startNodeWithWALDir(t, cfg, 1, peer.RoleFollower, base+101, walDir)

	require.Eventually(t, func() bool {
		return follower.p.Submit([]byte("durable")) == nil
	}, 3*time.Second, 50*time.Millisecond, "follower never got a stream connection to the leader")

	select {
	case o := <-follower.sink.C():
		require.Equal(t, []byte("durable"), o.Body)
		require.Equal(t, uint64(1), o.Seq)
	case <-time.After(3 * time.Second):
		t.Fatal("follower never delivered the submitted order")
	}

	// Crash the follower (no graceful COORDINATOR involved) and reopen
	// its WAL directly, as recovery on restart would.
	follower.stop()
	select {
	case <-follower.done:
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not shut down in time")
	}

	recovered, replayed, err := wal.Open(walDir, 1)
	require.NoError(t, err)
	defer recovered.Close()
	require.Len(t, replayed, 1)
	require.Equal(t, uint64(1), replayed[0].Seq)
	require.Equal(t, []byte("durable"), replayed[0].Body)
}
