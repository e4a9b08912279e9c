package discovery_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ordercluster/internal/discovery"
)

func TestRegisterIgnoresSelf(t *testing.T) {
	r := discovery.NewRegistry(1)
	r.Register(1, "10.0.0.1", 9000)
	require.Empty(t, r.IDs())
}

func TestHigherIDsExcludesSelfAndLower(t *testing.T) {
	r := discovery.NewRegistry(5)
	r.Register(3, "10.0.0.3", 9000)
	r.Register(9, "10.0.0.9", 9000)
	r.Register(7, "10.0.0.7", 9000)

	higher := r.HigherIDs()
	require.ElementsMatch(t, []uint64{9, 7}, higher)
}

func TestRegisterKeepsExistingTCPPortWhenZero(t *testing.T) {
	r := discovery.NewRegistry(1)
	r.Register(2, "10.0.0.2", 9100)
	r.Register(2, "10.0.0.2", 0)

	p, ok := r.Lookup(2)
	require.True(t, ok)
	require.Equal(t, 9100, p.TCPPort)
}

func TestPruneRemovesStaleEntries(t *testing.T) {
	r := discovery.NewRegistry(1)
	r.Register(2, "10.0.0.2", 9100)
	time.Sleep(15 * time.Millisecond)
	r.Prune(10 * time.Millisecond)
	require.Empty(t, r.IDs())
}

func TestSnapshotReflectsAllRegistered(t *testing.T) {
	r := discovery.NewRegistry(1)
	r.Register(2, "10.0.0.2", 9100)
	r.Register(3, "10.0.0.3", 9200)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
}
