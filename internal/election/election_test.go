package election_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ordercluster/internal/election"
)

func TestCampaignBecomesLeaderWithNoHigherPeers(t *testing.T) {
	m := election.NewMachine(5, 50*time.Millisecond, 50*time.Millisecond)
	res := m.Campaign(context.Background(), 3, nil, func(uint64, uint64) {
		t.Fatal("should not send ELECTION with no higher peers")
	})
	require.Equal(t, election.BecameLeader, res.Outcome)
	require.Equal(t, uint64(4), res.Epoch)
	require.Equal(t, election.Leader, m.Phase())
}

func TestCampaignBecomesLeaderOnAnswerTimeout(t *testing.T) {
	m := election.NewMachine(5, 20*time.Millisecond, 50*time.Millisecond)
	var sent []uint64
	res := m.Campaign(context.Background(), 1, []uint64{7}, func(pid, epoch uint64) {
		sent = append(sent, pid)
	})
	require.Equal(t, []uint64{7}, sent)
	require.Equal(t, election.BecameLeader, res.Outcome)
	require.Equal(t, uint64(2), res.Epoch)
}

func TestCampaignAdoptsAnnouncedCoordinator(t *testing.T) {
	m := election.NewMachine(5, time.Second, time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.NoteAnswer()
		time.Sleep(10 * time.Millisecond)
		m.NoteCoordinator(election.LeaderInfo{LeaderID: 9, LeaderIP: "10.0.0.9"}, 2)
	}()

	res := m.Campaign(context.Background(), 1, []uint64{9}, func(uint64, uint64) {})
	require.Equal(t, election.Adopted, res.Outcome)
	require.Equal(t, uint64(9), res.Leader.LeaderID)
	require.Equal(t, uint64(2), res.Epoch)
}

func TestCampaignRetriesOnCoordinatorTimeout(t *testing.T) {
	m := election.NewMachine(5, 10*time.Millisecond, 20*time.Millisecond)

	go func() {
		time.Sleep(2 * time.Millisecond)
		m.NoteAnswer()
	}()

	res := m.Campaign(context.Background(), 1, []uint64{9}, func(uint64, uint64) {})
	require.Equal(t, election.Retry, res.Outcome)
}

func TestIsBetterLeaderPrefersHigherEpochThenID(t *testing.T) {
	cur := &election.LeaderInfo{LeaderID: 3, Epoch: 2, LeaderIP: "10.0.0.3"}

	require.True(t, election.IsBetterLeader(cur, election.LeaderInfo{LeaderID: 1, Epoch: 3}))
	require.False(t, election.IsBetterLeader(cur, election.LeaderInfo{LeaderID: 1, Epoch: 1}))
	require.True(t, election.IsBetterLeader(cur, election.LeaderInfo{LeaderID: 9, Epoch: 2}))
	require.False(t, election.IsBetterLeader(cur, election.LeaderInfo{LeaderID: 1, Epoch: 2}))
}

func TestIsBetterLeaderPrefersNonLoopback(t *testing.T) {
	cur := &election.LeaderInfo{LeaderID: 3, Epoch: 2, LeaderIP: "127.0.0.1"}
	require.True(t, election.IsBetterLeader(cur, election.LeaderInfo{LeaderID: 3, Epoch: 2, LeaderIP: "10.0.0.3"}))
}

func TestShouldStepDown(t *testing.T) {
	require.True(t, election.ShouldStepDown(2, 5, 3, 9))
	require.True(t, election.ShouldStepDown(2, 5, 2, 9))
	require.False(t, election.ShouldStepDown(2, 5, 2, 1))
	require.False(t, election.ShouldStepDown(2, 5, 1, 9))
	require.False(t, election.ShouldStepDown(2, 5, 2, 5))
}

func TestShouldAnswerAndCounter(t *testing.T) {
	require.True(t, election.ShouldAnswerAndCounter(9, 3))
	require.False(t, election.ShouldAnswerAndCounter(3, 9))
}
