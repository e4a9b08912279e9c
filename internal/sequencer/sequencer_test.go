package sequencer_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ordercluster/internal/sequencer"
	"ordercluster/internal/wal"
	"ordercluster/internal/wire"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []wire.Order
}

func (f *fakeBroadcaster) Broadcast(t wire.Type, body any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body.(wire.Order))
}

func newTestSequencer(t *testing.T) (*sequencer.Sequencer, *fakeBroadcaster) {
	t.Helper()
	log, _, err := wal.Open(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	fb := &fakeBroadcaster{}
	return sequencer.New(1, 0, log, fb), fb
}

func TestSubmitAssignsIncreasingSeq(t *testing.T) {
	s, fb := newTestSequencer(t)

	o1, ok, err := s.Submit(wire.NewOrder{PayloadID: "a"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), o1.Seq)

	o2, ok, err := s.Submit(wire.NewOrder{PayloadID: "b"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), o2.Seq)

	require.Len(t, fb.sent, 2)
}

func TestSubmitDropsDuplicatePayloadID(t *testing.T) {
	s, fb := newTestSequencer(t)

	_, ok, err := s.Submit(wire.NewOrder{PayloadID: "dup"})
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Submit(wire.NewOrder{PayloadID: "dup"})
	require.NoError(t, err)
	require.False(t, ok)

	require.Len(t, fb.sent, 1)
}

func TestResendReplaysRequestedRange(t *testing.T) {
	s, _ := newTestSequencer(t)
	for i := 0; i < 5; i++ {
		_, _, err := s.Submit(wire.NewOrder{PayloadID: string(rune('a' + i))})
		require.NoError(t, err)
	}

	var replayed []uint64
	s.Resend(3, func(o wire.Order) { replayed = append(replayed, o.Seq) })

	require.Equal(t, []uint64{3, 4, 5}, replayed)
}

func TestSeedRestoresHistoryAndLastSeq(t *testing.T) {
	s, _ := newTestSequencer(t)
	s.Seed([]wire.Order{{Seq: 10, PayloadID: "x"}})

	require.Equal(t, uint64(10), s.LastSeq())

	_, ok, err := s.Submit(wire.NewOrder{PayloadID: "x"})
	require.NoError(t, err)
	require.False(t, ok)

	o, ok, err := s.Submit(wire.NewOrder{PayloadID: "y"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(11), o.Seq)
}
