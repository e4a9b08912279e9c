package wal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ordercluster/internal/wal"
)

func TestAppendAndReplayRoundTrips(t *testing.T) {
	dir := t.TempDir()

	log, records, err := wal.Open(dir, 1)
	require.NoError(t, err)
	require.Empty(t, records)

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, log.Append(wal.Record{
			Epoch:     1,
			Seq:       seq,
			PayloadID: "p",
			Body:      []byte("payload"),
		}))
	}
	require.NoError(t, log.Close())

	log2, replayed, err := wal.Open(dir, 1)
	require.NoError(t, err)
	defer log2.Close()

	require.Len(t, replayed, 3)
	for i, r := range replayed {
		require.Equal(t, uint64(i+1), r.Seq)
	}
}

func TestReplayIsEmptyForFreshPeer(t *testing.T) {
	dir := t.TempDir()
	log, records, err := wal.Open(dir, 7)
	require.NoError(t, err)
	defer log.Close()
	require.Empty(t, records)
}

func TestSeparatePeersUseSeparateFiles(t *testing.T) {
	dir := t.TempDir()

	log1, _, err := wal.Open(dir, 1)
	require.NoError(t, err)
	require.NoError(t, log1.Append(wal.Record{Seq: 1}))
	require.NoError(t, log1.Close())

	log2, records, err := wal.Open(dir, 2)
	require.NoError(t, err)
	defer log2.Close()
	require.Empty(t, records)
}
