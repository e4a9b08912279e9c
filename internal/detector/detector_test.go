package detector_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ordercluster/internal/detector"
)

func TestHeartbeaterSendsRedundantlyEachTick(t *testing.T) {
	var calls int32
	h := &detector.Heartbeater{
		Interval:   10 * time.Millisecond,
		Redundancy: 3,
		Send:       func() { atomic.AddInt32(&calls, 1) },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	h.Run(ctx)

	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
	require.Zero(t, atomic.LoadInt32(&calls)%3)
}

func TestTrackerNotTimedOutBeforeArmed(t *testing.T) {
	tr := detector.NewTracker(10 * time.Millisecond)
	require.False(t, tr.TimedOut())
}

func TestTrackerTimesOutAfterInterval(t *testing.T) {
	tr := detector.NewTracker(10 * time.Millisecond)
	tr.Touch()
	require.False(t, tr.TimedOut())
	time.Sleep(15 * time.Millisecond)
	require.True(t, tr.TimedOut())
}

func TestTrackerResetClearsArmedState(t *testing.T) {
	tr := detector.NewTracker(5 * time.Millisecond)
	tr.Touch()
	time.Sleep(10 * time.Millisecond)
	require.True(t, tr.TimedOut())
	tr.Reset()
	require.False(t, tr.TimedOut())
}
