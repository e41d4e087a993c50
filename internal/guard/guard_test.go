package guard_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/guard"
)

func TestTimestampWindowAcceptsWithinTolerance(t *testing.T) {
	w := guard.DefaultTimestampWindow()
	now := time.Now()
	require.NoError(t, w.Check(now, now))
	require.NoError(t, w.Check(now.Add(time.Minute), now))
	require.NoError(t, w.Check(now.Add(-time.Minute), now))
}

func TestTimestampWindowRejectsOutsideTolerance(t *testing.T) {
	w := guard.DefaultTimestampWindow()
	now := time.Now()

	err := w.Check(now.Add(time.Hour), now)
	require.ErrorIs(t, err, echoerr.SequenceRejected)

	err = w.Check(now.Add(-time.Hour), now)
	require.ErrorIs(t, err, echoerr.SequenceRejected)
}

func TestSequenceGuardEnforcesMonotonicity(t *testing.T) {
	g := guard.NewSequenceGuard()
	require.NoError(t, g.Accept("alice", 1))
	require.NoError(t, g.Accept("alice", 2))

	err := g.Accept("alice", 2)
	require.ErrorIs(t, err, echoerr.SequenceRejected)

	err = g.Accept("alice", 1)
	require.ErrorIs(t, err, echoerr.SequenceRejected)

	// A different caller's sequence is tracked independently.
	require.NoError(t, g.Accept("bob", 1))
}

func TestReplayGuardRejectsWithinRetention(t *testing.T) {
	g := guard.NewReplayGuard(time.Minute)
	now := time.Now()

	require.NoError(t, g.Check("msg-1", now))
	err := g.Check("msg-1", now.Add(time.Second))
	require.ErrorIs(t, err, echoerr.ReplayRejected)

	// Outside the retention window the id can be seen again.
	require.NoError(t, g.Check("msg-1", now.Add(2*time.Minute)))
}

func TestReplayGuardGCDropsExpiredEntries(t *testing.T) {
	g := guard.NewReplayGuard(time.Minute)
	now := time.Now()
	require.NoError(t, g.Check("msg-1", now))

	g.GC(now.Add(2 * time.Minute))

	// After GC the id is gone, so it can be seen again without rejection.
	require.NoError(t, g.Check("msg-1", now.Add(2*time.Minute)))
}

func TestRateLimiterAllowsWithinBurstThenRejects(t *testing.T) {
	now := time.Now()
	rl := guard.NewRateLimiter(1, 2, time.Hour, func() time.Time { return now })
	defer rl.Close()

	require.NoError(t, rl.Allow("alice", now))
	require.NoError(t, rl.Allow("alice", now))

	err := rl.Allow("alice", now)
	require.ErrorIs(t, err, echoerr.RateLimited)
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	now := time.Now()
	rl := guard.NewRateLimiter(1, 1, time.Hour, func() time.Time { return now })
	defer rl.Close()

	require.NoError(t, rl.Allow("alice", now))
	require.ErrorIs(t, rl.Allow("alice", now), echoerr.RateLimited)

	later := now.Add(2 * time.Second)
	require.NoError(t, rl.Allow("alice", later))
}
